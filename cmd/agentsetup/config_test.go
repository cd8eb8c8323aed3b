package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"goa.design/agentsetup/runtime/setup/runlog"
	runloginmem "goa.design/agentsetup/runtime/setup/runlog/inmem"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
)

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("AGENT_SETUP_PROVIDER", "anthropic")
	t.Setenv("AGENT_SETUP_MODEL", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("AGENT_SETUP_MAX_CONCURRENCY", "8")
	t.Setenv("MONGO_TIMEOUT", "2s")
	t.Setenv("AGENT_SETUP_MAX_RETRIES", "not-a-number")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, providerAnthropic, cfg.Provider)
	require.Equal(t, defaultModel(providerAnthropic), cfg.Model)
	require.Equal(t, 8, cfg.MaxConcurrency)
	require.Equal(t, 2*time.Second, cfg.Mongo.Timeout)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, "agent-setup", cfg.Temporal.TaskQueue)
}

func TestLoadConfigOverlaysYAML(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := filepath.Join(t.TempDir(), "agentsetup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: openai
model: gpt-4.1
max_parallel_jobs: 10
temporal:
  task_queue: setup-queue
  stage_timeout: 90s
tools:
  - name: send_email
    integration: gmail
    description: Send an email
    input_parameters:
      - name: to
        required: true
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "gpt-4.1", cfg.Model)
	require.Equal(t, "sk-env", cfg.OpenAI.APIKey)
	require.Equal(t, 10, cfg.MaxParallelJobs)
	require.Equal(t, "setup-queue", cfg.Temporal.TaskQueue)
	require.Equal(t, 90*time.Second, cfg.Temporal.StageTimeout)
	require.Len(t, cfg.Tools, 1)
	require.Equal(t, "gmail", cfg.Tools[0].Integration)
	require.True(t, cfg.Tools[0].InputParameters[0].Required)
}

func TestLoadConfigValidates(t *testing.T) {
	t.Setenv("AGENT_SETUP_PROVIDER", "")
	t.Setenv("OPENAI_API_KEY", "")
	_, err := loadConfig("")
	require.EqualError(t, err, "openai api key is required")

	t.Setenv("AGENT_SETUP_PROVIDER", "mistral")
	_, err = loadConfig("")
	require.EqualError(t, err, `unknown provider "mistral"`)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestReadSessionAssignsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"agent":{"name":"Invoice bot"},"process_instructions":"approve invoices"}`), 0o600))

	sess, err := readSession(path)
	require.NoError(t, err)
	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusQueued, sess.Status)
	require.Equal(t, "Invoice bot", sess.Agent.Name)
}

func TestWriteSession(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSession(&buf, &session.Session{ID: "s1", Status: session.StatusCompleted}))
	require.Contains(t, buf.String(), `"status": "COMPLETED"`)
	buf.Reset()
	require.NoError(t, writeSession(&buf, nil))
	require.Empty(t, buf.String())
}

func TestPrintEventsPagesThroughLog(t *testing.T) {
	events := runloginmem.New()
	ctx := context.Background()
	for range eventsPageSize + 3 {
		require.NoError(t, events.Append(ctx, &runlog.Event{SessionID: "s1", Type: stage.EventNodeResult}))
	}
	a := &app{events: events}

	var buf bytes.Buffer
	require.NoError(t, a.printEvents(ctx, &buf, "s1"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, eventsPageSize+3)
	require.Contains(t, lines[0], `"session_id":"s1"`)

	require.EqualError(t, a.printEvents(ctx, &buf, ""), "-id is required")
	require.EqualError(t, (&app{}).printEvents(ctx, &buf, "s1"), "events requires MONGO_URI")
}
