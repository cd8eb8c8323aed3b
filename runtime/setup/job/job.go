// Package job maps setup sessions to and from queue jobs. A job carries the
// session snapshot under data.task; the manager runs one stage per delivery,
// publishes update notifications, and requeues the job until the session
// reaches a terminal status.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"goa.design/agentsetup/runtime/setup/session"
)

type (
	// Job is a queue message.
	Job struct {
		ID     string `json:"id"`
		Target string `json:"target,omitempty"`
		Path   string `json:"path"`
		// Data holds the job payload. The session lives under the "task" key;
		// other keys are preserved across requeues.
		Data map[string]json.RawMessage `json:"data"`
		// EndJob tells the queue to stop redelivering the job.
		EndJob bool `json:"end_job"`
		// Attempt counts transport-level retries of the same stage.
		Attempt int `json:"attempt,omitempty"`
	}
)

const (
	// Path is the routing key of setup jobs.
	Path = "agent-setup"
	// UpdatesTarget is the system receiving update notifications.
	UpdatesTarget = "beam-api"
	// UpdatesPath is the routing key of update notifications.
	UpdatesPath = "agent-setup-updates"

	taskKey = "task"
)

var (
	// ErrInvalidPath indicates the job is not routed to agent setup.
	ErrInvalidPath = errors.New("invalid job path")
	// ErrMissingTask indicates the job payload carries no session.
	ErrMissingTask = errors.New("missing agent setup data in job payload")
	// ErrPersist indicates the session store rejected a snapshot.
	ErrPersist = errors.New("save session")
)

// New returns a setup job carrying sess.
func New(sess *session.Session) (*Job, error) {
	j := &Job{ID: uuid.NewString(), Path: Path}
	if err := j.setTask(sess); err != nil {
		return nil, err
	}
	return j, nil
}

// NewUpdate returns the notification job announcing the state of sess.
func NewUpdate(sess *session.Session) (*Job, error) {
	j := &Job{ID: uuid.NewString(), Target: UpdatesTarget, Path: UpdatesPath}
	if err := j.setTask(sess); err != nil {
		return nil, err
	}
	return j, nil
}

// Decode parses a serialized job.
func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// Encode serializes the job.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Session validates the routing key and returns the session carried by the
// job.
func (j *Job) Session() (*session.Session, error) {
	if !strings.EqualFold(j.Path, Path) {
		return nil, fmt.Errorf("%w: %q, expected %q", ErrInvalidPath, j.Path, Path)
	}
	raw, ok := j.Data[taskKey]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, ErrMissingTask
	}
	return session.Unmarshal(raw)
}

// WithSession returns a copy of j carrying sess. EndJob is set when the
// session status is terminal.
func (j *Job) WithSession(sess *session.Session) (*Job, error) {
	out := j.clone()
	if err := out.setTask(sess); err != nil {
		return nil, err
	}
	out.Attempt = 0
	out.EndJob = sess.Status.Terminal()
	return out, nil
}

// Retry returns a copy of j with the attempt counter incremented and the
// payload unchanged.
func (j *Job) Retry() *Job {
	out := j.clone()
	out.Attempt++
	return out
}

func (j *Job) setTask(sess *session.Session) error {
	raw, err := sess.Marshal()
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if j.Data == nil {
		j.Data = make(map[string]json.RawMessage, 1)
	}
	j.Data[taskKey] = raw
	return nil
}

func (j *Job) clone() *Job {
	out := *j
	out.Data = make(map[string]json.RawMessage, len(j.Data))
	for k, v := range j.Data {
		out.Data[k] = v
	}
	return &out
}
