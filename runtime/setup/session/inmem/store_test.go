package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentsetup/runtime/setup/session"
)

func TestStoreSaveLoadClones(t *testing.T) {
	ctx := context.Background()
	s := New()

	sess := &session.Session{ID: "s1", Status: session.StatusQueued, ProcessInstructions: "approve invoices"}
	sess.Initialize(time.Unix(100, 0))
	require.NoError(t, s.Save(ctx, sess))

	sess.AgentSOP = "mutated after save"
	loaded, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, loaded.AgentSOP)
	require.Equal(t, session.StatusInProgress, loaded.Status)

	loaded.SetupState.Next = session.StageToolMatching
	again, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StageSOPGeneration, again.SetupState.Next)
}

func TestStoreLoadMissing(t *testing.T) {
	_, err := New().Load(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	s := New()
	require.Error(t, s.Save(context.Background(), nil))
	require.Error(t, s.Save(context.Background(), &session.Session{}))
	_, err := s.Load(context.Background(), "")
	require.Error(t, err)
}

func TestStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Save(ctx, &session.Session{ID: "b", Status: session.StatusQueued}))
	require.NoError(t, s.Save(ctx, &session.Session{ID: "a", Status: session.StatusQueued}))
	require.NoError(t, s.Save(ctx, &session.Session{ID: "c", Status: session.StatusCompleted}))

	queued, err := s.ListByStatus(ctx, session.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "a", queued[0].ID)
	require.Equal(t, "b", queued[1].ID)
}
