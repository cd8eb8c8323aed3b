package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentsetup/runtime/setup/runlog"
	"goa.design/agentsetup/runtime/setup/stage"
)

type fakeClient struct {
	appended []*runlog.Event
	lists    []string
}

func (*fakeClient) Name() string               { return "fake" }
func (*fakeClient) Ping(context.Context) error { return nil }
func (c *fakeClient) Append(_ context.Context, e *runlog.Event) error {
	e.ID = "1"
	c.appended = append(c.appended, e)
	return nil
}

func (c *fakeClient) List(_ context.Context, sessionID, cursor string, _ int) (runlog.Page, error) {
	c.lists = append(c.lists, sessionID+"@"+cursor)
	return runlog.Page{Events: c.appended}, nil
}

func TestStoreDelegates(t *testing.T) {
	fc := &fakeClient{}
	s, err := NewStore(fc)
	require.NoError(t, err)
	require.Equal(t, "fake", s.Client().Name())

	rec := runlog.Recorder(s, nil)
	rec(context.Background(), stage.Chunk{SessionID: "s1", Event: stage.EventStageStarted})
	require.Len(t, fc.appended, 1)

	page, err := s.List(context.Background(), "s1", "c", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, []string{"s1@c"}, fc.lists)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}
