package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentsetup/features/queue/pulse/clients/pulse"
	"goa.design/agentsetup/runtime/setup/job"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		err     error
	}

	fakeStream struct {
		mu     sync.Mutex
		events []*streaming.Event
		sink   *fakeSink
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{sink: &fakeSink{ch: make(chan *streaming.Event, 16)}}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[name]
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%d-0", len(s.events)+1)
	s.events = append(s.events, &streaming.Event{ID: id, EventName: event, Payload: payload})
	return id, nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) added() []*streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*streaming.Event(nil), s.events...)
}

func (k *fakeSink) Subscribe() <-chan *streaming.Event { return k.ch }

func (k *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.acked = append(k.acked, ev.ID)
	return nil
}

func (k *fakeSink) Close(context.Context) {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
}

func (k *fakeSink) ackedIDs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.acked...)
}

type processorFunc func(context.Context, *job.Job) error

func (f processorFunc) Process(ctx context.Context, j *job.Job) error { return f(ctx, j) }

func TestPublisherAppendsEncodedJob(t *testing.T) {
	client := newFakeClient()
	p, err := NewPublisher(client, JobsStream)
	require.NoError(t, err)
	j, err := job.New(&session.Session{ID: "s1", Status: session.StatusQueued})
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), j))
	events := client.stream(JobsStream).added()
	require.Len(t, events, 1)
	require.Equal(t, job.Path, events[0].EventName)
	back, err := job.Decode(events[0].Payload)
	require.NoError(t, err)
	require.Equal(t, j.ID, back.ID)
}

func TestPublisherValidatesAndSurfacesErrors(t *testing.T) {
	_, err := NewPublisher(nil, JobsStream)
	require.Error(t, err)
	_, err = NewPublisher(newFakeClient(), "")
	require.Error(t, err)

	client := newFakeClient()
	client.err = errors.New("redis down")
	p, err := NewPublisher(client, UpdatesStream)
	require.NoError(t, err)
	require.Error(t, p.Publish(context.Background(), &job.Job{ID: "j", Path: job.UpdatesPath}))
}

func jobEvent(t *testing.T, id string, j *job.Job) *streaming.Event {
	t.Helper()
	payload, err := j.Encode()
	require.NoError(t, err)
	return &streaming.Event{ID: id, EventName: j.Path, Payload: payload}
}

func TestWorkerProcessesAndAcks(t *testing.T) {
	client := newFakeClient()
	str, _ := client.Stream(JobsStream)
	sink := str.(*fakeStream).sink

	var mu sync.Mutex
	var processed []string
	w, err := NewWorker(WorkerOptions{
		Client: client,
		Processor: processorFunc(func(_ context.Context, j *job.Job) error {
			mu.Lock()
			defer mu.Unlock()
			processed = append(processed, j.ID)
			if j.ID == "broken" {
				return errors.New("publish failed")
			}
			return nil
		}),
		MaxParallel: 2,
	})
	require.NoError(t, err)

	j, err := job.New(&session.Session{ID: "s1"})
	require.NoError(t, err)
	ended := *j
	ended.ID = "ended"
	ended.EndJob = true
	broken := *j
	broken.ID = "broken"

	sink.ch <- jobEvent(t, "1-0", j)
	sink.ch <- &streaming.Event{ID: "2-0", EventName: "junk", Payload: []byte("{")}
	sink.ch <- jobEvent(t, "3-0", &ended)
	sink.ch <- jobEvent(t, "4-0", &broken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return len(sink.ackedIDs()) == 3
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.ElementsMatch(t, []string{"1-0", "2-0", "3-0"}, sink.ackedIDs())
	require.ElementsMatch(t, []string{j.ID, "broken"}, processed)
	require.True(t, sink.closed)
}

func TestWorkerStopsWhenSubscriptionCloses(t *testing.T) {
	client := newFakeClient()
	str, _ := client.Stream(JobsStream)
	close(str.(*fakeStream).sink.ch)
	w, err := NewWorker(WorkerOptions{Client: client, Processor: processorFunc(func(context.Context, *job.Job) error { return nil })})
	require.NoError(t, err)
	require.ErrorContains(t, w.Serve(context.Background()), "subscription closed")
}

func TestNewWorkerValidates(t *testing.T) {
	_, err := NewWorker(WorkerOptions{})
	require.EqualError(t, err, "pulse client is required")
	_, err = NewWorker(WorkerOptions{Client: newFakeClient()})
	require.EqualError(t, err, "processor is required")
}

func TestChunkStreamPublishesPerSession(t *testing.T) {
	client := newFakeClient()
	fn := ChunkStream(client, nil)
	fn(context.Background(), stage.Chunk{
		SessionID: "s1",
		Stage:     session.StageToolMatching,
		Event:     stage.EventNodeResult,
		NodeID:    "n1",
		Message:   "send_email",
	})
	fn(context.Background(), stage.Chunk{Event: stage.EventStageStarted})

	events := client.stream(ChunkStreamID("s1")).added()
	require.Len(t, events, 1)
	require.Equal(t, string(stage.EventNodeResult), events[0].EventName)
	var env map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &env))
	require.Equal(t, "n1", env["node_id"])
	require.Equal(t, "TOOL_MATCHING", env["stage"])
}
