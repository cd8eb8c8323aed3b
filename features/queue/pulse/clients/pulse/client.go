// Package pulse wraps goa.design/pulse streams behind the small interfaces
// used by the setup job queue. Callers build a Redis client, pass it to New,
// and share the returned Client between publishers and workers.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add calls. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Stream returns the named stream, creating it on first use.
		Stream(name string) (Stream, error)
	}

	// Stream publishes events and creates consumer groups.
	Stream interface {
		// Add publishes payload under the event name and returns the Redis
		// entry ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink joins or creates the named consumer group.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, evt *streaming.Event) error
		Close(ctx context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]*handle
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		streams: make(map[string]*handle),
	}, nil
}

// Stream returns a cached handle for name.
func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.streams[name]; ok {
		return h, nil
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", name, err)
	}
	h := &handle{stream: str, timeout: c.timeout}
	c.streams[name] = h
	return h, nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
