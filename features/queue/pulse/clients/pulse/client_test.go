package pulse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	streamopts "goa.design/pulse/streaming/options"
)

var (
	testRedis       *redis.Client
	redisContainer  testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	if err := startRedis(ctx); err != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", err)
		skipIntegration = true
	}
	code := m.Run()
	if testRedis != nil {
		_ = testRedis.Close()
	}
	if redisContainer != nil {
		_ = redisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func startRedis(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	redisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		return err
	}
	host, err := redisContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	testRedis = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedis.Ping(ctx).Err()
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedis.FlushDB(context.Background()).Err())
	return testRedis
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "redis client is required")
}

func TestStreamRequiresName(t *testing.T) {
	c, err := New(Options{Redis: redis.NewClient(&redis.Options{Addr: "localhost:0"})})
	require.NoError(t, err)
	_, err = c.Stream("")
	require.EqualError(t, err, "stream name is required")
}

func TestAddRequiresEventName(t *testing.T) {
	h := &handle{}
	_, err := h.Add(context.Background(), "", []byte("{}"))
	require.EqualError(t, err, "event name is required")
}

func TestStreamRoundTrip(t *testing.T) {
	rdb := getRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := New(Options{Redis: rdb, StreamMaxLen: 100, OperationTimeout: 5 * time.Second})
	require.NoError(t, err)
	str, err := c.Stream("agent-setup-test")
	require.NoError(t, err)
	again, err := c.Stream("agent-setup-test")
	require.NoError(t, err)
	require.Same(t, str, again)

	sink, err := str.NewSink(ctx, "workers", streamopts.WithSinkStartAtOldest())
	require.NoError(t, err)
	defer sink.Close(context.Background())
	events := sink.Subscribe()

	id, err := str.Add(ctx, "job", []byte(`{"id":"j1"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case ev := <-events:
		require.Equal(t, "job", ev.EventName)
		require.JSONEq(t, `{"id":"j1"}`, string(ev.Payload))
		require.NoError(t, sink.Ack(ctx, ev))
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
