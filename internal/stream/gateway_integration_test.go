package stream_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/deepsearch/internal/stream"
)

func startRedis(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("redis host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("redis port: %v", err)
	}
	return c, fmt.Sprintf("%s:%s", host, port.Port())
}

func TestGatewayReplayThenLive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	c, addr := startRedis(t, ctx)
	defer func() { _ = c.Terminate(ctx) }()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	g := stream.NewGateway(client, time.Minute)
	streamID := stream.NewStreamID()

	// Pre-populate two events before any subscriber exists.
	if err := g.PublishEvent(ctx, streamID, stream.EventProgress, stream.ProgressEvent{MessageID: "m1", Progress: 15}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := g.PublishEvent(ctx, streamID, stream.EventReasoning, stream.ReasoningEvent{MessageID: "m1", Reasoning: "analyzing"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Publish the rest after a short delay so the subscriber crosses
	// from replay into live tailing.
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = g.PublishEvent(ctx, streamID, stream.EventProgress, stream.ProgressEvent{MessageID: "m1", Progress: 55})
		_ = g.Complete(ctx, streamID, stream.DoneEvent{MessageID: "m1"})
	}()

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var types []string
	err := g.Subscribe(subCtx, streamID, func(env stream.Envelope) error {
		types = append(types, env.EventType)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := []string{stream.EventProgress, stream.EventReasoning, stream.EventProgress, stream.EventDone}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}

	// A second subscriber after completion replays the whole turn.
	var replay []string
	err = g.Subscribe(ctx, streamID, func(env stream.Envelope) error {
		replay = append(replay, env.EventType)
		return nil
	})
	if err != nil {
		t.Fatalf("replay Subscribe: %v", err)
	}
	if len(replay) != len(want) {
		t.Fatalf("replay got %v, want %v", replay, want)
	}

	// Completion arms the retention TTL.
	ttl, err := client.TTL(ctx, "deepsearch:stream:"+streamID).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected positive TTL after completion, got %v", ttl)
	}
}

func TestGatewayDrop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	c, addr := startRedis(t, ctx)
	defer func() { _ = c.Terminate(ctx) }()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	g := stream.NewGateway(client, time.Minute)
	streamID := stream.NewStreamID()
	if err := g.PublishEvent(ctx, streamID, stream.EventText, stream.TextEvent{MessageID: "m1", Text: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ok, err := g.Exists(ctx, streamID)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if err := g.Drop(ctx, streamID); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	ok, err = g.Exists(ctx, streamID)
	if err != nil || ok {
		t.Fatalf("Exists after drop = %v, %v", ok, err)
	}

	// Subscribing to the dropped stream must fail fast instead of
	// tailing a key that will never get entries.
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	err = g.Subscribe(subCtx, streamID, func(stream.Envelope) error {
		t.Fatal("no envelope expected from a dropped stream")
		return nil
	})
	if !errors.Is(err, stream.ErrStreamGone) {
		t.Fatalf("Subscribe on dropped stream: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Subscribe blocked %v before failing", time.Since(start))
	}
}
