package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrStreamGone marks a subscribe against a stream that has expired or
// been dropped; tailing it would block forever waiting on entries that
// will never arrive.
var ErrStreamGone = errors.New("stream no longer exists")

const (
	keyPrefix = "deepsearch:stream:"
	maxLen    = 4096
	tailBlock = 5 * time.Second
)

// Gateway publishes turn events to Redis Streams and replays them for
// late subscribers. One stream per turn, keyed by stream ID; a done
// envelope marks the end, after which the stream lives for the
// retention grace so reconnecting clients can still replay the full
// transcript.
type Gateway struct {
	client    *redis.Client
	retention time.Duration
}

func NewGateway(client *redis.Client, retention time.Duration) *Gateway {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Gateway{client: client, retention: retention}
}

func streamKey(streamID string) string {
	return keyPrefix + streamID
}

// NewStreamID mints an identifier for a turn stream.
func NewStreamID() string {
	return uuid.NewString()
}

// Publish appends the envelope to the turn stream.
func (g *Gateway) Publish(ctx context.Context, streamID string, env Envelope) (string, error) {
	if streamID == "" {
		return "", fmt.Errorf("stream id is required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}
	id, err := g.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(streamID),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"envelope": raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// PublishEvent wraps a typed payload and publishes it.
func (g *Gateway) PublishEvent(ctx context.Context, streamID, eventType string, payload interface{}) error {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	_, err = g.Publish(ctx, streamID, env)
	return err
}

// Complete appends the terminal marker and arms the retention TTL. The
// stream stays readable for the grace window so a client that
// disconnected mid-turn can still replay everything.
func (g *Gateway) Complete(ctx context.Context, streamID string, done DoneEvent) error {
	if err := g.PublishEvent(ctx, streamID, EventDone, done); err != nil {
		return err
	}
	if err := g.client.Expire(ctx, streamKey(streamID), g.retention).Err(); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

// Exists reports whether the turn stream still has entries.
func (g *Gateway) Exists(ctx context.Context, streamID string) (bool, error) {
	n, err := g.client.Exists(ctx, streamKey(streamID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}

// Drop removes the turn stream immediately. Used by the janitor for
// streams whose session row no longer points at them.
func (g *Gateway) Drop(ctx context.Context, streamID string) error {
	if err := g.client.Del(ctx, streamKey(streamID)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Subscribe replays the full ordered log from the beginning, then tails
// live entries, invoking fn for every envelope until the terminal
// marker, a callback error, or context cancellation. Replay and tail
// share the same cursor so no entry is missed or duplicated at the
// handoff.
func (g *Gateway) Subscribe(ctx context.Context, streamID string, fn func(Envelope) error) error {
	key := streamKey(streamID)

	lastID := "0"
	msgs, err := g.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return fmt.Errorf("xrange: %w", err)
	}
	if len(msgs) == 0 {
		// Every stream carries at least the opening tick, so an empty
		// replay means the key expired or was dropped.
		exists, err := g.Exists(ctx, streamID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrStreamGone
		}
	}
	for _, msg := range msgs {
		env, ok := decodeMessage(msg)
		if !ok {
			continue
		}
		if err := fn(env); err != nil {
			return err
		}
		lastID = msg.ID
		if env.IsTerminal() {
			return nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := g.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   tailBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				env, ok := decodeMessage(msg)
				lastID = msg.ID
				if !ok {
					continue
				}
				if err := fn(env); err != nil {
					return err
				}
				if env.IsTerminal() {
					return nil
				}
			}
		}
	}
}

func decodeMessage(msg redis.XMessage) (Envelope, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Envelope{}, false
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return Envelope{}, false
	}
	env, err := UnmarshalEnvelope(b)
	if err != nil {
		return Envelope{}, false
	}
	return env, true
}
