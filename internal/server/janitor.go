package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/deepsearch/internal/store"
)

// StaleStreamStore lists and clears sessions whose active stream
// outlived its turn.
type StaleStreamStore interface {
	ListStaleStreamSessions(ctx context.Context, maxAge time.Duration) ([]store.Session, error)
	SetActiveStreamID(ctx context.Context, sessionID, streamID string) error
}

// StreamDropper removes a turn stream's backing log.
type StreamDropper interface {
	Drop(ctx context.Context, streamID string) error
}

// Janitor sweeps sessions that still point at a stream long after any
// turn could be running, which only happens if a process died between
// setting the pointer and its cleanup. The sweep restores the cleanup
// invariant: no idle session keeps an active stream id.
type Janitor struct {
	Store    StaleStreamStore
	Streams  StreamDropper
	MaxAge   time.Duration
	Schedule *cronexpr.Expression
	Logger   *log.Logger

	stop chan struct{}
}

func NewJanitor(st StaleStreamStore, streams StreamDropper, maxAge time.Duration, schedule string, logger *log.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, err
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Janitor{Store: st, Streams: streams, MaxAge: maxAge, Schedule: expr, Logger: logger, stop: make(chan struct{})}, nil
}

// Start runs the sweep loop until Stop is called.
func (j *Janitor) Start() {
	go func() {
		for {
			next := j.Schedule.Next(time.Now())
			select {
			case <-time.After(time.Until(next)):
				j.Sweep(context.Background())
			case <-j.stop:
				return
			}
		}
	}()
}

func (j *Janitor) Stop() {
	close(j.stop)
}

// Sweep clears stale stream pointers and drops their backing logs.
func (j *Janitor) Sweep(ctx context.Context) {
	sessions, err := j.Store.ListStaleStreamSessions(ctx, j.MaxAge)
	if err != nil {
		j.Logger.Printf("[JANITOR] list stale streams: %v", err)
		return
	}
	for _, s := range sessions {
		if err := j.Store.SetActiveStreamID(ctx, s.ID, ""); err != nil {
			j.Logger.Printf("[JANITOR] clear stream for session %s: %v", s.ID, err)
			continue
		}
		if j.Streams != nil {
			if err := j.Streams.Drop(ctx, s.ActiveStreamID); err != nil {
				j.Logger.Printf("[JANITOR] drop stream %s: %v", s.ActiveStreamID, err)
			}
		}
		j.Logger.Printf("[JANITOR] cleared stale stream %s on session %s", s.ActiveStreamID, s.ID)
	}
}
