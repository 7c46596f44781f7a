package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/reforge-dev/reforge/internal/store"
)

// DeliverFunc receives one event. Returning an error stops the subscriber.
type DeliverFunc func(*store.AgentEvent) error

// Subscriber delivers a project's event stream exactly once and in order,
// preferring hub push and falling back to log polling whenever the hub drops
// it. The sequence cursor is the dedupe mechanism: anything at or below the
// cursor has already been delivered, however it arrived.
type Subscriber struct {
	store   *store.Store
	hub     *Hub
	deliver DeliverFunc
	logger  zerolog.Logger

	// PollInterval paces catch-up polling. Defaults to one second.
	PollInterval time.Duration

	// Buffer sizes the push channel. Zero means the hub default.
	Buffer int

	cursor int64
}

// NewSubscriber creates a subscriber starting after the given cursor (0 for
// the full log).
func NewSubscriber(st *store.Store, hub *Hub, after int64, deliver DeliverFunc, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		store:        st,
		hub:          hub,
		deliver:      deliver,
		logger:       logger.With().Str("component", "events.subscriber").Logger(),
		PollInterval: time.Second,
		cursor:       after,
	}
}

// Cursor returns the sequence of the last delivered event.
func (s *Subscriber) Cursor() int64 { return s.cursor }

// Run streams events until the context ends or delivery fails. It first
// catches up from the log, then consumes pushed events; a dropped push
// subscription triggers a poll-and-resubscribe cycle, so no event is lost
// and none is delivered twice.
func (s *Subscriber) Run(ctx context.Context, projectID string) error {
	for {
		if err := s.catchUp(projectID); err != nil {
			return err
		}

		ch, cancel := s.hub.Subscribe(projectID, s.Buffer)

		// Events appended between catch-up and subscribe were never pushed to
		// this channel; consume fills that gap from the log before taking any
		// pushed event that skips ahead of the cursor.
		if err := s.consume(ctx, projectID, ch); err != nil {
			cancel()
			return err
		}
		cancel()

		// Push dropped us. Pace the fallback, then re-sync and resubscribe.
		s.logger.Debug().Str("project_id", projectID).Msg("push dropped, polling")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
}

// consume reads pushed events until the channel closes (hub drop) or the
// context ends. Returns nil on hub drop so Run can fall back to polling.
func (s *Subscriber) consume(ctx context.Context, projectID string, ch <-chan *store.AgentEvent) error {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Seq <= s.cursor {
				continue // already delivered via poll
			}
			if ev.Seq > s.cursor+1 {
				// A pushed event ahead of the cursor means the log holds
				// events this channel never saw. Read them first so nothing
				// is skipped and order holds.
				if err := s.catchUp(projectID); err != nil {
					return err
				}
				if ev.Seq <= s.cursor {
					continue // the catch-up covered the pushed event too
				}
			}
			if err := s.deliver(ev); err != nil {
				return err
			}
			s.cursor = ev.Seq
		case <-ticker.C:
			if err := s.catchUp(projectID); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) catchUp(projectID string) error {
	evs, err := s.store.ListEventsAfter(projectID, s.cursor)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if err := s.deliver(ev); err != nil {
			return err
		}
		s.cursor = ev.Seq
	}
	return nil
}
