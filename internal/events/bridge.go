// Package events fans out the append-only agent event log: an in-process hub
// for push delivery, a websocket feed for external consumers, and a
// subscriber that falls back to polling when push drops.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/reforge-dev/reforge/internal/metrics"
	"github.com/reforge-dev/reforge/internal/store"
)

// Hub routes freshly appended events to in-process subscribers, keyed by
// project. Delivery is best-effort: a subscriber that cannot keep up is
// dropped (its channel closed) and is expected to re-sync from the log.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan *store.AgentEvent
	nextID int
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[int]chan *store.AgentEvent),
		logger: logger.With().Str("component", "events.hub").Logger(),
	}
}

// Subscribe registers for a project's events. The returned cancel func is
// idempotent and always safe to call, including after the hub dropped the
// subscription itself.
func (h *Hub) Subscribe(projectID string, buffer int) (<-chan *store.AgentEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *store.AgentEvent, buffer)

	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[int]chan *store.AgentEvent)
	}
	id := h.nextID
	h.nextID++
	h.subs[projectID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[projectID][id]; ok {
			delete(h.subs[projectID], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish sends an event to every subscriber of its project. A full buffer
// means the subscriber is too slow; it is dropped rather than blocking the
// append path.
func (h *Hub) Publish(ev *store.AgentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs[ev.ProjectID] {
		select {
		case ch <- ev:
		default:
			delete(h.subs[ev.ProjectID], id)
			close(ch)
			h.logger.Warn().
				Str("project_id", ev.ProjectID).
				Msg("dropped slow event subscriber")
		}
	}
}

// Recorder is the single write path for agent events: append to the durable
// log, then push to live subscribers.
type Recorder struct {
	store   *store.Store
	hub     *Hub
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRecorder creates a recorder. metrics may be nil.
func NewRecorder(st *store.Store, hub *Hub, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   st,
		hub:     hub,
		metrics: m,
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

// Record appends the event and publishes it. Replaying an already-appended
// event id is harmless on the log side; subscribers dedupe by sequence.
func (r *Recorder) Record(ev *store.AgentEvent) (*store.AgentEvent, error) {
	appended, err := r.store.AppendEvent(ev)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordEvent(string(appended.EventType))
	}
	r.hub.Publish(appended)
	return appended, nil
}
