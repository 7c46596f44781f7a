package events

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reforge-dev/reforge/internal/requestid"
	"github.com/reforge-dev/reforge/internal/store"
)

// Feed serves the live event stream over websocket. Each connection gets its
// own Subscriber, so a dropped push silently degrades to polling instead of
// losing events.
type Feed struct {
	store    *store.Store
	hub      *Hub
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewFeed creates the websocket event feed.
func NewFeed(st *store.Store, hub *Hub, logger zerolog.Logger) *Feed {
	return &Feed{
		store:  st,
		hub:    hub,
		logger: logger.With().Str("component", "events.feed").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler streams a project's events. Route pattern must carry an {id} path
// value; the optional after query parameter resumes from a cursor.
func (f *Feed) Handler(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if projectID == "" {
		http.Error(w, "missing project id", http.StatusBadRequest)
		return
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after = v
	}

	logger := f.logger.With().
		Str("request_id", requestid.From(r.Context())).
		Str("project_id", projectID).
		Logger()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only serve to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	sub := NewSubscriber(f.store, f.hub, after, func(ev *store.AgentEvent) error {
		return conn.WriteJSON(ev)
	}, logger)

	if err := sub.Run(ctx, projectID); err != nil && ctx.Err() == nil {
		logger.Debug().Err(err).Msg("event feed closed")
	}
}
