package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reforge-dev/reforge/internal/store"
)

func newEventsStore(t *testing.T) (*store.Store, *store.Project) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "ev.db"), zerolog.New(os.Stderr))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := st.CreateProject(store.CreateProjectInput{
		Name: "demo", RepoURL: "https://github.com/acme/demo", OwnerID: "u1",
	})
	require.NoError(t, err)
	return st, p
}

func thought(projectID, id, content string) *store.AgentEvent {
	return &store.AgentEvent{
		ID:        id,
		ProjectID: projectID,
		EventType: store.EventThought,
		Content:   content,
	}
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ch1, cancel1 := hub.Subscribe("p1", 4)
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("p1", 4)
	defer cancel2()
	other, cancelOther := hub.Subscribe("p2", 4)
	defer cancelOther()

	hub.Publish(&store.AgentEvent{Seq: 1, ProjectID: "p1", EventType: store.EventThought})

	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)
	assert.Empty(t, other)
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ch, cancel := hub.Subscribe("p1", 1)
	defer cancel()

	hub.Publish(&store.AgentEvent{Seq: 1, ProjectID: "p1"})
	hub.Publish(&store.AgentEvent{Seq: 2, ProjectID: "p1"}) // buffer full, drop

	// First event still delivered, then closed.
	ev, ok := <-ch
	require.True(t, ok)
	assert.EqualValues(t, 1, ev.Seq)
	_, ok = <-ch
	assert.False(t, ok, "subscription closed after drop")

	// Cancel after a hub-side drop must not panic.
	cancel()
}

func TestRecorder_AppendsAndPublishes(t *testing.T) {
	st, p := newEventsStore(t)
	hub := NewHub(zerolog.Nop())
	rec := NewRecorder(st, hub, nil, zerolog.Nop())

	ch, cancel := hub.Subscribe(p.ID, 4)
	defer cancel()

	ev, err := rec.Record(thought(p.ID, "ev-1", "analyzing checkout flow"))
	require.NoError(t, err)
	assert.Positive(t, ev.Seq)

	pushed := <-ch
	assert.Equal(t, "ev-1", pushed.ID)

	stored, err := st.ListEvents(p.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestSubscriber_CatchesUpThenStreams(t *testing.T) {
	st, p := newEventsStore(t)
	hub := NewHub(zerolog.Nop())
	rec := NewRecorder(st, hub, nil, zerolog.Nop())

	// Two events exist before the subscriber starts.
	_, err := rec.Record(thought(p.ID, "ev-1", "one"))
	require.NoError(t, err)
	_, err = rec.Record(thought(p.ID, "ev-2", "two"))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	sub := NewSubscriber(st, hub, 0, func(ev *store.AgentEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.ID)
		return nil
	}, zerolog.Nop())
	sub.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sub.Run(ctx, p.ID)
		close(done)
	}()

	waitForEvents(t, &mu, &got, 2)

	_, err = rec.Record(thought(p.ID, "ev-3", "three"))
	require.NoError(t, err)
	waitForEvents(t, &mu, &got, 3)

	mu.Lock()
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, got)
	mu.Unlock()

	cancel()
	<-done
}

func TestSubscriber_DropFallsBackToPollWithoutDuplicates(t *testing.T) {
	st, p := newEventsStore(t)
	hub := NewHub(zerolog.Nop())
	rec := NewRecorder(st, hub, nil, zerolog.Nop())

	var mu sync.Mutex
	var got []string
	block := make(chan struct{})
	first := true
	sub := NewSubscriber(st, hub, 0, func(ev *store.AgentEvent) error {
		if first {
			first = false
			<-block // stall so the push buffer overflows
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.ID)
		return nil
	}, zerolog.Nop())
	sub.PollInterval = 10 * time.Millisecond
	sub.Buffer = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sub.Run(ctx, p.ID)
		close(done)
	}()

	// First event stalls the subscriber; the rest overflow the push buffer
	// and force a hub-side drop.
	for _, id := range []string{"ev-1", "ev-2", "ev-3", "ev-4"} {
		_, err := rec.Record(thought(p.ID, id, id))
		require.NoError(t, err)
	}
	close(block)

	waitForEvents(t, &mu, &got, 4)
	time.Sleep(50 * time.Millisecond) // give a duplicate a chance to show up

	mu.Lock()
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3", "ev-4"}, got, "each event delivered exactly once, in order")
	mu.Unlock()

	cancel()
	<-done
}

func TestSubscriber_PushAheadOfCursorFillsGapFromLog(t *testing.T) {
	st, p := newEventsStore(t)
	hub := NewHub(zerolog.Nop())
	rec := NewRecorder(st, hub, nil, zerolog.Nop())

	_, err := rec.Record(thought(p.ID, "ev-1", "one"))
	require.NoError(t, err)

	var got []string
	sub := NewSubscriber(st, hub, 0, func(ev *store.AgentEvent) error {
		got = append(got, ev.ID)
		return nil
	}, zerolog.Nop())

	require.NoError(t, sub.catchUp(p.ID))
	assert.Equal(t, []string{"ev-1"}, got)

	// Two events land after the catch-up but before any push reaches this
	// subscriber; only the last one gets pushed.
	_, err = rec.Record(thought(p.ID, "ev-2", "two"))
	require.NoError(t, err)
	ev3, err := rec.Record(thought(p.ID, "ev-3", "three"))
	require.NoError(t, err)

	ch := make(chan *store.AgentEvent, 1)
	ch <- ev3
	close(ch)
	require.NoError(t, sub.consume(context.Background(), p.ID, ch))

	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, got,
		"the gap is read from the log before the pushed event, once each")
	assert.EqualValues(t, ev3.Seq, sub.Cursor())
}

func waitForEvents(t *testing.T, mu *sync.Mutex, got *[]string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		if len(*got) >= n {
			mu.Unlock()
			return
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events", n)
}

func TestFeed_StreamsOverWebsocket(t *testing.T) {
	st, p := newEventsStore(t)
	hub := NewHub(zerolog.Nop())
	rec := NewRecorder(st, hub, nil, zerolog.Nop())
	feed := NewFeed(st, hub, zerolog.Nop())

	_, err := rec.Record(thought(p.ID, "ev-1", "hello"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{id}/events", feed.Handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/projects/" + p.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev store.AgentEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ev-1", ev.ID)

	// Live events keep flowing on the same connection.
	_, err = rec.Record(thought(p.ID, "ev-2", "more"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ev-2", ev.ID)
}

func TestFeed_RejectsBadCursor(t *testing.T) {
	st, _ := newEventsStore(t)
	feed := NewFeed(st, NewHub(zerolog.Nop()), zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{id}/events", feed.Handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/projects/p1/events?after=banana")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
