package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/store"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore"
	"github.com/TIC-PURP/purp-sync/internal/store/remotestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a minimal in-memory stand-in for the remote document
// database: documents, a change log, and the handful of endpoints the
// coordinator drives.
type fakeRemote struct {
	mu      sync.Mutex
	docs    map[string]*store.Document
	changes []string // doc ids in change order
	deny    map[string]string
	status  int // when non-zero every request answers with it
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: map[string]*store.Document{}, deny: map[string]string{}}
}

func (f *fakeRemote) putDoc(doc *store.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	f.changes = append(f.changes, doc.ID)
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/db/app/_bulk_docs", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w) {
			return
		}
		var body struct {
			Docs []map[string]any `json:"docs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		var results []map[string]any
		f.mu.Lock()
		for _, m := range body.Docs {
			id, _ := m["_id"].(string)
			rev, _ := m["_rev"].(string)
			if reason, denied := f.deny[id]; denied {
				results = append(results, map[string]any{"id": id, "error": "forbidden", "reason": reason})
				continue
			}
			raw, _ := json.Marshal(m)
			deleted, _ := m["_deleted"].(bool)
			f.docs[id] = &store.Document{ID: id, Rev: rev, Deleted: deleted, Body: raw}
			f.changes = append(f.changes, id)
			results = append(results, map[string]any{"id": id, "rev": rev})
		}
		f.mu.Unlock()
		if results == nil {
			results = []map[string]any{}
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(results)
	})
	mux.HandleFunc("/db/app/_changes", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w) {
			return
		}
		since, _ := strconv.Atoi(r.URL.Query().Get("since"))
		f.mu.Lock()
		type row struct {
			ID      string              `json:"id"`
			Deleted bool                `json:"deleted"`
			Changes []map[string]string `json:"changes"`
			Doc     json.RawMessage     `json:"doc,omitempty"`
		}
		var results []row
		for i := since; i < len(f.changes); i++ {
			doc := f.docs[f.changes[i]]
			results = append(results, row{
				ID: doc.ID, Deleted: doc.Deleted,
				Changes: []map[string]string{{"rev": doc.Rev}},
				Doc:     doc.Body,
			})
		}
		last := len(f.changes)
		f.mu.Unlock()
		if results == nil {
			results = []row{}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results, "last_seq": strconv.Itoa(last)})
	})
	mux.HandleFunc("/db/app/", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w) {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/db/app/")
		f.mu.Lock()
		doc, ok := f.docs[id]
		f.mu.Unlock()
		if !ok || doc.Deleted {
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
			return
		}
		w.Write(doc.Body)
	})
	return mux
}

func (f *fakeRemote) fail(w http.ResponseWriter) bool {
	f.mu.Lock()
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return true
	}
	return false
}

func (f *fakeRemote) setStatus(code int) {
	f.mu.Lock()
	f.status = code
	f.mu.Unlock()
}

func (f *fakeRemote) get(id string) *store.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) handler() Handler {
	return func(ev Event) {
		e.mu.Lock()
		e.events = append(e.events, ev)
		e.mu.Unlock()
	}
}

func (e *eventLog) find(t EventType) *Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.events {
		if e.events[i].Type == t {
			return &e.events[i]
		}
	}
	return nil
}

func setupSync(t *testing.T) (*Coordinator, *localstore.Store, *fakeRemote, *eventLog) {
	t.Helper()
	fake := newFakeRemote()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	local, err := localstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remote := remotestore.New(srv.URL, "app", srv.Client())
	events := &eventLog{}
	c := New(local, remote, logging.NewDefault(slog.LevelError), events.handler(), Options{
		RequestTimeout: 2 * time.Second,
	})
	t.Cleanup(c.Stop)
	return c, local, fake, events
}

func TestStart_Idempotent(t *testing.T) {
	c, _, _, _ := setupSync(t)

	s1 := c.Start(context.Background())
	s2 := c.Start(context.Background())
	assert.Equal(t, s1.ID, s2.ID)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())

	// Stop when idle is a no-op.
	c.Stop()
}

func TestPush_OfflineCreateConverges(t *testing.T) {
	c, local, fake, _ := setupSync(t)
	ctx := context.Background()

	// Written while offline: only the local store has it.
	doc, err := store.NewDocument("user:alice-example.com", map[string]any{
		"type": "user", "email": "alice@example.com", "role": "user",
	})
	require.NoError(t, err)
	localRev, err := local.Put(ctx, doc)
	require.NoError(t, err)

	// Connectivity returns; the stream pushes it out.
	c.Start(ctx)
	require.Eventually(t, func() bool {
		return fake.get("user:alice-example.com") != nil
	}, 5*time.Second, 20*time.Millisecond)

	// Converged revision lineage: the remote holds the same token.
	assert.Equal(t, localRev, fake.get("user:alice-example.com").Rev)
}

func TestPull_RemoteUpdateLandsLocally(t *testing.T) {
	c, local, fake, _ := setupSync(t)
	ctx := context.Background()

	body, _ := json.Marshal(map[string]any{
		"_id": "user:bob", "_rev": "4-remote", "type": "user", "name": "Bob",
	})
	fake.putDoc(&store.Document{ID: "user:bob", Rev: "4-remote", Body: body})

	c.Start(ctx)
	require.Eventually(t, func() bool {
		got, err := local.Get(ctx, "user:bob")
		return err == nil && got.Rev == "4-remote"
	}, 5*time.Second, 20*time.Millisecond)

	// Replicated writes are flagged remote-origin so they are not
	// echoed back out.
	changes, _, err := local.ChangesSince(ctx, localstore.ChangesOptions{DocIDs: []string{"user:bob"}})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Remote)
}

func TestDenied_SurfacedNotRetried(t *testing.T) {
	c, local, fake, events := setupSync(t)
	ctx := context.Background()

	fake.deny["user:dup"] = "duplicate email"
	doc, err := store.NewDocument("user:dup", map[string]any{"type": "user", "email": "dup@example.com"})
	require.NoError(t, err)
	_, err = local.Put(ctx, doc)
	require.NoError(t, err)

	c.Start(ctx)
	require.Eventually(t, func() bool {
		return events.find(EventDenied) != nil
	}, 5*time.Second, 20*time.Millisecond)

	ev := events.find(EventDenied)
	assert.Equal(t, "user:dup", ev.DocID)
	assert.Equal(t, "duplicate email", ev.Reason)
	assert.ErrorIs(t, ev.Err, store.ErrValidationRejected)
}

func TestPaused_CarriesAuthError(t *testing.T) {
	c, _, fake, events := setupSync(t)

	fake.setStatus(http.StatusUnauthorized)
	c.Start(context.Background())

	require.Eventually(t, func() bool {
		ev := events.find(EventPaused)
		return ev != nil && ev.Err != nil
	}, 5*time.Second, 20*time.Millisecond)

	ev := events.find(EventPaused)
	assert.ErrorIs(t, ev.Err, store.ErrAuthExpired)
}

func TestStop_FromPausedHandlerReturns(t *testing.T) {
	fake := newFakeRemote()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	local, err := localstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remote := remotestore.New(srv.URL, "app", srv.Client())

	// The advertised reaction to an expired session: the handler sees
	// the paused event and tears the stream down itself.
	var c *Coordinator
	var once sync.Once
	stopped := make(chan struct{})
	handler := func(ev Event) {
		if ev.Type == EventPaused && errors.Is(ev.Err, store.ErrAuthExpired) {
			once.Do(func() {
				c.Stop()
				close(stopped)
			})
		}
	}
	c = New(local, remote, logging.NewDefault(slog.LevelError), handler, Options{
		RequestTimeout: 2 * time.Second,
	})
	t.Cleanup(c.Stop)

	fake.setStatus(http.StatusUnauthorized)
	c.Start(context.Background())

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop called from the event handler did not return")
	}
	assert.Equal(t, StateStopped, c.State())
}

func TestStop_NoEventsAfterReturn(t *testing.T) {
	c, _, _, events := setupSync(t)

	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	events.mu.Lock()
	n := len(events.events)
	events.mu.Unlock()

	time.Sleep(200 * time.Millisecond)

	events.mu.Lock()
	after := len(events.events)
	events.mu.Unlock()
	assert.Equal(t, n, after)
}
