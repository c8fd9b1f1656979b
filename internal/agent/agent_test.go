package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/session"
	"github.com/TIC-PURP/purp-sync/internal/syncer"
	"github.com/TIC-PURP/purp-sync/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(origin string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	cfg.GatewayOrigin = origin
	cfg.DatabasePath = ":memory:"
	cfg.Heartbeat = 50 * time.Millisecond
	cfg.RequestTimeout = 100 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	return cfg
}

// fakeGateway answers just enough of the session and database surface
// for the agent to log in and run an empty replication stream.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = r.ParseForm()
			if r.PostFormValue("password") != "s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "purp_session", Value: "tok", Path: "/"})
			_ = json.NewEncoder(w).Encode(session.Identity{Name: r.PostFormValue("name"), Roles: []string{"user"}})
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	})

	mux.HandleFunc("/db/app/_changes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}, "last_seq": "0"})
	})
	mux.HandleFunc("/db/app/_bulk_docs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupAgent(t *testing.T, origin string) *Agent {
	t.Helper()
	a := New(testConfig(origin), logging.NewDefault(slog.LevelError), nil)
	require.NoError(t, a.Open(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAgent_OpenIsIdempotentAndCloseIsSafe(t *testing.T) {
	a := New(testConfig("http://127.0.0.1:1"), logging.NewDefault(slog.LevelError), nil)

	require.NoError(t, a.Close())

	ctx := context.Background()
	require.NoError(t, a.Open(ctx))
	local := a.Local()
	require.NoError(t, a.Open(ctx))
	assert.Same(t, local, a.Local())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestAgent_RequiresOpen(t *testing.T) {
	a := New(testConfig("http://127.0.0.1:1"), logging.NewDefault(slog.LevelError), nil)

	_, _, err := a.Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrNotOpen)

	err = a.Logout(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = a.Watch(context.Background(), "alice", func(watch.Update) {})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestAgent_LoginStartsSyncAndLogoutStopsIt(t *testing.T) {
	gw := fakeGateway(t)
	a := setupAgent(t, gw.URL)
	ctx := context.Background()

	ident, online, err := a.Login(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "alice@example.com", ident.Name)

	require.Eventually(t, func() bool {
		s := a.Sync().State()
		return s != syncer.StateIdle && s != syncer.StateStopped
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Logout(ctx))
	assert.Equal(t, syncer.StateStopped, a.Sync().State())
}

func TestAgent_OfflineLoginFallsBackToCachedVerifier(t *testing.T) {
	gw := fakeGateway(t)
	a := setupAgent(t, gw.URL)
	ctx := context.Background()

	_, online, err := a.Login(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	require.True(t, online)
	require.NoError(t, a.Logout(ctx))

	gw.Close()

	ident, online, err := a.Login(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	assert.False(t, online)
	assert.Equal(t, "alice@example.com", ident.Name)

	_, _, err = a.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, session.ErrAuthFailed)
}
