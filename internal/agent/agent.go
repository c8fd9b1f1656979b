// Package agent wires the engine together: local store, remote
// adapter, session manager, sync coordinator, dual-write service and
// change watcher. It is an explicit, constructed object with an
// Open/Close lifecycle; nothing in here is a package-level singleton,
// so teardown and test isolation stay deterministic.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/session"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore"
	"github.com/TIC-PURP/purp-sync/internal/store/remotestore"
	"github.com/TIC-PURP/purp-sync/internal/syncer"
	"github.com/TIC-PURP/purp-sync/internal/users"
	"github.com/TIC-PURP/purp-sync/internal/watch"
)

var ErrNotOpen = errors.New("agent is not open")

// Agent owns every engine component for one device. Construct with
// New, call Open before use and Close when done.
type Agent struct {
	cfg    *Config
	log    logging.Logger
	onSync syncer.Handler

	client  *http.Client
	local   *localstore.Store
	remote  *remotestore.Store
	session *session.Manager
	sync    *syncer.Coordinator
	users   *users.Service
	watcher *watch.Watcher
}

// New builds an unopened agent. onSync may be nil; when set it receives
// the sync stream's lifecycle events.
func New(cfg *Config, log logging.Logger, onSync syncer.Handler) *Agent {
	return &Agent{cfg: cfg, log: log.With("component", "agent"), onSync: onSync}
}

// Open brings up the local store and builds the remaining components
// around it. Logging out stops the sync stream through a session hook.
func (a *Agent) Open(ctx context.Context) error {
	if a.local != nil {
		return nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	a.client = &http.Client{Jar: jar}

	local, err := localstore.Open(ctx, a.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("local store: %w", err)
	}

	// Indexes backing the find selectors the UI layer issues.
	for _, field := range []string{"email", "name", "role"} {
		if err := local.EnsureIndex(ctx, "user", field); err != nil {
			_ = local.Close()
			return fmt.Errorf("index user/%s: %w", field, err)
		}
	}

	a.local = local
	a.remote = remotestore.New(a.cfg.GatewayOrigin, a.cfg.DatabaseName, a.client)
	a.session = session.NewManager(a.cfg.GatewayOrigin, a.client, local, a.log)
	a.sync = syncer.New(local, a.remote, a.log, a.onSync, syncer.Options{
		Heartbeat:      a.cfg.Heartbeat,
		RequestTimeout: a.cfg.RequestTimeout,
		MaxBackoff:     a.cfg.MaxBackoff,
	})
	a.session.RegisterLogoutHook(a.sync.Stop)

	directory := users.NewHTTPDirectory(a.cfg.GatewayOrigin, a.client)
	a.users = users.NewService(local, a.remote, directory, a.log)
	a.watcher = watch.New(local, a.log)

	a.log.Info(ctx, "agent opened", "db", a.cfg.DatabasePath, "origin", a.cfg.GatewayOrigin)
	return nil
}

// Close stops replication and releases the local store. Safe to call
// on an agent that never opened.
func (a *Agent) Close() error {
	if a.local == nil {
		return nil
	}
	a.sync.Stop()
	err := a.local.Close()
	a.local = nil
	return err
}

// Login authenticates, preferring the gateway and falling back to the
// cached offline verifier. A successful online login starts the sync
// stream.
func (a *Agent) Login(ctx context.Context, identifier, password string) (*session.Identity, bool, error) {
	if a.local == nil {
		return nil, false, ErrNotOpen
	}
	ident, online, err := a.session.Login(ctx, identifier, password)
	if err != nil {
		return nil, false, err
	}
	if online {
		a.sync.Start(ctx)
	}
	return ident, online, nil
}

// Logout invalidates the server session; the registered hook stops the
// sync stream.
func (a *Agent) Logout(ctx context.Context) error {
	if a.local == nil {
		return ErrNotOpen
	}
	return a.session.Logout(ctx)
}

// Session exposes the session manager.
func (a *Agent) Session() *session.Manager { return a.session }

// Sync exposes the replication coordinator.
func (a *Agent) Sync() *syncer.Coordinator { return a.sync }

// Users exposes the dual-write user service.
func (a *Agent) Users() *users.Service { return a.users }

// Local exposes the device-local document store.
func (a *Agent) Local() *localstore.Store { return a.local }

// Watch subscribes to replicated changes for one user key.
func (a *Agent) Watch(ctx context.Context, key string, onChange watch.OnChange) (*watch.Subscription, error) {
	if a.local == nil {
		return nil, ErrNotOpen
	}
	return a.watcher.Watch(ctx, key, onChange)
}
