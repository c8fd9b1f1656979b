// Package session negotiates the server-side authenticated session and
// provides the offline login fallback. No secret is held client-side
// beyond an argon2id verifier cached in the local store's metadata
// keyspace; the session cookie itself lives in the shared cookie jar,
// the way a browser would hold it.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/TIC-PURP/purp-sync/internal/docid"
	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/store"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore"
	"golang.org/x/crypto/argon2"
)

var (
	// ErrAuthFailed is the single user-facing login failure. It
	// deliberately does not distinguish a network failure from bad
	// credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoOfflineRecord means offline login is impossible because no
	// local copy of the credentials exists yet.
	ErrNoOfflineRecord = errors.New("no offline record")

	// ErrBadCredentials means the offline verifier did not match.
	ErrBadCredentials = errors.New("bad credentials")
)

const (
	metaIdentity = "session.identity"
	metaSalt     = "session.salt"
	metaVerifier = "session.verifier"
)

// argon2id parameters for the offline verifier.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// Identity describes who is logged in.
type Identity struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Manager owns the session lifecycle against the gateway origin.
type Manager struct {
	origin string
	client *http.Client
	local  *localstore.Store
	log    logging.Logger

	mu          sync.Mutex
	identity    *Identity
	logoutHooks []func()
}

// NewManager builds a session manager. The http.Client must carry a
// cookie jar and is shared with the remote store adapter so the
// session cookie applies there too.
func NewManager(origin string, client *http.Client, local *localstore.Store, log logging.Logger) *Manager {
	return &Manager{
		origin: strings.TrimRight(origin, "/"),
		client: client,
		local:  local,
		log:    log.With("component", "session"),
	}
}

// RegisterLogoutHook adds a callback run on Logout, e.g. stopping the
// active sync session.
func (m *Manager) RegisterLogoutHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutHooks = append(m.logoutHooks, fn)
}

// LoginOnline posts credentials to the same-origin session endpoint.
// On success the browser-style cookie lands in the jar, the identity
// is cached, and the offline verifier is refreshed.
func (m *Manager) LoginOnline(ctx context.Context, identifier, password string) (*Identity, error) {
	form := url.Values{}
	form.Set("name", identifier)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.origin+"/session", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request: %w", store.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrAuthFailed
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	var ident Identity
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}

	if err := m.saveOfflineData(ctx, &ident, password); err != nil {
		// Offline cache refresh is best-effort; the online session is
		// already established.
		m.log.Warn(ctx, "could not refresh offline credentials", "error", err)
	}

	m.mu.Lock()
	m.identity = &ident
	m.mu.Unlock()
	return &ident, nil
}

// LoginOfflineFallback verifies the password against the locally
// cached argon2id verifier. The canonical check still happens
// server-side on the next online login; this only unlocks the local
// copy.
func (m *Manager) LoginOfflineFallback(ctx context.Context, identifier, password string) (*Identity, error) {
	ident, err := m.savedIdentity(ctx)
	if err != nil {
		return nil, err
	}

	wantKey, err := docid.Normalize(ident.Name)
	if err != nil {
		return nil, ErrNoOfflineRecord
	}
	gotKey, err := docid.Normalize(identifier)
	if err != nil || gotKey != wantKey {
		return nil, ErrBadCredentials
	}

	salt, err := m.local.MetaGet(ctx, metaSalt)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoOfflineRecord
	}
	if err != nil {
		return nil, err
	}
	verifier, err := m.local.MetaGet(ctx, metaVerifier)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoOfflineRecord
	}
	if err != nil {
		return nil, err
	}

	candidate := deriveVerifier(password, salt)
	if subtle.ConstantTimeCompare(verifier, candidate) == 0 {
		return nil, ErrBadCredentials
	}

	m.mu.Lock()
	m.identity = ident
	m.mu.Unlock()
	return ident, nil
}

// Login is the caller policy from the product: online first, offline
// fallback second, and one indistinct error when both fail. The
// returned online flag tells the caller whether a sync stream is worth
// starting right away.
func (m *Manager) Login(ctx context.Context, identifier, password string) (*Identity, bool, error) {
	ident, onlineErr := m.LoginOnline(ctx, identifier, password)
	if onlineErr == nil {
		return ident, true, nil
	}
	m.log.Debug(ctx, "online login failed, trying offline fallback", "error", onlineErr)

	ident, offlineErr := m.LoginOfflineFallback(ctx, identifier, password)
	if offlineErr == nil {
		return ident, false, nil
	}
	m.log.Debug(ctx, "offline login failed", "error", offlineErr)

	return nil, false, ErrAuthFailed
}

// CurrentIdentity asks the session endpoint who we are. When the
// endpoint is unreachable it answers from the cached identity so the
// UI keeps working offline.
func (m *Manager) CurrentIdentity(ctx context.Context) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.origin+"/session", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.mu.Lock()
		ident := m.identity
		m.mu.Unlock()
		if ident != nil {
			return ident, nil
		}
		return nil, fmt.Errorf("session request: %w", store.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, store.ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected session status %d", resp.StatusCode)
	}

	var ident Identity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	return &ident, nil
}

// Logout invalidates the server session, runs the registered hooks
// (stopping any active sync stream), and forgets the in-memory
// identity. The offline verifier stays cached so a later offline
// login remains possible.
func (m *Manager) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.origin+"/session", nil)
	if err != nil {
		return err
	}
	if resp, err := m.client.Do(req); err != nil {
		m.log.Warn(ctx, "server logout unreachable", "error", err)
	} else {
		resp.Body.Close()
	}

	m.mu.Lock()
	hooks := append([]func(){}, m.logoutHooks...)
	m.identity = nil
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (m *Manager) savedIdentity(ctx context.Context) (*Identity, error) {
	raw, err := m.local.MetaGet(ctx, metaIdentity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoOfflineRecord
	}
	if err != nil {
		return nil, err
	}
	var ident Identity
	if err := json.Unmarshal(raw, &ident); err != nil {
		return nil, fmt.Errorf("decode cached identity: %w", err)
	}
	return &ident, nil
}

func (m *Manager) saveOfflineData(ctx context.Context, ident *Identity, password string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	raw, err := json.Marshal(ident)
	if err != nil {
		return err
	}
	if err := m.local.MetaSet(ctx, metaIdentity, raw); err != nil {
		return err
	}
	if err := m.local.MetaSet(ctx, metaSalt, salt); err != nil {
		return err
	}
	return m.local.MetaSet(ctx, metaVerifier, deriveVerifier(password, salt))
}

func deriveVerifier(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
