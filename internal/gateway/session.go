package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginLimiter throttles login attempts per client address. The map
// is bounded: entries idle longer than idleAfter are swept when room
// is needed, and with every entry fresh the least recently seen one
// is dropped.
type loginLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterEntry
	rate       rate.Limit
	burst      int
	maxEntries int
	idleAfter  time.Duration
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLoginLimiter(r float64, burst int) *loginLimiter {
	return &loginLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Limit(r),
		burst:      burst,
		maxEntries: 4096,
		idleAfter:  15 * time.Minute,
	}
}

func (l *loginLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	now := time.Now()

	l.mu.Lock()
	e, ok := l.limiters[host]
	if !ok {
		if len(l.limiters) >= l.maxEntries {
			l.evict(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[host] = e
	}
	e.seen = now
	l.mu.Unlock()

	return e.lim.Allow()
}

// evict is called with the mutex held.
func (l *loginLimiter) evict(now time.Time) {
	for host, e := range l.limiters {
		if now.Sub(e.seen) > l.idleAfter {
			delete(l.limiters, host)
		}
	}
	if len(l.limiters) < l.maxEntries {
		return
	}
	var oldestHost string
	var oldest time.Time
	for host, e := range l.limiters {
		if oldestHost == "" || e.seen.Before(oldest) {
			oldestHost, oldest = host, e.seen
		}
	}
	delete(l.limiters, oldestHost)
}

type sessionReply struct {
	OK    bool     `json:"ok"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Error string   `json:"error,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleLogin(w, r)
	case http.MethodGet:
		s.handleWhoAmI(w, r)
	case http.MethodDelete:
		s.handleLogout(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, sessionReply{Error: "method not allowed"})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.limiter.allow(r.RemoteAddr) {
		s.log.Warn(ctx, "login throttled", "addr", r.RemoteAddr)
		writeJSON(w, http.StatusTooManyRequests, sessionReply{Error: "too many attempts"})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, sessionReply{Error: "bad form"})
		return
	}
	name := r.PostFormValue("name")
	password := r.PostFormValue("password")
	if name == "" || password == "" {
		writeJSON(w, http.StatusBadRequest, sessionReply{Error: "name and password required"})
		return
	}

	form := url.Values{"name": {name}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.upstream.JoinPath("_session").String(), strings.NewReader(form.Encode()))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, sessionReply{Error: "internal"})
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error(ctx, "upstream session check failed", "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		writeJSON(w, http.StatusUnauthorized, sessionReply{Error: "name or password is incorrect"})
		return
	}
	if resp.StatusCode != http.StatusOK {
		s.log.Error(ctx, "unexpected upstream session status", "status", resp.StatusCode)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}

	var upstream struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	if upstream.Name == "" {
		upstream.Name = name
	}

	token, err := generateToken(upstream.Name, upstream.Roles, []byte(s.cfg.SecretKey), s.cfg.SessionTTL)
	if err != nil {
		s.log.Error(ctx, "token generation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, sessionReply{Error: "internal"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.cfg.SessionTTL / time.Second),
	})

	s.log.Info(ctx, "session opened", "name", upstream.Name)
	writeJSON(w, http.StatusOK, sessionReply{OK: true, Name: upstream.Name, Roles: upstream.Roles})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	name, roles, ok := s.identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, sessionReply{Error: "no session"})
		return
	}
	writeJSON(w, http.StatusOK, sessionReply{OK: true, Name: name, Roles: roles})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, sessionReply{OK: true})
}

// identity extracts the authenticated name and roles from the
// session cookie, if present and valid.
func (s *Server) identity(r *http.Request) (name string, roles []string, ok bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", nil, false
	}
	name, roles, err = identityFromToken(cookie.Value, []byte(s.cfg.SecretKey))
	if err != nil {
		return "", nil, false
	}
	return name, roles, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
