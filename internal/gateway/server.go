// Package gateway is the same-origin proxy in front of the upstream
// document database. It owns the privileged credential: browsers and
// agents only ever hold a signed session cookie, and every request to
// the database or the credentials directory passes through here.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/logging"
)

type Server struct {
	cfg      *Config
	log      logging.Logger
	upstream *url.URL
	client   *http.Client
	limiter  *loginLimiter
}

func NewServer(cfg *Config, log logging.Logger) (*Server, error) {
	upstream, err := url.Parse(strings.TrimRight(cfg.UpstreamURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}

	return &Server{
		cfg:      cfg,
		log:      log.With("component", "gateway"),
		upstream: upstream,
		client:   &http.Client{Timeout: 90 * time.Second},
		limiter:  newLoginLimiter(cfg.LoginRate, cfg.LoginBurst),
	}, nil
}

// Handler builds the route table. Exposed separately so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/directory/users", s.handleDirectory)
	mux.HandleFunc("/directory/users/", s.handleDirectory)
	mux.HandleFunc("/db/", s.handleProxy)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "gateway listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
