package gateway

import (
	"io"
	"net/http"
	"strings"
)

// Headers never forwarded to the upstream database.
var droppedRequestHeaders = []string{
	"Host",
	"Connection",
	"Accept-Encoding",
	"Content-Length",
	"Cookie",
	"Authorization",
}

// handleProxy forwards authenticated requests under /db/ to the
// upstream database with the privileged credential attached. Responses
// pass through untouched except for cache suppression, so replication
// endpoints behind a caching proxy stay live.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, ok := s.identity(r); !ok {
		writeJSON(w, http.StatusUnauthorized, sessionReply{Error: "no session"})
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/db/")
	target := s.upstream.JoinPath(rest)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, sessionReply{Error: "internal"})
		return
	}

	req.Header = r.Header.Clone()
	for _, h := range droppedRequestHeaders {
		req.Header.Del(h)
	}
	req.SetBasicAuth(s.cfg.AdminName, s.cfg.AdminPassword)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error(ctx, "proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Set("Cache-Control", "no-store")

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug(ctx, "proxy response copy interrupted", "error", err)
	}
}
