package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/TIC-PURP/purp-sync/internal/docid"
)

// Roles allowed to touch the privileged directory.
var directoryRoles = map[string]bool{
	"admin":   true,
	"manager": true,
	"_admin":  true,
}

// Server-side fields that must never leave the gateway.
var secretUserFields = []string{"password", "password_scheme", "derived_key", "salt", "iterations"}

type directoryRecord struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role"`
	IsActive bool   `json:"isActive"`
}

// handleDirectory serves /directory/users and /directory/users/{name}.
// Every call re-checks the caller's roles before anything is forwarded
// to the upstream credentials database.
func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	_, roles, ok := s.identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, sessionReply{Error: "no session"})
		return
	}
	if !allowedDirectoryRole(roles) {
		writeJSON(w, http.StatusForbidden, sessionReply{Error: "insufficient role"})
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/directory/users")
	name = strings.TrimPrefix(name, "/")

	switch {
	case name == "" && r.Method == http.MethodGet:
		s.directoryList(w, r)
	case name != "" && r.Method == http.MethodGet:
		s.directoryLookup(w, r, name)
	case name != "" && r.Method == http.MethodPut:
		s.directorySave(w, r, name)
	case name != "" && r.Method == http.MethodDelete:
		s.directoryDelete(w, r, name)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, sessionReply{Error: "method not allowed"})
	}
}

func allowedDirectoryRole(roles []string) bool {
	for _, role := range roles {
		if directoryRoles[role] {
			return true
		}
	}
	return false
}

func (s *Server) userDocURL(name string) string {
	return s.upstream.JoinPath("_users", docid.LegacyPrefix+name).String()
}

// fetchUserDoc returns the raw upstream record, or nil when absent.
func (s *Server) fetchUserDoc(r *http.Request, name string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.userDocURL(name), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.cfg.AdminName, s.cfg.AdminPassword)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected upstream status %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Server) directorySave(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()

	var rec directoryRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, sessionReply{Error: "bad record"})
		return
	}

	existing, err := s.fetchUserDoc(r, name)
	if err != nil {
		s.log.Error(ctx, "directory read failed", "name", name, "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}

	// An update keeps the server-side password hash unless a new
	// password was supplied.
	doc := existing
	if doc == nil {
		doc = map[string]any{"_id": docid.LegacyPrefix + name}
	}
	doc["name"] = name
	doc["type"] = "user"
	doc["roles"] = []string{rec.Role}
	doc["isActive"] = rec.IsActive
	if rec.Password != "" {
		for _, f := range secretUserFields {
			delete(doc, f)
		}
		doc["password"] = rec.Password
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, sessionReply{Error: "internal"})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.userDocURL(name), bytes.NewReader(payload))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, sessionReply{Error: "internal"})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.cfg.AdminName, s.cfg.AdminPassword)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error(ctx, "directory write failed", "name", name, "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.log.Error(ctx, "directory write rejected", "name", name, "status", resp.StatusCode, "body", string(body))
		writeJSON(w, resp.StatusCode, sessionReply{Error: "directory write rejected"})
		return
	}

	s.log.Info(ctx, "directory record saved", "name", name)
	writeJSON(w, http.StatusOK, sessionReply{OK: true, Name: name})
}

func (s *Server) directoryDelete(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()

	existing, err := s.fetchUserDoc(r, name)
	if err != nil {
		s.log.Error(ctx, "directory read failed", "name", name, "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	if existing == nil {
		writeJSON(w, http.StatusNotFound, sessionReply{Error: "not found"})
		return
	}

	rev, _ := existing["_rev"].(string)
	target := s.userDocURL(name) + "?rev=" + url.QueryEscape(rev)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, sessionReply{Error: "internal"})
		return
	}
	req.SetBasicAuth(s.cfg.AdminName, s.cfg.AdminPassword)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error(ctx, "directory delete failed", "name", name, "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		writeJSON(w, resp.StatusCode, sessionReply{Error: "directory delete rejected"})
		return
	}

	s.log.Info(ctx, "directory record deleted", "name", name)
	writeJSON(w, http.StatusOK, sessionReply{OK: true, Name: name})
}

func (s *Server) directoryLookup(w http.ResponseWriter, r *http.Request, name string) {
	doc, err := s.fetchUserDoc(r, name)
	if err != nil {
		s.log.Error(r.Context(), "directory read failed", "name", name, "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusNotFound, sessionReply{Error: "not found"})
		return
	}
	writeJSON(w, http.StatusOK, sanitizeUserDoc(doc))
}

func (s *Server) directoryList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target := s.upstream.JoinPath("_users", "_all_docs")
	q := url.Values{}
	q.Set("include_docs", "true")
	q.Set("startkey", `"`+docid.LegacyPrefix+`"`)
	q.Set("endkey", `"`+docid.LegacyPrefix+"￰\"")
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, sessionReply{Error: "internal"})
		return
	}
	req.SetBasicAuth(s.cfg.AdminName, s.cfg.AdminPassword)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error(ctx, "directory list failed", "error", err)
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}

	var result struct {
		Rows []struct {
			Doc map[string]any `json:"doc"`
		} `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		writeJSON(w, http.StatusBadGateway, sessionReply{Error: "upstream unavailable"})
		return
	}

	users := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		if row.Doc == nil {
			continue
		}
		users = append(users, sanitizeUserDoc(row.Doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func sanitizeUserDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, f := range secretUserFields {
		delete(out, f)
	}
	return out
}
