// Package remotestore adapts the remote document database, reached
// through the same-origin gateway, to the store contract. Requests
// carry the browser-style session cookie held in the shared cookie
// jar; credentials never appear in errors or logs.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/TIC-PURP/purp-sync/internal/store"
)

// Store is the HTTP adapter. The *http.Client is shared with the
// session manager so a login's cookie applies to every request here.
type Store struct {
	origin string // gateway origin, e.g. https://app.example.com
	db     string // database name under /db/
	client *http.Client
}

// New binds the adapter to a gateway origin and database name.
func New(origin, db string, client *http.Client) *Store {
	return &Store{origin: strings.TrimRight(origin, "/"), db: db, client: client}
}

func (s *Store) docURL(id string) string {
	return fmt.Sprintf("%s/db/%s/%s", s.origin, s.db, url.PathEscape(id))
}

func (s *Store) dbURL(suffix string) string {
	return fmt.Sprintf("%s/db/%s/%s", s.origin, s.db, suffix)
}

// Get fetches the current version of a document.
func (s *Store) Get(ctx context.Context, id string) (*store.Document, error) {
	body, err := s.do(ctx, http.MethodGet, s.docURL(id), nil)
	if err != nil {
		return nil, err
	}
	return docFromBody(body)
}

// Put writes doc; its Body (including any _rev) is sent verbatim. On
// success the document's Rev and Body are updated in place.
func (s *Store) Put(ctx context.Context, doc *store.Document) (string, error) {
	payload, err := store.WithIDRev(doc.Body, doc.ID, doc.Rev)
	if err != nil {
		return "", err
	}
	respBody, err := s.do(ctx, http.MethodPut, s.docURL(doc.ID), payload)
	if err != nil {
		return "", err
	}
	var r struct {
		Rev string `json:"rev"`
	}
	if err := json.Unmarshal(respBody, &r); err != nil {
		return "", fmt.Errorf("decode put response: %w", err)
	}
	doc.Rev = r.Rev
	if doc.Body, err = store.WithIDRev(doc.Body, doc.ID, r.Rev); err != nil {
		return "", err
	}
	return r.Rev, nil
}

// Remove deletes doc at its current revision. A missing document
// surfaces as store.ErrNotFound; callers deciding deletes are
// idempotent treat that as success.
func (s *Store) Remove(ctx context.Context, doc *store.Document) (string, error) {
	u := s.docURL(doc.ID) + "?rev=" + url.QueryEscape(doc.Rev)
	respBody, err := s.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return "", err
	}
	var r struct {
		Rev string `json:"rev"`
	}
	if err := json.Unmarshal(respBody, &r); err != nil {
		return "", fmt.Errorf("decode delete response: %w", err)
	}
	doc.Rev = r.Rev
	doc.Deleted = true
	return r.Rev, nil
}

// Find runs a Mango selector query.
func (s *Store) Find(ctx context.Context, selector map[string]any) ([]*store.Document, error) {
	payload, err := json.Marshal(map[string]any{"selector": selector})
	if err != nil {
		return nil, err
	}
	respBody, err := s.do(ctx, http.MethodPost, s.dbURL("_find"), payload)
	if err != nil {
		return nil, err
	}
	var r struct {
		Docs []json.RawMessage `json:"docs"`
	}
	if err := json.Unmarshal(respBody, &r); err != nil {
		return nil, fmt.Errorf("decode find response: %w", err)
	}
	out := make([]*store.Document, 0, len(r.Docs))
	for _, raw := range r.Docs {
		doc, err := docFromBody(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) do(ctx context.Context, method, u string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote store request: %w: %w", store.ErrUnavailable, sanitizeErr(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}
	return respBody, nil
}

// statusError maps the remote dialect's statuses onto the store error
// taxonomy.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return store.ErrAuthExpired
	case code == http.StatusForbidden:
		return store.ErrValidationRejected
	case code == http.StatusNotFound:
		return store.ErrNotFound
	case code == http.StatusConflict:
		return store.ErrConflict
	case code >= 500:
		return fmt.Errorf("%w: upstream status %d", store.ErrUnavailable, code)
	default:
		return fmt.Errorf("unexpected remote status %d", code)
	}
}

// sanitizeErr strips the URL from transport errors so query strings
// can never leak into logs.
func sanitizeErr(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

func docFromBody(body json.RawMessage) (*store.Document, error) {
	var meta struct {
		ID      string `json:"_id"`
		Rev     string `json:"_rev"`
		Deleted bool   `json:"_deleted"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &store.Document{ID: meta.ID, Rev: meta.Rev, Deleted: meta.Deleted, Body: body}, nil
}
