// Package store defines the document-store contract shared by the
// embedded local store and the remote HTTP adapter: the Document
// shape, the error taxonomy, and revision-token helpers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned by Get/Remove on a missing key.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by Put/Remove when the supplied revision
	// does not match the stored one.
	ErrConflict = errors.New("revision conflict")

	// ErrAuthExpired is returned by the remote adapter when the session
	// cookie is no longer accepted.
	ErrAuthExpired = errors.New("session expired")

	// ErrValidationRejected is returned when the remote store's own
	// write validation refuses a document.
	ErrValidationRejected = errors.New("document rejected by validation")

	// ErrUnavailable is returned when the remote store cannot be
	// reached at all.
	ErrUnavailable = errors.New("store unavailable")
)

// Document is one versioned document. Body is the canonical JSON
// encoding and always carries _id (and _rev once assigned); the
// top-level fields are denormalized copies kept in step by the
// adapters.
type Document struct {
	ID      string
	Rev     string
	Deleted bool
	Body    json.RawMessage
}

// NewDocument marshals v and wraps it as a document with the given id.
func NewDocument(id string, v any) (*Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	body, err = WithIDRev(body, id, "")
	if err != nil {
		return nil, err
	}
	return &Document{ID: id, Body: body}, nil
}

// WithIDRev rewrites the _id/_rev members of a JSON body. An empty rev
// removes the member.
func WithIDRev(body json.RawMessage, id, rev string) (json.RawMessage, error) {
	var m map[string]any
	if len(body) == 0 {
		m = map[string]any{}
	} else if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("invalid document body: %w", err)
	}
	m["_id"] = id
	if rev == "" {
		delete(m, "_rev")
	} else {
		m["_rev"] = rev
	}
	return json.Marshal(m)
}

// Store is the read/write contract common to both adapters. Change
// feeds are adapter-specific and live on the concrete types.
type Store interface {
	Get(ctx context.Context, id string) (*Document, error)
	Put(ctx context.Context, doc *Document) (string, error)
	Remove(ctx context.Context, doc *Document) (string, error)
	Find(ctx context.Context, selector map[string]any) ([]*Document, error)
}

// ParseRev splits an "N-suffix" revision token. A malformed token
// parses as generation 0 so comparisons still total-order.
func ParseRev(rev string) (int, string) {
	gen, suffix, ok := strings.Cut(rev, "-")
	if !ok {
		return 0, rev
	}
	n, err := strconv.Atoi(gen)
	if err != nil {
		return 0, rev
	}
	return n, suffix
}

// CompareRevs orders two revision tokens: higher generation wins,
// equal generations break ties byte-wise on the suffix. Both sides of
// a replication apply the same rule, so the winner is deterministic.
func CompareRevs(a, b string) int {
	ga, sa := ParseRev(a)
	gb, sb := ParseRev(b)
	if ga != gb {
		if ga < gb {
			return -1
		}
		return 1
	}
	return strings.Compare(sa, sb)
}
