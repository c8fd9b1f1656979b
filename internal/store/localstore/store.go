// Package localstore implements the embedded, replicating document
// store on sqlite. Documents carry opaque "N-suffix" revision tokens
// with optimistic concurrency; every accepted write appends to a
// sequence-numbered changelog that feeds the live change feed and the
// push side of replication.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/TIC-PURP/purp-sync/internal/store"
	"github.com/TIC-PURP/purp-sync/internal/store/localstore/migrations"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

const (
	// OriginLocal marks changelog rows produced by first-hand writes.
	OriginLocal = "local"
	// OriginRemote marks rows produced by replication (PutReplicated).
	OriginRemote = "remote"
)

// Store is the embedded document store. Safe for concurrent use;
// writes are serialized on a single mutex because sqlite allows one
// writer at a time anyway.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	signal chan struct{}
}

// Open opens (creating if necessary) the store at dsn and applies
// pending migrations. Use ":memory:" in tests.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// sqlite has a single writer; one pooled connection also keeps
	// ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping local store: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	return &Store{db: db, signal: make(chan struct{})}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the current version of a document. Deleted or missing
// documents yield store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*store.Document, error) {
	var (
		rev     string
		deleted int
		body    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, deleted, body FROM documents WHERE id = ?`, id,
	).Scan(&rev, &deleted, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if deleted != 0 {
		return nil, store.ErrNotFound
	}
	return &store.Document{ID: id, Rev: rev, Body: body}, nil
}

// Put writes a new version of doc. doc.Rev must match the stored
// revision (or be empty for a fresh id); otherwise store.ErrConflict.
// On success the document's Rev and Body are updated in place and the
// new revision token is returned.
func (s *Store) Put(ctx context.Context, doc *store.Document) (string, error) {
	if doc.ID == "" {
		return "", errors.New("put: missing document id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	curRev, curDeleted, exists, err := currentRev(ctx, tx, doc.ID)
	if err != nil {
		return "", err
	}

	switch {
	case !exists || curDeleted:
		// Fresh id (or recreating over a tombstone): any caller rev is
		// acceptable only if it matches the tombstone lineage.
		if exists && doc.Rev != "" && doc.Rev != curRev {
			return "", store.ErrConflict
		}
		if !exists && doc.Rev != "" {
			return "", store.ErrConflict
		}
	case doc.Rev != curRev:
		return "", store.ErrConflict
	}

	gen := 0
	if exists {
		gen, _ = store.ParseRev(curRev)
	}
	newRev := newRevToken(gen + 1)

	body, err := store.WithIDRev(doc.Body, doc.ID, newRev)
	if err != nil {
		return "", err
	}

	if err := writeRow(ctx, tx, doc.ID, newRev, docType(body), false, body, OriginLocal); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	doc.Rev = newRev
	doc.Body = body
	doc.Deleted = false
	s.wake()
	return newRev, nil
}

// Remove tombstones a document. The supplied revision must be current.
func (s *Store) Remove(ctx context.Context, doc *store.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	curRev, curDeleted, exists, err := currentRev(ctx, tx, doc.ID)
	if err != nil {
		return "", err
	}
	if !exists || curDeleted {
		return "", store.ErrNotFound
	}
	if doc.Rev != curRev {
		return "", store.ErrConflict
	}

	gen, _ := store.ParseRev(curRev)
	newRev := newRevToken(gen + 1)
	body, err := json.Marshal(map[string]any{"_id": doc.ID, "_rev": newRev, "_deleted": true})
	if err != nil {
		return "", err
	}

	if err := writeRow(ctx, tx, doc.ID, newRev, "", true, body, OriginLocal); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE doc_id = ?`, doc.ID); err != nil {
		return "", fmt.Errorf("drop attachments for %s: %w", doc.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	doc.Rev = newRev
	doc.Deleted = true
	s.wake()
	return newRev, nil
}

// PutReplicated absorbs a document version produced elsewhere,
// preserving its revision token. The incoming version only lands if
// it wins against the stored one (higher generation, suffix
// tie-break); a losing version is dropped silently, which keeps both
// sides of a replication deterministic.
func (s *Store) PutReplicated(ctx context.Context, doc *store.Document) error {
	if doc.ID == "" || doc.Rev == "" {
		return errors.New("replicated put: missing id or rev")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	curRev, _, exists, err := currentRev(ctx, tx, doc.ID)
	if err != nil {
		return err
	}
	if exists && store.CompareRevs(doc.Rev, curRev) <= 0 {
		return nil
	}

	body, err := store.WithIDRev(doc.Body, doc.ID, doc.Rev)
	if err != nil {
		return err
	}
	if err := writeRow(ctx, tx, doc.ID, doc.Rev, docType(body), doc.Deleted, body, OriginRemote); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.wake()
	return nil
}

// Find returns all live documents whose top-level fields equal every
// member of selector (Mango-style equality match).
func (s *Store) Find(ctx context.Context, selector map[string]any) ([]*store.Document, error) {
	where := []string{"deleted = 0"}
	args := []any{}
	for field, value := range selector {
		where = append(where, fmt.Sprintf("json_extract(body, '$.%s') = ?", sqlName(field)))
		args = append(args, sqlValue(value))
	}

	query := `SELECT id, rev, body FROM documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer rows.Close()

	var out []*store.Document
	for rows.Next() {
		doc := &store.Document{}
		if err := rows.Scan(&doc.ID, &doc.Rev, (*[]byte)(&doc.Body)); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// EnsureIndex creates (if absent) an expression index over one body
// field for documents of the given type, backing Find selectors.
func (s *Store) EnsureIndex(ctx context.Context, docType, field string) error {
	name := fmt.Sprintf("idx_doc_%s_%s", sqlName(docType), sqlName(field))
	stmt := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON documents (json_extract(body, '$.%s')) WHERE doc_type = '%s'`,
		name, sqlName(field), sqlName(docType),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure index %s: %w", name, err)
	}
	return nil
}

func currentRev(ctx context.Context, tx *sql.Tx, id string) (rev string, deleted bool, exists bool, err error) {
	var del int
	err = tx.QueryRowContext(ctx, `SELECT rev, deleted FROM documents WHERE id = ?`, id).Scan(&rev, &del)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, fmt.Errorf("read current rev of %s: %w", id, err)
	}
	return rev, del != 0, true, nil
}

func writeRow(ctx context.Context, tx *sql.Tx, id, rev, typ string, deleted bool, body []byte, origin string) error {
	del := 0
	if deleted {
		del = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, rev, doc_type, deleted, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET rev = excluded.rev, doc_type = excluded.doc_type,
			deleted = excluded.deleted, body = excluded.body
	`, id, rev, typ, del, body)
	if err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO changelog (doc_id, rev, deleted, origin) VALUES (?, ?, ?, ?)`,
		id, rev, del, origin)
	if err != nil {
		return fmt.Errorf("log change for %s: %w", id, err)
	}
	return nil
}

// wake flips the notification channel so live feeds re-poll.
func (s *Store) wake() {
	old := s.signal
	s.signal = make(chan struct{})
	close(old)
}

// watchSignal returns the channel closed on the next write.
func (s *Store) watchSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal
}

func newRevToken(gen int) string {
	return fmt.Sprintf("%d-%s", gen, strings.ToLower(ulid.Make().String()))
}

func docType(body []byte) string {
	var t struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(body, &t)
	return t.Type
}

var sqlNameRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sqlName strips anything that could escape an identifier or a JSON
// path literal.
func sqlName(s string) string {
	return sqlNameRe.ReplaceAllString(s, "")
}

// sqlValue converts selector values to sqlite-comparable ones
// (json_extract yields 0/1 for booleans).
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
