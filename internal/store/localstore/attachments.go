package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TIC-PURP/purp-sync/internal/store"
)

// Attachment is a named binary sub-resource on a document.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// PutAttachment upserts a named attachment on a document.
func (s *Store) PutAttachment(ctx context.Context, docID string, att Attachment) error {
	if docID == "" || att.Name == "" {
		return errors.New("attachment: missing doc id or name")
	}
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (doc_id, name, content_type, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id, name) DO UPDATE SET content_type = excluded.content_type, data = excluded.data
	`, docID, att.Name, ct, att.Data)
	if err != nil {
		return fmt.Errorf("put attachment %s/%s: %w", docID, att.Name, err)
	}
	return nil
}

// GetAttachment returns a named attachment, or store.ErrNotFound.
func (s *Store) GetAttachment(ctx context.Context, docID, name string) (*Attachment, error) {
	att := &Attachment{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, data FROM attachments WHERE doc_id = ? AND name = ?`,
		docID, name,
	).Scan(&att.ContentType, &att.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s/%s: %w", docID, name, err)
	}
	return att, nil
}
