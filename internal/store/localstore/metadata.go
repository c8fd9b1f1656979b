package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TIC-PURP/purp-sync/internal/store"
)

// The metadata keyspace holds small engine-private values: sync
// checkpoints and the cached offline-login verifier. It never
// replicates.

// MetaGet returns the value for key, or store.ErrNotFound.
func (s *Store) MetaGet(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata[%s]: %w", key, err)
	}
	return value, nil
}

// MetaSet upserts a metadata value.
func (s *Store) MetaSet(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata[%s]: %w", key, err)
	}
	return nil
}

// MetaDelete removes one key; deleting a missing key is a no-op.
func (s *Store) MetaDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete metadata[%s]: %w", key, err)
	}
	return nil
}

// MetaClear wipes the whole keyspace (logout housekeeping).
func (s *Store) MetaClear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata`); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	return nil
}
