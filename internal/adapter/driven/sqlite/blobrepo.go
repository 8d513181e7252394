package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.BlobStore = (*BlobRepo)(nil)

// BlobRepo is the SQLite implementation of the BlobStore port. Each blob is a
// single row, so every write is atomic per name.
type BlobRepo struct {
	db *DB
}

// NewBlobRepo creates a new BlobRepo.
func NewBlobRepo(db *DB) *BlobRepo {
	return &BlobRepo{db: db}
}

// Get returns the blob stored under name, or (nil, nil) if none exists.
func (r *BlobRepo) Get(ctx context.Context, name string) ([]byte, error) {
	const query = `SELECT value FROM blobs WHERE name = ?`

	var value []byte
	err := r.db.Reader.QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %w", name, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Set stores or replaces the blob under name.
func (r *BlobRepo) Set(ctx context.Context, name string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	const query = `
		INSERT INTO blobs (name, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := r.db.Writer.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("set blob %q: %w", name, err)
	}
	return nil
}

// Delete removes the blob under name.
func (r *BlobRepo) Delete(ctx context.Context, name string) error {
	const query = `DELETE FROM blobs WHERE name = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete blob %q: %w", name, err)
	}
	return nil
}
