package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

const (
	keyRemoteID     = "remote_id"
	keyLastSequence = "last_sequence"
)

// metadata is the key/value table of the journal.
type metadata struct {
	db dbx.DBTX
}

func (r metadata) get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r metadata) set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r metadata) int64(ctx context.Context, key string) (int64, error) {
	v, err := r.get(ctx, key)
	if err != nil || v == nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata[%s]: %w", key, err)
	}
	return n, nil
}

func (r metadata) setInt64(ctx context.Context, key string, n int64) error {
	return r.set(ctx, key, []byte(strconv.FormatInt(n, 10)))
}
