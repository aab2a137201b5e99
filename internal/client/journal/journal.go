// Package journal is the client's local event log in SQLite. Entries are
// appended locally as pending, become synced once the server has assigned
// them a sequence, and entries written by other devices are applied as
// they arrive. The journal also remembers which server incarnation
// (remote id) it follows and the highest sequence it has seen.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/migrations"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/migrator"
	"github.com/dmitrijs2005/gophsync/internal/models"
	_ "modernc.org/sqlite"
)

var (
	sqlOpen       = sql.Open
	runMigrations = func(ctx context.Context, db *sql.DB, logger logging.Logger) error {
		set, err := migrations.Set()
		if err != nil {
			return err
		}
		return migrator.New(db, migrator.SQLite, set, logger).Start(ctx)
	}
)

type Journal struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

// Open opens (or creates) the journal at dsn and migrates it. ":memory:"
// gives a throwaway journal.
func Open(ctx context.Context, dsn string, logger logging.Logger) (*Journal, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	db, err := sqlOpen("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open error: %w", err)
	}
	// an in-memory database exists only on the connection that created it
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Journal{db: db, logger: logger.With("module", "journal"), now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores payload as a new pending entry.
func (j *Journal) Append(ctx context.Context, payload []byte) (models.Entry, error) {
	now := j.now().UTC()
	e := models.Entry{ID: models.NewEntryID(now), Payload: payload, CreatedAt: now}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO entries (id, payload, created_at, remote_sequence) VALUES (?, ?, ?, 0)`,
		e.ID, e.Payload, now.UnixNano())
	if err != nil {
		return models.Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}
	j.logger.Debug(ctx, "entry appended", "entry", models.EntryIDString(e.ID))
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]models.Entry, error) {
	defer rows.Close()

	var result []models.Entry
	for rows.Next() {
		var (
			e       models.Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Payload, &created, &e.RemoteSequence); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Pending returns up to limit unsynced entries, oldest first. A limit of
// zero or less returns all of them.
func (j *Journal) Pending(ctx context.Context, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, payload, created_at, remote_sequence FROM entries
		WHERE remote_sequence = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending entries: %w", err)
	}
	return scanEntries(rows)
}

// List returns every entry: synced ones in sequence order, then pending
// ones in creation order.
func (j *Journal) List(ctx context.Context) ([]models.Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, payload, created_at, remote_sequence FROM entries
		ORDER BY remote_sequence = 0, remote_sequence, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	return scanEntries(rows)
}

// MarkSynced records the sequences the server assigned to ids. Both slices
// are index aligned.
func (j *Journal) MarkSynced(ctx context.Context, ids [][]byte, sequences []int64) error {
	if len(ids) != len(sequences) {
		return fmt.Errorf("mark synced: %d ids for %d sequences", len(ids), len(sequences))
	}
	return dbx.WithTx(ctx, j.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE entries SET remote_sequence = ? WHERE id = ?`, sequences[i], id); err != nil {
				return fmt.Errorf("failed to mark entry synced: %w", err)
			}
		}
		return nil
	})
}

// Apply stores entries received from the server and advances the last
// seen sequence. Applying an entry twice is harmless.
func (j *Journal) Apply(ctx context.Context, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, j.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		meta := metadata{db: tx}
		last, err := meta.int64(ctx, keyLastSequence)
		if err != nil {
			return err
		}
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO entries (id, payload, created_at, remote_sequence) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET remote_sequence = excluded.remote_sequence`,
				e.ID, e.Payload, e.CreatedAt.UnixNano(), e.RemoteSequence)
			if err != nil {
				return fmt.Errorf("failed to apply entry: %w", err)
			}
			last = max(last, e.RemoteSequence)
		}
		return meta.setInt64(ctx, keyLastSequence, last)
	})
}

func (j *Journal) LastSequence(ctx context.Context) (int64, error) {
	return metadata{db: j.db}.int64(ctx, keyLastSequence)
}

// RemoteID is the id of the server incarnation the journal follows, or ""
// before the first connection.
func (j *Journal) RemoteID(ctx context.Context) (string, error) {
	v, err := metadata{db: j.db}.get(ctx, keyRemoteID)
	return string(v), err
}

// Follow records remoteID. When it differs from a previously recorded one
// the server lost its log: every entry becomes pending again and the last
// sequence starts over. It reports whether a reset happened.
func (j *Journal) Follow(ctx context.Context, remoteID string) (reset bool, err error) {
	err = dbx.WithTx(ctx, j.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		meta := metadata{db: tx}
		prev, err := meta.get(ctx, keyRemoteID)
		if err != nil {
			return err
		}
		if string(prev) == remoteID {
			return nil
		}
		if err := meta.set(ctx, keyRemoteID, []byte(remoteID)); err != nil {
			return err
		}
		if prev == nil {
			return nil
		}
		reset = true
		if _, err := tx.ExecContext(ctx, `UPDATE entries SET remote_sequence = 0`); err != nil {
			return fmt.Errorf("failed to reset entries: %w", err)
		}
		return meta.setInt64(ctx, keyLastSequence, 0)
	})
	if err == nil && reset {
		j.logger.Warn(ctx, "server log was reset, re-pushing journal", "remote_id", remoteID)
	}
	return reset, err
}
