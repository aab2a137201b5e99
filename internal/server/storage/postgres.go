package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/migrator"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/server/migrations"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// sqlOpen and runMigrations are seams for tests.
var (
	sqlOpen       = sql.Open
	runMigrations = func(ctx context.Context, db *sql.DB, logger logging.Logger) error {
		set, err := migrations.Set()
		if err != nil {
			return err
		}
		return migrator.New(db, migrator.Postgres, set, logger).Start(ctx)
	}
)

// PostgresDB is satisfied by *sql.DB.
type PostgresDB interface {
	dbx.DBTX
	dbx.Beginner
	Close() error
}

// Postgres stores every namespace in one PostgreSQL database.
type Postgres struct {
	db     PostgresDB
	logger logging.Logger
}

// NewPostgres wraps an already migrated database.
func NewPostgres(db PostgresDB, logger logging.Logger) *Postgres {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Postgres{db: db, logger: logger.With("module", "storage", "backend", "postgres")}
}

// OpenPostgres connects to dsn and brings the schema up to date.
func OpenPostgres(ctx context.Context, dsn string, logger logging.Logger) (*Postgres, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := runMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return NewPostgres(db, logger), nil
}

func (p *Postgres) Open(ctx context.Context, namespace string) (Namespace, error) {
	query := `INSERT INTO namespaces (name, remote_id) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, query, namespace, uuid.NewString()); err != nil {
		return nil, fmt.Errorf("open namespace: %w", err)
	}
	return &postgresNamespace{db: p.db, name: namespace}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type postgresNamespace struct {
	db   PostgresDB
	name string
}

// Write locks the namespace row so concurrent writers from other
// processes are serialized on the sequence counter.
func (n *postgresNamespace) Write(ctx context.Context, b Batch) ([]models.EncryptedRemoteEntry, error) {
	if len(b.Entries) == 0 {
		return nil, nil
	}

	var out []models.EncryptedRemoteEntry
	err := dbx.WithTx(ctx, n.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		out = make([]models.EncryptedRemoteEntry, 0, len(b.Entries))

		var last int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_sequence FROM namespaces WHERE name = $1 FOR UPDATE`, n.name).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrorNotFound
		}
		if err != nil {
			return fmt.Errorf("lock namespace: %w", err)
		}
		next := last

		for _, e := range b.Entries {
			stored, err := n.lookup(ctx, tx, e.EntryID)
			if err == nil {
				out = append(out, stored)
				continue
			}
			if !errors.Is(err, common.ErrorNotFound) {
				return err
			}

			next++
			rec := remoteEntry(next, b, e)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entries (namespace, sequence, entry_id, iv, encrypted_dek, encrypted_entry)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				n.name, rec.Sequence, rec.EntryID, rec.IV, rec.EncryptedDEK, rec.EncryptedEntry); err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
			out = append(out, rec)
		}

		if next == last {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE namespaces SET last_sequence = $2 WHERE name = $1`, n.name, next); err != nil {
			return fmt.Errorf("advance sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *postgresNamespace) lookup(ctx context.Context, tx dbx.DBTX, entryID []byte) (models.EncryptedRemoteEntry, error) {
	rec := models.EncryptedRemoteEntry{EntryID: entryID}
	err := tx.QueryRowContext(ctx, `
		SELECT sequence, iv, encrypted_dek, encrypted_entry FROM entries
		WHERE namespace = $1 AND entry_id = $2`, n.name, entryID).
		Scan(&rec.Sequence, &rec.IV, &rec.EncryptedDEK, &rec.EncryptedEntry)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, common.ErrorNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("lookup entry: %w", err)
	}
	return rec, nil
}

func (n *postgresNamespace) Entries(ctx context.Context, since int64) ([]models.EncryptedRemoteEntry, error) {
	rows, err := n.db.QueryContext(ctx, `
		SELECT sequence, entry_id, iv, encrypted_dek, encrypted_entry FROM entries
		WHERE namespace = $1 AND sequence >= $2
		ORDER BY sequence`, n.name, since)
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	defer rows.Close()

	var result []models.EncryptedRemoteEntry
	for rows.Next() {
		var item models.EncryptedRemoteEntry
		if err := rows.Scan(&item.Sequence, &item.EntryID, &item.IV, &item.EncryptedDEK, &item.EncryptedEntry); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (n *postgresNamespace) RemoteID(ctx context.Context) (string, error) {
	var id string
	err := n.db.QueryRowContext(ctx, `SELECT remote_id FROM namespaces WHERE name = $1`, n.name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select remote id: %w", err)
	}
	return id, nil
}

func (n *postgresNamespace) LoadStats(ctx context.Context) (models.WriteStats, error) {
	var (
		s     models.WriteStats
		flush sql.NullTime
	)
	err := n.db.QueryRowContext(ctx,
		`SELECT write_count, last_flush FROM namespaces WHERE name = $1`, n.name).Scan(&s.Count, &flush)
	if errors.Is(err, sql.ErrNoRows) {
		return s, common.ErrorNotFound
	}
	if err != nil {
		return s, fmt.Errorf("select stats: %w", err)
	}
	if flush.Valid {
		s.LastFlush = flush.Time
	}
	return s, nil
}

func (n *postgresNamespace) SaveStats(ctx context.Context, s models.WriteStats) error {
	res, err := n.db.ExecContext(ctx,
		`UPDATE namespaces SET write_count = $2, last_flush = $3 WHERE name = $1`, n.name, s.Count, s.LastFlush)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if rows == 0 {
		return common.ErrorNotFound
	}
	return nil
}
