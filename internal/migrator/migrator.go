// Package migrator brings a database schema up to date from a set of
// timestamped SQL migrations and an optional consolidated snapshot.
//
// A fresh database gets the snapshot installed in one step and recorded as
// a synthetic migration. Afterwards only migrations newer than both the
// latest recorded one and the snapshot are applied, one at a time, each in
// its own transaction together with its bookkeeping row.
package migrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) placeholder() dbx.Placeholder {
	if d == Postgres {
		return dbx.Dollar
	}
	return dbx.Question
}

// DefaultTable is the bookkeeping table name.
const DefaultTable = "schema_migrations"

// DB is satisfied by *sql.DB.
type DB interface {
	dbx.DBTX
	dbx.Beginner
}

type Migrator struct {
	db      DB
	dialect Dialect
	set     Set
	table   string
	logger  logging.Logger
}

func New(db DB, dialect Dialect, set Set, logger logging.Logger) *Migrator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Migrator{
		db:      db,
		dialect: dialect,
		set:     set,
		table:   DefaultTable,
		logger:  logger.With("module", "migrator"),
	}
}

func (m *Migrator) q(query string) string {
	return dbx.Rebind(m.dialect.placeholder(), fmt.Sprintf(query, m.table))
}

// Start applies pending migrations. It must complete before storage built
// on the schema is used.
func (m *Migrator) Start(ctx context.Context) error {
	migrations, err := m.ordered()
	if err != nil {
		return err
	}

	if _, err := m.db.ExecContext(ctx, m.q(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)); err != nil {
		return &MigrationError{Cause: fmt.Errorf("create bookkeeping table: %w", err)}
	}

	history, err := m.history(ctx)
	if err != nil {
		return &MigrationError{Cause: err}
	}

	snap := m.set.Snapshot
	if len(history) == 0 && snap != nil && snap.SQL != "" {
		if err := m.apply(ctx, snap.ID(), snap.SQL); err != nil {
			m.logger.Error(ctx, "snapshot install failed", "snapshot", snap.ID(), "error", err)
			return &MigrationError{Failed: []string{snap.ID()}, Items: []*MigrationItemError{err}}
		}
		m.logger.Info(ctx, "installed schema snapshot", "snapshot", snap.ID())
		history = []string{snap.ID()}
	}

	var floor int64
	if snap != nil {
		floor = snap.Timestamp
	}
	for _, name := range history {
		if ts, ok := recordedTimestamp(name); ok && ts > floor {
			floor = ts
		}
	}

	if err := m.forget(ctx, history, migrations); err != nil {
		return &MigrationError{Cause: err}
	}

	var failed []*MigrationItemError
	applied := 0
	for _, mig := range migrations {
		if mig.Timestamp <= floor {
			continue
		}
		if err := m.apply(ctx, mig.Name, mig.SQL); err != nil {
			m.logger.Error(ctx, "migration failed", "migration", mig.Name, "error", err)
			failed = append(failed, err)
			continue
		}
		applied++
		m.logger.Info(ctx, "applied migration", "migration", mig.Name)
	}

	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, f := range failed {
			names = append(names, f.Name)
		}
		return &MigrationError{Failed: names, Items: failed}
	}

	m.logger.Debug(ctx, "schema up to date", "applied", applied)
	return nil
}

// ordered validates the set and sorts it by timestamp. Nothing touches the
// database before this succeeds.
func (m *Migrator) ordered() ([]Migration, error) {
	seenName := make(map[string]bool, len(m.set.Migrations))
	seenTS := make(map[int64]string, len(m.set.Migrations))
	var dups []string

	for _, mig := range m.set.Migrations {
		if seenName[mig.Name] {
			dups = append(dups, mig.Name)
			continue
		}
		if other, ok := seenTS[mig.Timestamp]; ok {
			dups = append(dups, other+" / "+mig.Name)
			continue
		}
		seenName[mig.Name] = true
		seenTS[mig.Timestamp] = mig.Name
	}
	if len(dups) > 0 {
		return nil, &MigrationError{Failed: dups, Cause: ErrDuplicateMigration}
	}

	out := append([]Migration(nil), m.set.Migrations...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *Migrator) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`SELECT name FROM %s ORDER BY name`))
	if err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration history: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	return names, nil
}

// forget drops bookkeeping rows of migrations that no longer exist locally.
// The synthetic snapshot row is kept.
func (m *Migrator) forget(ctx context.Context, history []string, local []Migration) error {
	known := make(map[string]bool, len(local))
	for _, mig := range local {
		known[mig.Name] = true
	}
	if m.set.Snapshot != nil {
		known[m.set.Snapshot.ID()] = true
	}

	for _, name := range history {
		if known[name] || isSnapshotID(name) {
			continue
		}
		if _, err := m.db.ExecContext(ctx, m.q(`DELETE FROM %s WHERE name = ?`), name); err != nil {
			return fmt.Errorf("forget migration %s: %w", name, err)
		}
		m.logger.Warn(ctx, "forgot migration missing locally", "migration", name)
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, name, sql string) *MigrationItemError {
	err := dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, sql); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, m.q(`INSERT INTO %s (name) VALUES (?)`), name)
		return err
	})
	if err != nil {
		return &MigrationItemError{Name: name, Cause: err}
	}
	return nil
}

func isSnapshotID(name string) bool {
	_, rest, ok := cutTimestamp(name)
	return ok && rest == "snapshot"
}

func cutTimestamp(name string) (int64, string, bool) {
	ts, ok := recordedTimestamp(name)
	if !ok || len(name) <= timestampLen {
		return 0, "", false
	}
	return ts, name[timestampLen+1:], true
}
