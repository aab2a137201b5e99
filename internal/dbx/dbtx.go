// Package dbx provides tiny DB abstractions shared by repositories and the
// migrator: a minimal interface (DBTX) implemented by both *sql.DB and
// *sql.Tx, a helper to run functions inside a transaction, and placeholder
// rebinding for the two SQL dialects the project speaks.
package dbx

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// DBTX is what the journal, the Postgres backend and the migrator need
// from a connection; *sql.DB and *sql.Tx both provide it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Beginner starts transactions; *sql.DB satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise; a panic in fn rolls back and is
// re-raised.
func WithTx(ctx context.Context, db Beginner, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// Placeholder selects how positional parameters are spelled.
type Placeholder int

const (
	// Question keeps "?" placeholders (SQLite).
	Question Placeholder = iota
	// Dollar rewrites "?" into "$1", "$2", ... (PostgreSQL).
	Dollar
)

// Rebind rewrites the "?" placeholders of query for the given style.
// Question marks inside single-quoted literals are left alone.
func Rebind(p Placeholder, query string) string {
	if p != Dollar {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
