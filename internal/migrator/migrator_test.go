package migrator

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

const (
	t1 = "20240101000000_create_entries"
	t2 = "20240201000000_add_index"
	t3 = "20240301000000_add_stats"
)

func threeMigrations() Set {
	return Set{Migrations: []Migration{
		{Timestamp: 20240301000000, Name: t3, SQL: "CREATE TABLE stats (n INT)"},
		{Timestamp: 20240101000000, Name: t1, SQL: "CREATE TABLE entries (id INT)"},
		{Timestamp: 20240201000000, Name: t2, SQL: "CREATE INDEX entries_id ON entries (id)"},
	}}
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func expectBookkeeping(mock sqlmock.Sqlmock, history ...string) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"name"})
	for _, h := range history {
		rows.AddRow(h)
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM schema_migrations ORDER BY name")).WillReturnRows(rows)
}

func expectApply(mock sqlmock.Sqlmock, sqlText, name string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(sqlText)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (name) VALUES ($1)")).
		WithArgs(name).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestStart_AppliesOnlyAfterCheckpoint(t *testing.T) {
	db, mock := newMock(t)
	expectBookkeeping(mock, t1, t2)
	expectApply(mock, "CREATE TABLE stats (n INT)", t3)

	err := New(db, Postgres, threeMigrations(), nil).Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_AppliesInTimestampOrder(t *testing.T) {
	db, mock := newMock(t)
	mock.MatchExpectationsInOrder(true)
	expectBookkeeping(mock)
	expectApply(mock, "CREATE TABLE entries (id INT)", t1)
	expectApply(mock, "CREATE INDEX entries_id ON entries (id)", t2)
	expectApply(mock, "CREATE TABLE stats (n INT)", t3)

	err := New(db, Postgres, threeMigrations(), nil).Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_DuplicateNamesRunNoSQL(t *testing.T) {
	db, mock := newMock(t)
	set := threeMigrations()
	set.Migrations = append(set.Migrations, Migration{Timestamp: 20240401000000, Name: t2, SQL: "SELECT 1"})

	err := New(db, Postgres, set, nil).Start(context.Background())

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.True(t, errors.Is(err, ErrDuplicateMigration))
	assert.Equal(t, []string{t2}, migErr.Failed)
	require.NoError(t, mock.ExpectationsWereMet(), "no statement may run")
}

func TestStart_DuplicateTimestampsRunNoSQL(t *testing.T) {
	db, mock := newMock(t)
	set := threeMigrations()
	set.Migrations = append(set.Migrations, Migration{Timestamp: 20240101000000, Name: "20240101000000_other", SQL: "SELECT 1"})

	err := New(db, SQLite, set, nil).Start(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateMigration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_InstallsSnapshotOnEmptyHistory(t *testing.T) {
	db, mock := newMock(t)
	set := threeMigrations()
	set.Snapshot = &Snapshot{Timestamp: 20240201000000, SQL: "-- snapshot: 20240201000000\nCREATE TABLE entries (id INT);"}

	expectBookkeeping(mock)
	expectApply(mock, set.Snapshot.SQL, "20240201000000_snapshot")
	expectApply(mock, "CREATE TABLE stats (n INT)", t3)

	err := New(db, Postgres, set, nil).Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_SnapshotFloorAppliesWithHistory(t *testing.T) {
	db, mock := newMock(t)
	set := threeMigrations()
	set.Snapshot = &Snapshot{Timestamp: 20240201000000, SQL: "-- snapshot: 20240201000000\n"}

	expectBookkeeping(mock, t1)
	expectApply(mock, "CREATE TABLE stats (n INT)", t3)

	err := New(db, Postgres, set, nil).Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_ForgetsMigrationsMissingLocally(t *testing.T) {
	db, mock := newMock(t)
	expectBookkeeping(mock, "20230101000000_snapshot", t1, "20240215000000_removed", t2)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM schema_migrations WHERE name = $1")).
		WithArgs("20240215000000_removed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectApply(mock, "CREATE TABLE stats (n INT)", t3)

	err := New(db, Postgres, threeMigrations(), nil).Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_ContinuesPastFailures(t *testing.T) {
	db, mock := newMock(t)
	expectBookkeeping(mock)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE entries (id INT)")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	expectApply(mock, "CREATE INDEX entries_id ON entries (id)", t2)
	expectApply(mock, "CREATE TABLE stats (n INT)", t3)

	err := New(db, Postgres, threeMigrations(), nil).Start(context.Background())

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, []string{t1}, migErr.Failed)

	var itemErr *MigrationItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, t1, itemErr.Name)
	assert.Contains(t, err.Error(), t1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		t2 + ".sql":  {Data: []byte("CREATE INDEX x ON entries (id);")},
		t1 + ".sql":  {Data: []byte("CREATE TABLE entries (id INT);")},
		"schema.sql": {Data: []byte("-- snapshot: 20240115000000\nCREATE TABLE entries (id INT);\n")},
		"README.md":  {Data: []byte("ignored")},
	}

	set, err := Load(fsys)
	require.NoError(t, err)
	require.NotNil(t, set.Snapshot)
	assert.Equal(t, int64(20240115000000), set.Snapshot.Timestamp)
	assert.Equal(t, "20240115000000_snapshot", set.Snapshot.ID())
	require.Len(t, set.Migrations, 2)
	assert.Equal(t, t1, set.Migrations[0].Name)
	assert.Equal(t, int64(20240101000000), set.Migrations[0].Timestamp)
}

func TestLoad_RejectsBadNames(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{name: "short timestamp", fsys: fstest.MapFS{"2024_x.sql": {Data: []byte("x")}}},
		{name: "no separator", fsys: fstest.MapFS{"20240101000000.sql": {Data: []byte("x")}}},
		{name: "not numeric", fsys: fstest.MapFS{"2024010100000a_x.sql": {Data: []byte("x")}}},
		{name: "snapshot without header", fsys: fstest.MapFS{"schema.sql": {Data: []byte("CREATE TABLE t (id INT);")}}},
		{name: "empty snapshot", fsys: fstest.MapFS{"schema.sql": {Data: []byte("")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.fsys)
			assert.Error(t, err)
		})
	}
}

func TestStart_SQLiteEndToEnd(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	set := threeMigrations()
	m := New(db, SQLite, set, nil)
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx), "a second run is a no-op")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 3, n)

	_, err = db.Exec(`INSERT INTO stats (n) VALUES (1)`)
	require.NoError(t, err)
}
