package migrator

import (
	"bufio"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

const (
	// SnapshotFile holds the consolidated schema.
	SnapshotFile   = "schema.sql"
	snapshotHeader = "-- snapshot:"
	timestampLen   = 14
)

// Migration is one incremental migration. Name is the file name without
// the .sql extension and starts with the 14 digit Timestamp.
type Migration struct {
	Timestamp int64
	Name      string
	SQL       string
}

// Snapshot is the consolidated schema as of Timestamp.
type Snapshot struct {
	Timestamp int64
	SQL       string
}

// ID is the name recorded in the bookkeeping table once the snapshot was
// installed.
func (s Snapshot) ID() string {
	return fmt.Sprintf("%d_snapshot", s.Timestamp)
}

type Set struct {
	Migrations []Migration
	Snapshot   *Snapshot
}

// Load reads every *.sql file at the root of fsys.
func Load(fsys fs.FS) (Set, error) {
	var set Set

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return set, err
	}

	for _, file := range files {
		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return set, fmt.Errorf("read %s: %w", file, err)
		}

		if file == SnapshotFile {
			ts, err := snapshotTimestamp(string(raw))
			if err != nil {
				return set, fmt.Errorf("%s: %w", file, err)
			}
			set.Snapshot = &Snapshot{Timestamp: ts, SQL: string(raw)}
			continue
		}

		ts, err := parseTimestamp(file)
		if err != nil {
			return set, err
		}
		set.Migrations = append(set.Migrations, Migration{
			Timestamp: ts,
			Name:      strings.TrimSuffix(path.Base(file), ".sql"),
			SQL:       string(raw),
		})
	}

	return set, nil
}

func parseTimestamp(name string) (int64, error) {
	prefix, _, ok := strings.Cut(path.Base(name), "_")
	if !ok || len(prefix) != timestampLen {
		return 0, fmt.Errorf("migration %q: name must start with a %d digit timestamp", name, timestampLen)
	}
	ts, err := goose.NumericComponent(name)
	if err != nil {
		return 0, fmt.Errorf("migration %q: %w", name, err)
	}
	return ts, nil
}

func snapshotTimestamp(sql string) (int64, error) {
	line, err := bufio.NewReader(strings.NewReader(sql)).ReadString('\n')
	if err != nil && line == "" {
		return 0, fmt.Errorf("empty snapshot")
	}
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), snapshotHeader)
	rest = strings.TrimSpace(rest)
	if !ok || len(rest) != timestampLen {
		return 0, fmt.Errorf("first line must be %q followed by a %d digit timestamp", snapshotHeader, timestampLen)
	}
	return strconv.ParseInt(rest, 10, 64)
}

// recordedTimestamp extracts the timestamp prefix of a bookkeeping row.
func recordedTimestamp(name string) (int64, bool) {
	prefix, _, _ := strings.Cut(name, "_")
	if len(prefix) != timestampLen {
		return 0, false
	}
	ts, err := strconv.ParseInt(prefix, 10, 64)
	return ts, err == nil
}
