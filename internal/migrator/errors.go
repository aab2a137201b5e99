package migrator

import (
	"errors"
	"strings"
)

var ErrDuplicateMigration = errors.New("duplicate migration")

// MigrationItemError is the failure of a single migration.
type MigrationItemError struct {
	Name  string
	Cause error
}

func (e *MigrationItemError) Error() string {
	return "migration " + e.Name + ": " + e.Cause.Error()
}

func (e *MigrationItemError) Unwrap() error { return e.Cause }

// MigrationError fails Start as a whole. Failed lists the migrations that
// did not apply; every other migration of the run stays applied.
type MigrationError struct {
	Failed []string
	Cause  error
	Items  []*MigrationItemError
}

func (e *MigrationError) Error() string {
	msg := "migrations failed"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if len(e.Failed) > 0 {
		msg += ": " + strings.Join(e.Failed, ", ")
	}
	return msg
}

func (e *MigrationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Items)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, it := range e.Items {
		errs = append(errs, it)
	}
	return errs
}
