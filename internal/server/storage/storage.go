// Package storage persists the encrypted entry log of each namespace on the
// server and assigns sequence numbers to accepted writes.
//
// Backends never see plaintext. For every namespace they guarantee:
//
//   - sequences start at 1 and grow by one per newly stored entry, with no
//     gaps, across restarts;
//   - writing an entry id that is already stored returns the record stored
//     the first time, including its original sequence;
//   - Entries(since) returns every entry with sequence >= since in order;
//   - RemoteID is assigned once and then stays the same.
//
// A Namespace is owned by a single storage actor; backends serialize
// writers anyway so that two server processes sharing a database stay
// consistent.
package storage

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophsync/internal/models"
)

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("storage closed")

// Batch is one WriteEntries request: entries encrypted under one DEK and IV.
type Batch struct {
	IV           []byte
	EncryptedDEK []byte
	Entries      []models.EncryptedEntry
}

// Storage is the entry log of one namespace.
type Storage interface {
	// Write stores the batch and returns one sequenced record per input
	// entry, in input order.
	Write(ctx context.Context, b Batch) ([]models.EncryptedRemoteEntry, error)
	Entries(ctx context.Context, since int64) ([]models.EncryptedRemoteEntry, error)
	RemoteID(ctx context.Context) (string, error)
}

// Stats persists the write counters of one namespace.
type Stats interface {
	LoadStats(ctx context.Context) (models.WriteStats, error)
	SaveStats(ctx context.Context, s models.WriteStats) error
}

type Namespace interface {
	Storage
	Stats
}

// Backend opens namespaces, creating them on first use.
type Backend interface {
	Open(ctx context.Context, namespace string) (Namespace, error)
	Close() error
}

func remoteEntry(seq int64, b Batch, e models.EncryptedEntry) models.EncryptedRemoteEntry {
	return models.EncryptedRemoteEntry{
		Sequence:       seq,
		EntryID:        e.EntryID,
		IV:             b.IV,
		EncryptedDEK:   b.EncryptedDEK,
		EncryptedEntry: e.EncryptedEntry,
	}
}
