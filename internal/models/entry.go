// Package models holds the data types shared by the client engine, the wire
// codec and the server storage actor.
package models

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entry is one locally authored domain event. Payload is opaque to the
// engine. RemoteSequence is zero until the server has sequenced the entry.
type Entry struct {
	ID             []byte    `json:"id"`
	Payload        []byte    `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
	RemoteSequence int64     `json:"-"`
}

// EncryptedEntry is the ciphertext of one Entry under a batch DEK.
type EncryptedEntry struct {
	EntryID        []byte
	EncryptedEntry []byte
}

// EncryptedRemoteEntry is the form the server stores and sends back: the
// ciphertext plus everything another device needs to open it.
type EncryptedRemoteEntry struct {
	Sequence       int64
	EntryID        []byte
	IV             []byte
	EncryptedDEK   []byte
	EncryptedEntry []byte
}

// WriteStats counts accepted writes of a namespace.
type WriteStats struct {
	Count     int64
	LastFlush time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEntryID returns a 16 byte ULID. IDs created by one process sort in
// creation order.
func NewEntryID(t time.Time) []byte {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyMu.Unlock()
	return id[:]
}

// EntryIDString renders an entry id for logs; non-ULID ids are shown as-is.
func EntryIDString(id []byte) string {
	var u ulid.ULID
	if len(id) != len(u) {
		return string(id)
	}
	copy(u[:], id)
	return u.String()
}
