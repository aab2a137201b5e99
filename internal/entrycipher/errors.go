package entrycipher

import "errors"

var ErrEntryIDMismatch = errors.New("decrypted entry id does not match its envelope")

// EncryptionError wraps any failure while encrypting a batch.
type EncryptionError struct {
	Cause error
}

func (e *EncryptionError) Error() string { return "encrypt entries: " + e.Cause.Error() }

func (e *EncryptionError) Unwrap() error { return e.Cause }

// DecryptionError wraps any failure while decrypting remote entries.
// Sequence identifies the entry that failed.
type DecryptionError struct {
	Sequence int64
	Cause    error
}

func (e *DecryptionError) Error() string { return "decrypt entries: " + e.Cause.Error() }

func (e *DecryptionError) Unwrap() error { return e.Cause }
