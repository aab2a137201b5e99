// Package entrycipher encrypts batches of journal entries for a recipient
// and decrypts entries coming back from the server.
//
// One batch shares one DEK, one wrapped DEK and one IV. Every entry is an
// independent AES-GCM invocation under (dek, iv); the batch is the nonce
// uniqueness unit, so a batch must never be re-encrypted with the same IV.
package entrycipher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/dek"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// EncryptedBatch is the output of Encrypt.
type EncryptedBatch struct {
	IV           []byte
	Entries      []models.EncryptedEntry
	EncryptedDEK []byte
}

// EmptyDEK is the all-zero wrapped DEK returned for empty batches.
func EmptyDEK() []byte {
	return make([]byte, dek.EncryptedDEKLength)
}

// Cipher is safe for concurrent use.
type Cipher struct {
	crypto  cryptox.Crypto
	deks    *dek.Manager
	metrics *Metrics
	logger  logging.Logger
}

func New(c cryptox.Crypto, deks *dek.Manager, metrics *Metrics, logger logging.Logger) *Cipher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Cipher{
		crypto:  c,
		deks:    deks,
		metrics: metrics,
		logger:  logger.With("module", "entrycipher"),
	}
}

// Encrypt seals entries for recipientPublicKey. An empty input performs no
// cryptographic operation at all.
func (c *Cipher) Encrypt(ctx context.Context, recipientPublicKey []byte, entries []models.Entry) (batch *EncryptedBatch, err error) {
	if len(entries) == 0 {
		return &EncryptedBatch{
			IV:           []byte{},
			Entries:      []models.EncryptedEntry{},
			EncryptedDEK: EmptyDEK(),
		}, nil
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			batch, err = nil, &EncryptionError{Cause: fmt.Errorf("panic: %v", p)}
		}
		c.metrics.observe("encrypt", start, len(entries), err)
		if err != nil {
			c.logger.Error(ctx, "encrypt failed", "entries", len(entries), "error", err)
		}
	}()

	active, err := c.deks.Active()
	if err != nil {
		return nil, &EncryptionError{Cause: err}
	}

	encryptedDEK, err := c.deks.Wrap(active.Key, recipientPublicKey)
	if err != nil {
		return nil, &EncryptionError{Cause: err}
	}

	iv, err := c.crypto.RandomBytes(cryptox.IVLength)
	if err != nil {
		return nil, &EncryptionError{Cause: err}
	}

	out := make([]models.EncryptedEntry, 0, len(entries))
	for _, e := range entries {
		plaintext, err := json.Marshal(e)
		if err != nil {
			return nil, &EncryptionError{Cause: err}
		}
		sealed, err := c.crypto.AESGCMEncrypt(active.Key, iv, plaintext)
		if err != nil {
			return nil, &EncryptionError{Cause: err}
		}
		out = append(out, models.EncryptedEntry{EntryID: e.ID, EncryptedEntry: sealed})
	}

	c.logger.Debug(ctx, "encrypted batch", "entries", len(out), "slot", active.Slot, "generation", active.Generation)

	return &EncryptedBatch{IV: iv, Entries: out, EncryptedDEK: encryptedDEK}, nil
}

// Decrypt opens remote entries with privateKey and stamps each result with
// its server sequence. An empty input performs no cryptographic operation.
func (c *Cipher) Decrypt(ctx context.Context, privateKey []byte, remote []models.EncryptedRemoteEntry) (entries []models.Entry, err error) {
	if len(remote) == 0 {
		return []models.Entry{}, nil
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			entries, err = nil, &DecryptionError{Cause: fmt.Errorf("panic: %v", p)}
		}
		c.metrics.observe("decrypt", start, len(remote), err)
		if err != nil {
			c.logger.Error(ctx, "decrypt failed", "entries", len(remote), "error", err)
		}
	}()

	out := make([]models.Entry, 0, len(remote))
	for _, r := range remote {
		key, err := c.deks.Unwrap(r.EncryptedDEK, privateKey)
		if err != nil {
			return nil, &DecryptionError{Sequence: r.Sequence, Cause: err}
		}

		plaintext, err := c.crypto.AESGCMDecrypt(key, r.IV, r.EncryptedEntry)
		if err != nil {
			return nil, &DecryptionError{Sequence: r.Sequence, Cause: err}
		}

		var e models.Entry
		if err := json.Unmarshal(plaintext, &e); err != nil {
			return nil, &DecryptionError{Sequence: r.Sequence, Cause: err}
		}
		if string(e.ID) != string(r.EntryID) {
			return nil, &DecryptionError{Sequence: r.Sequence, Cause: ErrEntryIDMismatch}
		}

		e.RemoteSequence = r.Sequence
		out = append(out, e)
	}

	return out, nil
}
