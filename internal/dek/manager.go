// Package dek manages data encryption keys: deterministic per-slot
// derivation, rotation, and wrapping of a DEK for a recipient public key.
//
// A DEK for time slot s is HMAC-SHA256(salt, be64(s)). Every device of an
// identity shares the salt, so devices that encrypt within the same slot
// derive the same key without talking to each other. When the use counter
// of the active key reaches MaxUses the manager moves to the next
// generation of the slot, HMAC-SHA256(salt, be64(s) ‖ be32(generation)).
package dek

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL       = time.Hour
	DefaultMaxUses   = 1000
	DefaultCacheIdle = 30 * time.Minute

	// EncryptedDEKLength is the size of a wrapped DEK:
	// ephemeralPublicKey ‖ iv ‖ ciphertext ‖ tag.
	EncryptedDEKLength = cryptox.PublicKeyLength + cryptox.IVLength + cryptox.KeyLength + cryptox.TagLength
)

var wrapSalt = []byte("gophsync/dek-wrap/v1")

var ErrMalformedEncryptedDEK = errors.New("malformed encrypted dek")

// DEK is the active data encryption key.
type DEK struct {
	Key        []byte
	Slot       int64
	Generation uint32
	Uses       int
}

// Options configures a Manager. Zero values fall back to the defaults.
type Options struct {
	Salt      []byte
	TTL       time.Duration
	MaxUses   int
	CacheIdle time.Duration
	Now       func() time.Time
}

type cacheEntry struct {
	key      []byte
	lastUsed time.Time
}

// Manager is safe for concurrent use. The active DEK and the unwrap cache
// are guarded by mu; concurrent unwraps of the same encrypted DEK share
// one ECDH computation.
type Manager struct {
	crypto    cryptox.Crypto
	salt      []byte
	ttl       time.Duration
	maxUses   int
	idle      time.Duration
	now       func() time.Time
	cacheSalt []byte

	mu     sync.Mutex
	active *DEK
	cache  map[string]*cacheEntry

	unwraps singleflight.Group
}

// NewManager builds a Manager. The salt must be identical on every device
// of an identity.
func NewManager(c cryptox.Crypto, opts Options) (*Manager, error) {
	if len(opts.Salt) == 0 {
		return nil, errors.New("dek: salt is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = DefaultMaxUses
	}
	if opts.CacheIdle <= 0 {
		opts.CacheIdle = DefaultCacheIdle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cacheSalt, err := c.RandomBytes(cryptox.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("dek: cache salt: %w", err)
	}

	return &Manager{
		crypto:    c,
		salt:      opts.Salt,
		ttl:       opts.TTL,
		maxUses:   opts.MaxUses,
		idle:      opts.CacheIdle,
		now:       opts.Now,
		cacheSalt: cacheSalt,
		cache:     make(map[string]*cacheEntry),
	}, nil
}

// Derive is the pure derivation function (salt, slot, generation) -> key.
func Derive(c cryptox.Crypto, salt []byte, slot int64, generation uint32) []byte {
	msg := make([]byte, 8, 12)
	binary.BigEndian.PutUint64(msg, uint64(slot))
	if generation > 0 {
		msg = binary.BigEndian.AppendUint32(msg, generation)
	}
	return c.HMACSHA256(salt, msg)
}

// Slot returns floor(t / ttl).
func Slot(t time.Time, ttl time.Duration) int64 {
	ms := t.UnixMilli()
	width := ttl.Milliseconds()
	slot := ms / width
	if ms < 0 && ms%width != 0 {
		slot--
	}
	return slot
}

// Active returns the DEK to encrypt with, rotating when there is none, the
// slot changed, or the current one is exhausted. Every call counts as a use.
func (m *Manager) Active() (DEK, error) {
	slot := Slot(m.now(), m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.Slot != slot || m.active.Uses >= m.maxUses {
		var generation uint32
		if m.active != nil && m.active.Slot == slot {
			generation = m.active.Generation + 1
		}
		m.active = &DEK{
			Key:        Derive(m.crypto, m.salt, slot, generation),
			Slot:       slot,
			Generation: generation,
		}
	}
	m.active.Uses++

	return *m.active, nil
}

// Wrap encrypts dek for recipientPublicKey with an ephemeral X25519 key.
func (m *Manager) Wrap(dek []byte, recipientPublicKey []byte) ([]byte, error) {
	ephPub, ephPriv, err := m.crypto.GenerateKeyPair()
	if err != nil {
		return nil, &EncryptedDEKError{Cause: err}
	}
	defer common.WipeByteArray(ephPriv)

	shared, err := m.crypto.SharedSecret(ephPriv, recipientPublicKey)
	if err != nil {
		return nil, &EncryptedDEKError{Cause: err}
	}
	wrapKey := m.crypto.HMACSHA256(wrapSalt, shared)
	common.WipeByteArray(shared)

	iv, err := m.crypto.RandomBytes(cryptox.IVLength)
	if err != nil {
		return nil, &EncryptedDEKError{Cause: err}
	}
	sealed, err := m.crypto.AESGCMEncrypt(wrapKey, iv, dek)
	if err != nil {
		return nil, &EncryptedDEKError{Cause: err}
	}

	out := make([]byte, 0, len(ephPub)+len(iv)+len(sealed))
	out = append(out, ephPub...)
	out = append(out, iv...)
	out = append(out, sealed...)
	return out, nil
}

// Unwrap recovers the DEK from encryptedDEK. Results are cached per
// encrypted DEK and evicted after CacheIdle without use.
func (m *Manager) Unwrap(encryptedDEK []byte, privateKey []byte) ([]byte, error) {
	if len(encryptedDEK) != EncryptedDEKLength {
		return nil, &DecryptDEKError{Cause: ErrMalformedEncryptedDEK}
	}

	id := hex.EncodeToString(m.crypto.HMACSHA256(m.cacheSalt, encryptedDEK))

	if key, ok := m.cached(id); ok {
		return key, nil
	}

	v, err, _ := m.unwraps.Do(id, func() (any, error) {
		key, err := m.unwrap(encryptedDEK, privateKey)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[id] = &cacheEntry{key: key, lastUsed: m.now()}
		m.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (m *Manager) cached(id string) ([]byte, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.cache {
		if now.Sub(e.lastUsed) > m.idle {
			delete(m.cache, k)
		}
	}

	e, ok := m.cache[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = now
	return e.key, true
}

func (m *Manager) unwrap(encryptedDEK []byte, privateKey []byte) ([]byte, error) {
	ephPub := encryptedDEK[:cryptox.PublicKeyLength]
	iv := encryptedDEK[cryptox.PublicKeyLength : cryptox.PublicKeyLength+cryptox.IVLength]
	sealed := encryptedDEK[cryptox.PublicKeyLength+cryptox.IVLength:]

	shared, err := m.crypto.SharedSecret(privateKey, ephPub)
	if err != nil {
		return nil, &DecryptDEKError{Cause: err}
	}
	wrapKey := m.crypto.HMACSHA256(wrapSalt, shared)
	common.WipeByteArray(shared)

	key, err := m.crypto.AESGCMDecrypt(wrapKey, iv, sealed)
	if err != nil {
		return nil, &DecryptDEKError{Cause: err}
	}
	return key, nil
}

// CacheLen reports how many unwrapped DEKs are cached.
func (m *Manager) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}
