// Package cryptox provides the raw cryptographic primitives the replication
// engine is built on: random bytes, HMAC, AES-GCM and X25519. Higher level
// packages (dek, entrycipher) depend on the Crypto interface so tests can
// count or fault primitive calls.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeyLength is the size of DEKs and wrapping keys (AES-256).
	KeyLength = 32
	// PublicKeyLength is the size of an X25519 public key.
	PublicKeyLength = curve25519.PointSize
	// PrivateKeyLength is the size of an X25519 private key.
	PrivateKeyLength = curve25519.ScalarSize
	// IVLength is the AES-GCM nonce size.
	IVLength = 12
	// TagLength is the AES-GCM authentication tag size.
	TagLength = 16
)

var ErrInvalidKeyLength = errors.New("invalid key length")

// Crypto is the primitive surface consumed by the DEK manager and the entry
// cipher. Implementations must be safe for concurrent use.
type Crypto interface {
	RandomBytes(n int) ([]byte, error)
	HMACSHA256(key, msg []byte) []byte
	HMACSHA512(key, msg []byte) []byte
	// AESGCMEncrypt seals plaintext and appends the tag.
	AESGCMEncrypt(key, iv, plaintext []byte) ([]byte, error)
	// AESGCMDecrypt verifies the appended tag and opens ciphertext.
	AESGCMDecrypt(key, iv, ciphertext []byte) ([]byte, error)
	GenerateKeyPair() (publicKey, privateKey []byte, err error)
	SharedSecret(privateKey, peerPublicKey []byte) ([]byte, error)
}

// Primitives implements Crypto with the standard library and x/crypto.
type Primitives struct {
	rand io.Reader
}

// New returns Primitives reading randomness from crypto/rand.
func New() *Primitives {
	return &Primitives{rand: rand.Reader}
}

func (p *Primitives) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(p.rand, b); err != nil {
		return nil, fmt.Errorf("random bytes: %w", err)
	}
	return b, nil
}

func (p *Primitives) HMACSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

func (p *Primitives) HMACSHA512(key, msg []byte) []byte {
	m := hmac.New(sha512.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (p *Primitives) AESGCMEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aesgcm.NonceSize(), len(iv))
	}
	return aesgcm.Seal(nil, iv, plaintext, nil), nil
}

func (p *Primitives) AESGCMDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aesgcm.NonceSize(), len(iv))
	}
	return aesgcm.Open(nil, iv, ciphertext, nil)
}

// GenerateKeyPair creates an X25519 keypair.
func (p *Primitives) GenerateKeyPair() ([]byte, []byte, error) {
	priv, err := p.RandomBytes(PrivateKeyLength)
	if err != nil {
		return nil, nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// SharedSecret computes X25519(privateKey, peerPublicKey). Low-order peer
// points are rejected by curve25519.
func (p *Primitives) SharedSecret(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(privateKey) != PrivateKeyLength || len(peerPublicKey) != PublicKeyLength {
		return nil, ErrInvalidKeyLength
	}
	return curve25519.X25519(privateKey, peerPublicKey)
}

// DeriveMasterKey stretches a passphrase into a 32-byte key with Argon2id.
// It protects identity files at rest.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}
