// Package cryptoxtest provides test doubles for cryptox.Crypto.
package cryptoxtest

import (
	"sync/atomic"

	"github.com/dmitrijs2005/gophsync/internal/cryptox"
)

// Counting wraps a Crypto and counts every primitive invocation.
type Counting struct {
	Inner cryptox.Crypto

	Random   atomic.Int64
	HMAC     atomic.Int64
	Encrypts atomic.Int64
	Decrypts atomic.Int64
	KeyPairs atomic.Int64
	Shared   atomic.Int64

	// FailDecrypt makes every AESGCMDecrypt return this error when set.
	FailDecrypt error
}

func NewCounting() *Counting {
	return &Counting{Inner: cryptox.New()}
}

// Total is the number of primitive calls so far.
func (c *Counting) Total() int64 {
	return c.Random.Load() + c.HMAC.Load() + c.Encrypts.Load() + c.Decrypts.Load() + c.KeyPairs.Load() + c.Shared.Load()
}

func (c *Counting) RandomBytes(n int) ([]byte, error) {
	c.Random.Add(1)
	return c.Inner.RandomBytes(n)
}

func (c *Counting) HMACSHA256(key, msg []byte) []byte {
	c.HMAC.Add(1)
	return c.Inner.HMACSHA256(key, msg)
}

func (c *Counting) HMACSHA512(key, msg []byte) []byte {
	c.HMAC.Add(1)
	return c.Inner.HMACSHA512(key, msg)
}

func (c *Counting) AESGCMEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	c.Encrypts.Add(1)
	return c.Inner.AESGCMEncrypt(key, iv, plaintext)
}

func (c *Counting) AESGCMDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	c.Decrypts.Add(1)
	if c.FailDecrypt != nil {
		return nil, c.FailDecrypt
	}
	return c.Inner.AESGCMDecrypt(key, iv, ciphertext)
}

func (c *Counting) GenerateKeyPair() ([]byte, []byte, error) {
	c.KeyPairs.Add(1)
	return c.Inner.GenerateKeyPair()
}

func (c *Counting) SharedSecret(privateKey, peerPublicKey []byte) ([]byte, error) {
	c.Shared.Add(1)
	return c.Inner.SharedSecret(privateKey, peerPublicKey)
}
