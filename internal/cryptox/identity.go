package cryptox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrWrongPassphrase = errors.New("identity: wrong passphrase or corrupted file")

// Identity is the X25519 keypair shared by every device of one user.
type Identity struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateIdentity creates a fresh identity keypair.
func GenerateIdentity(c Crypto) (*Identity, error) {
	pub, priv, err := c.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// PublicKeyHex is the form used in the sync endpoint auth parameter.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey)
}

// DEKSalt derives the salt every device of this identity feeds into DEK
// derivation. It must never change for an existing identity, otherwise
// devices derive different DEKs for the same slot.
func (id *Identity) DEKSalt() ([]byte, error) {
	r := hkdf.New(sha256.New, id.PrivateKey, nil, []byte("gophsync/dek-salt/v1"))
	salt := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

type identityFile struct {
	PublicKey  string `json:"public_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	PrivateKey string `json:"sealed_private_key"`
}

// SealIdentity serializes id with its private key encrypted under a key
// derived from passphrase.
func SealIdentity(c Crypto, id *Identity, passphrase []byte) ([]byte, error) {
	salt, err := c.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	nonce, err := c.RandomBytes(IVLength)
	if err != nil {
		return nil, err
	}
	key := DeriveMasterKey(passphrase, salt)
	sealed, err := c.AESGCMEncrypt(key, nonce, id.PrivateKey)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(identityFile{
		PublicKey:  hex.EncodeToString(id.PublicKey),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		PrivateKey: hex.EncodeToString(sealed),
	}, "", "  ")
}

// OpenIdentity reverses SealIdentity.
func OpenIdentity(c Crypto, data []byte, passphrase []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	fields := make([][]byte, 4)
	for i, s := range []string{f.PublicKey, f.Salt, f.Nonce, f.PrivateKey} {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		fields[i] = b
	}

	key := DeriveMasterKey(passphrase, fields[1])
	priv, err := c.AESGCMDecrypt(key, fields[2], fields[3])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return &Identity{PublicKey: fields[0], PrivateKey: priv}, nil
}
