// Package ballotcipher seals ballot payloads with AES-256-GCM and computes
// the integrity hash recorded in the ledger.
//
// A sealed ballot is the concatenation nonce || ciphertext || tag, so it can be
// opened with nothing but the key. The hash is SHA-256 over the plaintext, which
// keeps it stable across encryptions and lets an auditor recompute it after an
// authorized decryption.
package ballotcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// HashSize is the length of the payload hash.
	HashSize = sha256.Size
)

// ContextLabel is authenticated as additional data on every sealed ballot.
var ContextLabel = []byte("ballot-integrity/ballot/v1")

// ErrIntegrity is returned when a sealed ballot cannot be authenticated or
// its plaintext does not match the expected hash.
var ErrIntegrity = errors.New("ballot integrity failure")

// Key is a normalized AES-256 key.
type Key [KeySize]byte

// NewKey normalizes secret into a key. A 32 byte secret, or a 64 character
// hex string, is used as is. Any other secret is hashed with SHA-256.
func NewKey(secret []byte) (Key, error) {
	var k Key
	if len(secret) == 0 {
		return k, fmt.Errorf("empty key material")
	}
	switch {
	case len(secret) == KeySize:
		copy(k[:], secret)
	case len(secret) == 2*KeySize && isHex(secret):
		if _, err := hex.Decode(k[:], secret); err != nil {
			return k, fmt.Errorf("decode hex key: %w", err)
		}
	default:
		k = sha256.Sum256(secret)
	}
	return k, nil
}

// DeriveElectionKey returns the key of an election from the master secret.
func DeriveElectionKey(master []byte, electionID string) (Key, error) {
	if len(master) == 0 {
		return Key{}, fmt.Errorf("empty master secret")
	}
	material := make([]byte, 0, len(master)+1+len(electionID))
	material = append(material, master...)
	material = append(material, ':')
	material = append(material, electionID...)
	return sha256.Sum256(material), nil
}

func isHex(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Cipher seals and opens ballots under one key. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New returns a Cipher for the key.
func New(key Key) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce and returns the
// sealed bytes together with the SHA-256 hash of the plaintext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	if len(plaintext) == 0 {
		return nil, nil, fmt.Errorf("empty payload")
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, ContextLabel)
	return sealed, Hash(plaintext), nil
}

// EncryptPayload serializes v as canonical JSON and encrypts it.
func (c *Cipher) EncryptPayload(v any) ([]byte, []byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.Encrypt(plaintext)
}

// Decrypt opens sealed bytes. Any authentication failure, including a
// truncated input or a wrong key, returns ErrIntegrity.
func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: sealed ballot too short (%d bytes)", ErrIntegrity, len(sealed))
	}
	plaintext, err := c.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], ContextLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// DecryptPayload opens sealed bytes and decodes the JSON plaintext into out.
func (c *Cipher) DecryptPayload(sealed []byte, out any) error {
	plaintext, err := c.Decrypt(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrIntegrity, err)
	}
	return nil
}

// Audit decrypts sealed and checks that the plaintext hashes to expected.
func (c *Cipher) Audit(sealed, expected []byte) error {
	plaintext, err := c.Decrypt(sealed)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(Hash(plaintext), expected) != 1 {
		return fmt.Errorf("%w: payload hash mismatch", ErrIntegrity)
	}
	return nil
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
