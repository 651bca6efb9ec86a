// Package vault implements the Crypto Vault (§4.1): a process-wide AEAD
// envelope over the auth-state blobs the Auth-State Store persists. The key
// is symmetric and shared across every worker in the fleet so any process
// can decrypt state written by any other.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed HKDF info string binding derived keys to this
// envelope scheme; changing it invalidates every previously encrypted blob.
const hkdfInfo = "sortie-authstate-v1"

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit GCM nonce
	version   = "v1"
)

// Errors returned by Decrypt, matching the spec's BadFormat/BadKey/BadTag
// taxonomy (§4.1).
var (
	ErrBadFormat = errors.New("vault: bad token format")
	ErrBadKey    = errors.New("vault: bad key")
	ErrBadTag    = errors.New("vault: authentication failed")
)

// Vault encrypts and decrypts auth-state blobs with a single derived AES-256
// key, held in memory for the process lifetime.
type Vault struct {
	gcm cipher.AEAD
}

// New derives the AES-256-GCM key from rawKey via HKDF-SHA256 and returns a
// ready-to-use Vault. rawKey is the raw (already base64-decoded) key
// material configured via WA_AUTH_ENC_KEY_B64.
func New(rawKey []byte) (*Vault, error) {
	if len(rawKey) != keySize {
		return nil, fmt.Errorf("%w: expected %d raw bytes, got %d", ErrBadKey, keySize, len(rawKey))
	}

	key := make([]byte, keySize)
	if _, err := hkdf.New(sha256.New, rawKey, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return nil, fmt.Errorf("%w: key derivation failed: %v", ErrBadKey, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}

	return &Vault{gcm: gcm}, nil
}

// AssertConfigured validates that rawKey is exactly 32 bytes before any
// worker is allowed to start, per §4.1's startup contract.
func AssertConfigured(rawKey []byte) error {
	if len(rawKey) != keySize {
		return fmt.Errorf("WA_AUTH_ENC_KEY_B64 must decode to exactly %d bytes, got %d", keySize, len(rawKey))
	}
	return nil
}

// Encrypt produces the self-describing token "v1:iv:tag:ciphertext" (§6.5),
// each field base64-encoded, using a fresh random 96-bit nonce.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := v.gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - v.gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		version,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt parses and opens a token produced by Encrypt, returning ErrBadFormat,
// ErrBadKey (wrong length fields), or ErrBadTag (authentication failure).
func (v *Vault) Decrypt(token string) ([]byte, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 || parts[0] != version {
		return nil, ErrBadFormat
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrBadFormat
	}
	if len(nonce) != nonceSize {
		return nil, ErrBadKey
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrBadFormat
	}
	if len(tag) != v.gcm.Overhead() {
		return nil, ErrBadKey
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, ErrBadFormat
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := v.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrBadTag
	}
	return plaintext, nil
}
