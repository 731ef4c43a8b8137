// Package vault stores and releases SSH credentials (private keys and
// passwords) encrypted at rest. A single process-wide data key, sourced from
// VAULT_DATA_KEY, protects every secret with AES-256-GCM.
//
// Grounded on the credential handling in
// original_source/backend/app/core/ssh_manager.py and
// original_source/backend/app/ssh_manager.py (Fernet-encrypted private keys
// decrypted into a short-lived temp file for each session); reworked here as
// an in-memory scoped buffer instead of a temp file, since the Remote
// Executor (internal/executor) consumes key material directly rather than
// shelling out to an external ssh client.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fleetops/control-plane/pkg/apierrors"
)

const keySize = 32 // AES-256

var ErrInvalidKey = errors.New("vault: data key must decode to 32 bytes")

// Vault encrypts and decrypts secrets with a single AEAD key. It holds no
// plaintext secrets itself; decrypted material only ever exists inside a
// caller-supplied Decrypted scope.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a base64-encoded 32-byte key, as produced by
// GenerateKey or sourced from the VAULT_DATA_KEY environment variable.
func New(base64Key string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// GenerateKey produces a fresh base64-encoded 32-byte key suitable for
// VAULT_DATA_KEY. Used by bootstrap tooling, never by request-path code.
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("vault: generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Seal encrypts plaintext, returning a self-contained ciphertext blob
// (nonce prefixed) safe to store in the Fleet Registry alongside a machine.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

// SealString is a convenience wrapper for credential material that starts
// life as a string (passwords, PEM-encoded keys).
func (v *Vault) SealString(plaintext string) ([]byte, error) {
	return v.Seal([]byte(plaintext))
}

// open decrypts a blob produced by Seal. Unexported: callers must go through
// WithDecrypted so the plaintext is always released.
func (v *Vault) open(blob []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(blob) < n {
		return nil, apierrors.New(apierrors.CodeConfiguration, "vault: ciphertext too short")
	}
	nonce, ct := blob[:n], blob[n:]
	plaintext, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeConfiguration, "vault: decrypt failed", err)
	}
	return plaintext, nil
}

// Decrypted is a scoped view of plaintext secret material. It must only be
// read within the WithDecrypted callback that produced it; Release zeroes
// the backing buffer so the plaintext does not linger in memory.
type Decrypted struct {
	buf []byte
}

// Bytes returns the decrypted plaintext. The slice is only valid until
// Release is called.
func (d *Decrypted) Bytes() []byte { return d.buf }

// String returns the decrypted plaintext as a string. Prefer Bytes where
// possible; strings are immutable and Release cannot scrub a copy made by
// a string conversion.
func (d *Decrypted) String() string { return string(d.buf) }

// Release zeroes the buffer. Safe to call more than once.
func (d *Decrypted) Release() {
	for i := range d.buf {
		d.buf[i] = 0
	}
}

// WithDecrypted decrypts blob, invokes fn with the plaintext, and guarantees
// the plaintext buffer is zeroed before WithDecrypted returns — even if fn
// panics. Mirrors the guard-func idiom used throughout pkg/resilience: the
// caller never manages the secret's lifetime directly.
func (v *Vault) WithDecrypted(blob []byte, fn func(d *Decrypted) error) (err error) {
	plaintext, derr := v.open(blob)
	if derr != nil {
		return derr
	}
	d := &Decrypted{buf: plaintext}
	defer d.Release()
	return fn(d)
}
