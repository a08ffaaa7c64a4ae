// Package encryption seals payloads for the relay's key-value store.
//
// Blobs are XChaCha20-Poly1305 with a fresh random 24-byte nonce per call.
// The relay stores {nonce, ciphertext} verbatim and has no key to open them.
package encryption

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// KeySize is the required symmetric key length.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the nonce length of every blob.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrAuthenticationFailed is returned for any blob that does not open
// under the given key: wrong key, wrong nonce, tampered or truncated data.
var ErrAuthenticationFailed = errors.New("encryption: authentication failed")

// Encrypt seals plaintext under key.
func Encrypt(key [KeySize]byte, plaintext []byte) (models.EncryptedBlob, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return models.EncryptedBlob{}, fmt.Errorf("encryption: create cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return models.EncryptedBlob{}, fmt.Errorf("encryption: generate nonce: %w", err)
	}

	return models.EncryptedBlob{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens a blob produced by Encrypt. It never returns partial
// plaintext: on any failure the result is nil and the error wraps
// ErrAuthenticationFailed.
func Decrypt(key [KeySize]byte, blob models.EncryptedBlob) ([]byte, error) {
	if len(blob.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrAuthenticationFailed, len(blob.Nonce))
	}
	if len(blob.Ciphertext) < chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext truncated", ErrAuthenticationFailed)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("encryption: create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// EncryptJSON marshals v and seals the result.
func EncryptJSON(key [KeySize]byte, v any) (models.EncryptedBlob, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return models.EncryptedBlob{}, fmt.Errorf("encryption: marshal: %w", err)
	}
	return Encrypt(key, data)
}

// DecryptJSON opens blob and unmarshals the plaintext into v.
func DecryptJSON(key [KeySize]byte, blob models.EncryptedBlob, v any) error {
	data, err := Decrypt(key, blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("encryption: unmarshal: %w", err)
	}
	return nil
}
