// Package keys turns the user's human-transcribable secret into key material.
//
// The secret is 32 random bytes rendered as dash-grouped Base32. From it we
// derive:
//   - an Ed25519 keypair (the account identity), seeded directly by the secret
//   - a 32-byte symmetric key for payload encryption, via HKDF-SHA256
//
// Both derivations are pure and deterministic, so entering the same secret
// on a second device reproduces the same identity and can read the same
// encrypted store.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SecretSize is the decoded length of a valid secret.
const SecretSize = 32

// SymmetricKeySize is the length of the derived encryption key.
const SymmetricKeySize = 32

// HKDF info strings. Changing one invalidates everything derived under it.
var (
	hkdfInfoEncryption = []byte("zenflo.encryption.v1")
)

// alphabet is the RFC 4648 Base32 alphabet.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// typoFixes maps characters people commonly type in place of a Base32
// symbol that looks the same on paper.
var typoFixes = map[rune]rune{
	'0': 'O',
	'1': 'I',
	'8': 'B',
	'9': 'G',
}

// groupSize is the number of symbols between dashes in the canonical form.
const groupSize = 5

var (
	// ErrInvalidKeyFormat means the input did not decode to exactly SecretSize bytes.
	ErrInvalidKeyFormat = errors.New("keys: invalid secret key format")
)

// Secret is the root key material. It never leaves the user's machine.
type Secret [SecretSize]byte

// String never prints key material.
func (Secret) String() string { return "Secret(redacted)" }

// KeyPair is everything derived from one Secret.
type KeyPair struct {
	PublicKey    ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey
	SymmetricKey [SymmetricKeySize]byte
}

// GenerateSecret returns a fresh random secret.
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return Secret{}, fmt.Errorf("keys: generate secret: %w", err)
	}
	return s, nil
}

// ParseSecret decodes a user-entered secret.
//
// The input is uppercased, look-alike characters are corrected, and anything
// outside the Base32 alphabet (dashes, spaces, stray punctuation) is dropped.
// Symbols are then unpacked 5 bits at a time, most significant bit first;
// trailing bits that do not fill a byte are discarded.
func ParseSecret(input string) (Secret, error) {
	var (
		out    = make([]byte, 0, SecretSize+1)
		buffer uint32
		bits   uint
	)

	for _, r := range strings.ToUpper(input) {
		if fixed, ok := typoFixes[r]; ok {
			r = fixed
		}
		idx := strings.IndexRune(alphabet, r)
		if idx < 0 {
			continue
		}
		buffer = buffer<<5 | uint32(idx)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buffer>>bits))
			buffer &= (1 << bits) - 1
		}
	}

	if len(out) != SecretSize {
		return Secret{}, fmt.Errorf("%w: decoded %d bytes, want %d", ErrInvalidKeyFormat, len(out), SecretSize)
	}

	var s Secret
	copy(s[:], out)
	return s, nil
}

// FormatSecret renders a secret in its canonical transcribable form:
// unpadded Base32 in dash-separated groups of five.
func FormatSecret(s Secret) string {
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(s[:])

	var sb strings.Builder
	for i := 0; i < len(encoded); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + groupSize
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

// Derive expands a secret into the identity keypair and symmetric key.
func Derive(s Secret) *KeyPair {
	priv := ed25519.NewKeyFromSeed(s[:])

	kp := &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}

	reader := hkdf.New(sha256.New, s[:], nil, hkdfInfoEncryption)
	if _, err := io.ReadFull(reader, kp.SymmetricKey[:]); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes; 32 never fails.
		panic("keys: hkdf expand: " + err.Error())
	}
	return kp
}

// Sign signs msg with the identity key.
func (kp *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, msg)
}
