package encryption_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quinnbmay/zenflo-sub001/internal/encryption"
	"github.com/quinnbmay/zenflo-sub001/internal/keys"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

func testKey(t *testing.T) [encryption.KeySize]byte {
	t.Helper()
	s, err := keys.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	return keys.Derive(s).SymmetricKey
}

func TestEncryptDecrypt(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"theme":"dark","sessions":3}`)

	blob, err := encryption.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(blob.Nonce) != encryption.NonceSize {
		t.Errorf("len(Nonce) = %d, want %d", len(blob.Nonce), encryption.NonceSize)
	}
	if bytes.Contains(blob.Ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := encryption.Decrypt(key, blob)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	key := testKey(t)

	a, _ := encryption.Encrypt(key, []byte("same"))
	b, _ := encryption.Encrypt(key, []byte("same"))
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("two encryptions reused a nonce")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("two encryptions produced identical ciphertext")
	}
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	key := testKey(t)

	blob, err := encryption.Encrypt(key, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got, err := encryption.Decrypt(key, blob)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Decrypt() = %q, want empty", got)
	}
}

func TestDecrypt_FailsClosed(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	blob, err := encryption.Encrypt(key, []byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	flipped := append([]byte(nil), blob.Ciphertext...)
	flipped[0] ^= 0x01

	wrongNonce := append([]byte(nil), blob.Nonce...)
	wrongNonce[len(wrongNonce)-1] ^= 0xff

	cases := []struct {
		name string
		key  [encryption.KeySize]byte
		blob models.EncryptedBlob
	}{
		{"wrong key", other, blob},
		{"tampered ciphertext", key, models.EncryptedBlob{Nonce: blob.Nonce, Ciphertext: flipped}},
		{"wrong nonce", key, models.EncryptedBlob{Nonce: wrongNonce, Ciphertext: blob.Ciphertext}},
		{"short nonce", key, models.EncryptedBlob{Nonce: blob.Nonce[:12], Ciphertext: blob.Ciphertext}},
		{"truncated", key, models.EncryptedBlob{Nonce: blob.Nonce, Ciphertext: blob.Ciphertext[:4]}},
		{"empty", key, models.EncryptedBlob{}},
	}

	for _, tc := range cases {
		got, err := encryption.Decrypt(tc.key, tc.blob)
		if !errors.Is(err, encryption.ErrAuthenticationFailed) {
			t.Errorf("%s: Decrypt() error = %v, want ErrAuthenticationFailed", tc.name, err)
		}
		if got != nil {
			t.Errorf("%s: Decrypt() returned %d bytes of plaintext on failure", tc.name, len(got))
		}
	}
}

func TestEncryptJSON(t *testing.T) {
	key := testKey(t)

	type settings struct {
		Theme string `json:"theme"`
		Count int    `json:"count"`
	}
	in := settings{Theme: "dark", Count: 7}

	blob, err := encryption.EncryptJSON(key, in)
	if err != nil {
		t.Fatalf("EncryptJSON() error = %v", err)
	}

	var out settings
	if err := encryption.DecryptJSON(key, blob, &out); err != nil {
		t.Fatalf("DecryptJSON() error = %v", err)
	}
	if out != in {
		t.Errorf("DecryptJSON() = %+v, want %+v", out, in)
	}

	if err := encryption.DecryptJSON(testKey(t), blob, &out); !errors.Is(err, encryption.ErrAuthenticationFailed) {
		t.Errorf("DecryptJSON() wrong key error = %v, want ErrAuthenticationFailed", err)
	}
}
