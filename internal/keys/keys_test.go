package keys_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quinnbmay/zenflo-sub001/internal/keys"
)

const exampleSecret = "CAFMM-EUGKP-WZ3B5-F7D5U-J6K7E-XSVBI-3MZVQ-3G2TN-XCQUM-MJ2K6-OQ"
const exampleHex = "100ac6128653ed9d87a5f8fb44f95f25e550a36ccd61b36a6db8a146313a579d"

func TestParseSecret_Example(t *testing.T) {
	s, err := keys.ParseSecret(exampleSecret)
	if err != nil {
		t.Fatalf("ParseSecret() error = %v", err)
	}
	if got := hex.EncodeToString(s[:]); got != exampleHex {
		t.Errorf("ParseSecret() = %s, want %s", got, exampleHex)
	}

	if got := keys.FormatSecret(s); got != exampleSecret {
		t.Errorf("FormatSecret() = %q, want %q", got, exampleSecret)
	}
}

func TestParseSecret_Normalization(t *testing.T) {
	want, err := keys.ParseSecret(exampleSecret)
	if err != nil {
		t.Fatalf("ParseSecret() error = %v", err)
	}

	variants := map[string]string{
		"lowercase":    strings.ToLower(exampleSecret),
		"no dashes":    strings.ReplaceAll(exampleSecret, "-", ""),
		"spaces":       strings.ReplaceAll(exampleSecret, "-", " "),
		"typo O as 0":  strings.Replace(exampleSecret, "OQ", "0Q", 1),
		"typo I as 1":  strings.Replace(exampleSecret, "XSVBI", "XSVB1", 1),
		"typo B as 8":  strings.Replace(exampleSecret, "WZ3B5", "WZ385", 1),
		"typo G as 9":  strings.Replace(exampleSecret, "EUGKP", "EU9KP", 1),
		"stray symbol": exampleSecret + "!",
	}

	for name, input := range variants {
		got, err := keys.ParseSecret(input)
		if err != nil {
			t.Errorf("%s: ParseSecret() error = %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("%s: ParseSecret() decoded different bytes", name)
		}
	}
}

func TestParseSecret_InvalidLength(t *testing.T) {
	cases := []string{
		"",
		"CAFMM-EUGKP",
		exampleSecret + "-ABCDE-FGHIJ",
		"----------",
	}
	for _, input := range cases {
		if _, err := keys.ParseSecret(input); !errors.Is(err, keys.ErrInvalidKeyFormat) {
			t.Errorf("ParseSecret(%q) error = %v, want ErrInvalidKeyFormat", input, err)
		}
	}
}

func TestFormatSecret_RoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		s, err := keys.GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error = %v", err)
		}
		formatted := keys.FormatSecret(s)
		if len(formatted) < 40 || len(formatted) > 70 {
			t.Errorf("FormatSecret() length = %d, out of range", len(formatted))
		}
		back, err := keys.ParseSecret(formatted)
		if err != nil {
			t.Fatalf("ParseSecret(FormatSecret()) error = %v", err)
		}
		if back != s {
			t.Errorf("round trip mismatch for %s", formatted)
		}
	}
}

func TestDerive_Deterministic(t *testing.T) {
	s1, _ := keys.ParseSecret(exampleSecret)
	s2, _ := keys.ParseSecret(strings.ToLower(exampleSecret))

	a := keys.Derive(s1)
	b := keys.Derive(s2)

	if !bytes.Equal(a.PublicKey, b.PublicKey) {
		t.Error("Derive() public keys differ for the same secret")
	}
	if !bytes.Equal(a.PrivateKey, b.PrivateKey) {
		t.Error("Derive() private keys differ for the same secret")
	}
	if a.SymmetricKey != b.SymmetricKey {
		t.Error("Derive() symmetric keys differ for the same secret")
	}
	if bytes.Equal(a.SymmetricKey[:], s1[:]) {
		t.Error("symmetric key must not equal the raw secret")
	}
}

func TestDerive_DistinctSecrets(t *testing.T) {
	s1, _ := keys.GenerateSecret()
	s2, _ := keys.GenerateSecret()

	a, b := keys.Derive(s1), keys.Derive(s2)
	if bytes.Equal(a.PublicKey, b.PublicKey) {
		t.Error("different secrets produced the same public key")
	}
	if a.SymmetricKey == b.SymmetricKey {
		t.Error("different secrets produced the same symmetric key")
	}
}

func TestSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "access.key")

	if _, err := keys.LoadSecretFile(path); !errors.Is(err, keys.ErrNoSecret) {
		t.Fatalf("LoadSecretFile() missing file error = %v, want ErrNoSecret", err)
	}

	s, _ := keys.GenerateSecret()
	if err := keys.SaveSecretFile(path, s); err != nil {
		t.Fatalf("SaveSecretFile() error = %v", err)
	}

	got, err := keys.LoadSecretFile(path)
	if err != nil {
		t.Fatalf("LoadSecretFile() error = %v", err)
	}
	if got != s {
		t.Error("LoadSecretFile() returned a different secret")
	}
}

func TestSecret_StringRedacts(t *testing.T) {
	s, _ := keys.ParseSecret(exampleSecret)
	if strings.Contains(s.String(), "CAFMM") {
		t.Errorf("Secret.String() leaked key material: %s", s.String())
	}
}
