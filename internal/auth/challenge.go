package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quinnbmay/zenflo-sub001/internal/keys"
)

const (
	// ChallengeSize is the length of a challenge: an 8-byte big-endian
	// Unix-millisecond issuance time followed by random bytes.
	ChallengeSize = 32

	challengeTimeSize = 8
)

// Proof is what a client sends to POST /v1/auth. All fields are standard
// base64.
type Proof struct {
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// NewChallenge returns a fresh challenge stamped with now.
func NewChallenge(now time.Time) ([]byte, error) {
	c := make([]byte, ChallengeSize)
	binary.BigEndian.PutUint64(c[:challengeTimeSize], uint64(now.UnixMilli()))
	if _, err := rand.Read(c[challengeTimeSize:]); err != nil {
		return nil, fmt.Errorf("auth: read random: %w", err)
	}
	return c, nil
}

// SignChallenge signs challenge with the identity key and packages the
// result for the relay.
func SignChallenge(kp *keys.KeyPair, challenge []byte) Proof {
	return Proof{
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		Signature: base64.StdEncoding.EncodeToString(kp.Sign(challenge)),
		PublicKey: base64.StdEncoding.EncodeToString(kp.PublicKey),
	}
}

// NewProof creates and signs a challenge stamped with the current time.
func NewProof(kp *keys.KeyPair) (Proof, error) {
	c, err := NewChallenge(time.Now())
	if err != nil {
		return Proof{}, err
	}
	return SignChallenge(kp, c), nil
}

// decodedProof is a Proof whose fields have been length-checked.
type decodedProof struct {
	challenge []byte
	signature []byte
	publicKey ed25519.PublicKey
}

func (p Proof) decode() (*decodedProof, error) {
	c, err := base64.StdEncoding.DecodeString(p.Challenge)
	if err != nil || len(c) != ChallengeSize {
		return nil, fmt.Errorf("%w: malformed challenge", ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: malformed signature", ErrSignatureInvalid)
	}
	pk, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: malformed public key", ErrSignatureInvalid)
	}
	return &decodedProof{challenge: c, signature: sig, publicKey: pk}, nil
}

func challengeTime(c []byte) time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(c[:challengeTimeSize])))
}
