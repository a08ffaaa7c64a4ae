package auth

import "errors"

var (
	// ErrSignatureInvalid covers a malformed proof or a signature that does
	// not verify against the presented public key.
	ErrSignatureInvalid = errors.New("auth: signature invalid")

	// ErrChallengeExpired means the challenge timestamp is outside the
	// accepted window.
	ErrChallengeExpired = errors.New("auth: challenge expired")

	// ErrChallengeReplayed means the challenge was already used.
	ErrChallengeReplayed = errors.New("auth: challenge replayed")

	// ErrKeyNotRecognized means the public key is not bound to an account
	// and the relay does not provision accounts on first use.
	ErrKeyNotRecognized = errors.New("auth: public key not recognized")

	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token has expired")
)
