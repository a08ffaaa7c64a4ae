package auth

import (
	"sync"
	"time"
)

// replayCache remembers challenges until they could no longer pass the
// freshness check anyway.
type replayCache struct {
	mu        sync.Mutex
	seen      map[[ChallengeSize]byte]time.Time // challenge -> forget after
	lastPrune time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[[ChallengeSize]byte]time.Time)}
}

// markUsed records challenge and reports whether it was new. The check
// and the insert happen under one lock, so of two concurrent uses exactly
// one succeeds.
func (rc *replayCache) markUsed(challenge []byte, forgetAfter, now time.Time) bool {
	var key [ChallengeSize]byte
	copy(key[:], challenge)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if now.Sub(rc.lastPrune) > time.Minute {
		for k, exp := range rc.seen {
			if now.After(exp) {
				delete(rc.seen, k)
			}
		}
		rc.lastPrune = now
	}

	if _, dup := rc.seen[key]; dup {
		return false
	}
	rc.seen[key] = forgetAfter
	return true
}

func (rc *replayCache) size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.seen)
}
