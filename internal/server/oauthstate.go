package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// stateExpiry controls how long an OAuth state value remains valid.
	stateExpiry = 10 * time.Minute

	// stateBytes is the number of random bytes in a state value
	// (hex-encoded to twice this length).
	stateBytes = 16
)

// stateStore holds the OAuth state values handed to the Remote API
// consent page. Each one is single use.
type stateStore struct {
	mu     sync.Mutex
	states map[string]time.Time // state -> expiry
	now    func() time.Time
}

func newStateStore() *stateStore {
	return &stateStore{
		states: make(map[string]time.Time),
		now:    time.Now,
	}
}

// issue creates and stores a fresh state value. Expired entries are
// reaped on the way.
func (s *stateStore) issue() string {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	state := hex.EncodeToString(b)

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(stateExpiry)

	return state
}

// consume deletes state and reports whether it was known and unexpired.
func (s *stateStore) consume(state string) bool {
	if state == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)

	return s.now().Before(exp)
}
