// Package dedup drops verbatim redeliveries of liquidation batches.
//
// A batch is identified by the raw USD amount text of its first record. Two
// distinct batches that happen to share that value on one channel collapse into
// one, and a redelivered batch whose first record changed is not caught.
package dedup

import "sync"

type channelState struct {
	mu          sync.Mutex
	fingerprint string
	set         bool
}

// Store holds the fingerprint of the last accepted batch per channel. The zero
// value is not usable; call NewStore.
type Store struct {
	mu       sync.Mutex
	channels map[string]*channelState
}

func NewStore() *Store {
	return &Store{channels: make(map[string]*channelState)}
}

func (s *Store) state(channel string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[channel]
	if !ok {
		st = &channelState{}
		s.channels[channel] = st
	}
	return st
}

// Admit decides whether a batch on channel is processed. It returns false
// without calling accept when fingerprint repeats the last accepted one.
// Otherwise accept runs while the channel is locked, and the fingerprint is
// recorded only if accept reports true. An empty fingerprint is never a
// duplicate.
func (s *Store) Admit(channel, fingerprint string, accept func() bool) bool {
	st := s.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()

	if fingerprint != "" && st.set && st.fingerprint == fingerprint {
		return false
	}
	if !accept() {
		return false
	}
	st.fingerprint = fingerprint
	st.set = true
	return true
}

// Last returns the fingerprint of the last accepted batch on channel.
func (s *Store) Last(channel string) (string, bool) {
	s.mu.Lock()
	st, ok := s.channels[channel]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fingerprint, st.set
}

// Len returns the number of channels that have accepted at least one batch.
func (s *Store) Len() int {
	s.mu.Lock()
	states := make([]*channelState, 0, len(s.channels))
	for _, st := range s.channels {
		states = append(states, st)
	}
	s.mu.Unlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		if st.set {
			n++
		}
		st.mu.Unlock()
	}
	return n
}
