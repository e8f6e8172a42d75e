package main

import "sync/atomic"

// sessionCounter is the server-wide id source for IDSESSION. Ids are handed
// out with a single atomic increment, so two sessions created anywhere on
// the server always get distinct, strictly increasing values.
var sessionCounter atomic.Uint64

// nextSessionID draws a fresh session id. Ids are never reused and never
// reset per connection.
func nextSessionID() uint64 {
	return sessionCounter.Add(1)
}

// session tracks whether a connection is inside a named IDSESSION.
// It is owned by exactly one connection goroutine and never shared.
type session struct {
	id     uint64
	active bool
}

// begin transitions the connection into a session with a fresh global id.
// IDSESSION inside an existing session keeps the original id; real clamd
// treats the repeated command as a no-op.
func (s *session) begin() {
	if s.active {
		return
	}
	s.id = nextSessionID()
	s.active = true
}

// current reports the session id, if any
func (s *session) current() (uint64, bool) {
	return s.id, s.active
}
