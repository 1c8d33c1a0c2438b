// Package settings holds the process-wide runtime toggles for the streaming
// wire protocol. Readers take one immutable snapshot per request; updates
// publish a new snapshot atomically.
package settings

import "sync/atomic"

// Flags are the runtime stream toggles. Zero value: everything off.
type Flags struct {
	// MarkersEnabled gates the progressive __REASONING_CHUNK__ and
	// __ANNOTATIONS_CHUNK__ lines. The terminal envelope always carries
	// annotations regardless.
	MarkersEnabled bool
	// ReasoningEnabled suppresses reasoning forwarding globally when false,
	// regardless of tier or request options.
	ReasoningEnabled bool
	// Debug adds structured logs on the stream path. It never changes the
	// bytes on the wire.
	Debug bool
}

// Store publishes Flags snapshots.
type Store struct {
	cur atomic.Pointer[Flags]
}

// NewStore returns a Store seeded with initial.
func NewStore(initial Flags) *Store {
	s := &Store{}
	s.cur.Store(&initial)
	return s
}

// Current returns the live snapshot. The returned value is a copy; callers
// hold it for the duration of a request.
func (s *Store) Current() Flags {
	return *s.cur.Load()
}

// Update replaces the snapshot.
func (s *Store) Update(f Flags) {
	s.cur.Store(&f)
}
