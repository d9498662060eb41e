package engine

import "sync/atomic"

// Sequencer hands out strictly monotonic sequence numbers. It is the
// source of both order ids and per-instrument book sequences, and is
// replay-safe: restore the last issued value with Reset before reuse.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer creates a sequencer whose first Next() returns start+1.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence number.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset sets the sequencer to v. Only for replay.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}
