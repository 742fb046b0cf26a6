// Package interrupt implements the turn sequencing and cancellation protocol
// for a session pipeline. Each user utterance that finalizes gets a strictly
// increasing sequence number; a newer sequence supersedes any turn still in
// flight, and superseded or cancelled sequences are discarded by every stage
// downstream. Only the single highest live sequence is tracked; re-entrant
// interruptions fall out of the same rule.
package interrupt

import (
	"log"
	"sync"
)

// maxConsecutiveFailures is the number of back-to-back adapter failures that
// escalates a session from per-turn recovery to termination.
const maxConsecutiveFailures = 3

// Controller arbitrates turn lifecycle for one session. It is shared by the
// pipeline stages and the barge-in detector.
type Controller struct {
	mu           sync.Mutex
	liveSeq      uint64
	completedSeq uint64
	cancelled    bool
	closed       bool

	consecutiveFailures int

	onCancel func(seq uint64)
}

// NewController returns a controller with no live turn.
func NewController() *Controller { return &Controller{} }

// OnCancel registers a callback fired (outside the lock) whenever a turn is
// cancelled or superseded. The pipeline uses it to tear down in-flight
// generation and synthesis for that sequence.
func (c *Controller) OnCancel(fn func(seq uint64)) {
	c.mu.Lock()
	c.onCancel = fn
	c.mu.Unlock()
}

// Begin allocates the next turn sequence. A prior turn still in flight is
// superseded: marked cancelled and reported through OnCancel.
func (c *Controller) Begin() uint64 {
	c.mu.Lock()
	var superseded uint64
	if c.liveSeq > c.completedSeq && !c.cancelled {
		superseded = c.liveSeq
	}
	c.liveSeq++
	c.cancelled = false
	seq := c.liveSeq
	fn := c.onCancel
	c.mu.Unlock()

	if superseded != 0 {
		log.Printf("turn %d superseded by turn %d", superseded, seq)
		if fn != nil {
			fn(superseded)
		}
	}
	return seq
}

// Live returns the highest allocated sequence.
func (c *Controller) Live() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveSeq
}

// IsLive reports whether frames tagged seq may still be acted on. Stages
// call this at every queue-read boundary; a false result means discard.
func (c *Controller) IsLive(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && seq == c.liveSeq && seq != 0 && !c.cancelled
}

// CancelLive cancels the in-flight turn, if any, and returns its sequence
// (zero when nothing was live). Used for barge-in triggers and adapter
// failures; the cancelled turn must leave no assistant message behind.
func (c *Controller) CancelLive() uint64 {
	c.mu.Lock()
	if c.closed || c.cancelled || c.liveSeq == 0 || c.liveSeq == c.completedSeq {
		c.mu.Unlock()
		return 0
	}
	c.cancelled = true
	seq := c.liveSeq
	fn := c.onCancel
	c.mu.Unlock()

	if fn != nil {
		fn(seq)
	}
	return seq
}

// Close issues a global cancel: the live turn is cancelled and no sequence
// will ever be live again. Called when the participant leaves.
func (c *Controller) Close() {
	c.CancelLive()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Completed marks seq as having reached the end of the stage graph. A turn
// that completes resets the consecutive failure counter.
func (c *Controller) Completed(seq uint64) {
	c.mu.Lock()
	if seq == c.liveSeq && !c.cancelled {
		c.completedSeq = seq
		c.consecutiveFailures = 0
	}
	c.mu.Unlock()
}

// RecordFailure cancels the live turn because a capability adapter failed,
// and reports whether the session has crossed the fatal threshold.
func (c *Controller) RecordFailure(stage string, err error) (fatal bool) {
	c.CancelLive()
	c.mu.Lock()
	c.consecutiveFailures++
	n := c.consecutiveFailures
	c.mu.Unlock()
	log.Printf("adapter failure in %s (%d consecutive): %v", stage, n, err)
	return n >= maxConsecutiveFailures
}
