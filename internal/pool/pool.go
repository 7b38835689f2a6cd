// Package pool holds undelivered envelopes in memory. The pool is the
// broker's ground truth: push delivery is an optimization layered on
// top of it, and pulls, deletes, and expiry sweeps all drain it.
package pool

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxAttempts caps push retries per envelope.
const DefaultMaxAttempts = 3

// ErrDuplicate is returned by Insert when the envelope id is already
// pooled. The existing entry is retained unchanged.
var ErrDuplicate = errors.New("pool: duplicate envelope id")

// Envelope is one encrypted message in flight: an opaque payload plus
// the routing metadata the relay needs. The payload is raw JSON and is
// round-tripped byte-for-byte.
type Envelope struct {
	ID          string
	Recipient   string
	Payload     json.RawMessage
	MessageType string
	CreatedAt   time.Time
	TTL         time.Duration
	MaxAttempts int32

	// attempts counts push deliveries tried for this envelope. Atomic
	// because a racing pull may still hold a reference while a push
	// path is counting.
	attempts int32
}

// ExpiresAt is the instant the envelope leaves the pool on a sweep.
func (e *Envelope) ExpiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// Expired reports whether the envelope's expiry instant has passed.
func (e *Envelope) Expired(now time.Time) bool { return !e.ExpiresAt().After(now) }

// Attempts returns how many pushes have been tried.
func (e *Envelope) Attempts() int32 { return atomic.LoadInt32(&e.attempts) }

// NoteAttempt records one push attempt and returns the new count.
func (e *Envelope) NoteAttempt() int32 { return atomic.AddInt32(&e.attempts, 1) }

// AttemptsExhausted reports whether the envelope is at its push ceiling
// and should wait for a pull or expiry.
func (e *Envelope) AttemptsExhausted() bool {
	max := e.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return e.Attempts() >= max
}

// Pool maps envelope ids to buffered envelopes, with a per-recipient
// index maintained in lockstep. One mutex covers both views so Insert,
// TakeFor, Remove, and ExpireBefore are each atomic.
type Pool struct {
	mu          sync.Mutex
	byID        map[string]*Envelope
	byRecipient map[string][]*Envelope // insertion order per recipient
}

func New() *Pool {
	return &Pool{
		byID:        make(map[string]*Envelope),
		byRecipient: make(map[string][]*Envelope),
	}
}

// Insert adds an envelope to the pool. A second envelope with the same
// id is rejected with ErrDuplicate.
func (p *Pool) Insert(e *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[e.ID]; exists {
		return ErrDuplicate
	}
	p.byID[e.ID] = e
	p.byRecipient[e.Recipient] = append(p.byRecipient[e.Recipient], e)
	return nil
}

// TakeFor atomically removes and returns every envelope addressed to
// recipient, in insertion order. Racing callers each win an envelope at
// most once.
func (p *Pool) TakeFor(recipient string) []*Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.byRecipient[recipient]
	if len(list) == 0 {
		return nil
	}
	delete(p.byRecipient, recipient)
	for _, e := range list {
		delete(p.byID, e.ID)
	}
	return list
}

// Remove deletes the envelope with the given id and reports whether it
// was present.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	p.dropFromIndex(e)
	return true
}

// ExpireBefore removes every envelope whose expiry instant is at or
// before now and returns how many were removed.
func (p *Pool) ExpireBefore(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, e := range p.byID {
		if e.Expired(now) {
			delete(p.byID, id)
			p.dropFromIndex(e)
			removed++
		}
	}
	return removed
}

// Size returns the number of pooled envelopes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// dropFromIndex removes e from its recipient's slice. Callers hold p.mu.
func (p *Pool) dropFromIndex(e *Envelope) {
	list := p.byRecipient[e.Recipient]
	for i, cand := range list {
		if cand.ID == e.ID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.byRecipient, e.Recipient)
	} else {
		p.byRecipient[e.Recipient] = list
	}
}
