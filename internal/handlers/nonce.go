package handlers

import (
	"errors"
	"sync"
	"time"
)

// ErrStaleSeq is returned for a sequence number that is not above the last
// one accepted for the same account.
var ErrStaleSeq = errors.New("sequence number already used")

// ErrMissingSeq is returned when a mutation carries no sequence number.
var ErrMissingSeq = errors.New("sequence number must be positive")

type seqEntry struct {
	seq  uint64
	seen time.Time
}

// NonceGuard rejects replayed mutations by tracking the highest sequence
// number accepted per account. Accounts idle for longer than the retention
// are forgotten by Sweep.
type NonceGuard struct {
	mu        sync.Mutex
	last      map[string]seqEntry
	retention time.Duration
	now       func() time.Time
}

// NewNonceGuard creates a guard that remembers accounts for retention.
func NewNonceGuard(retention time.Duration) *NonceGuard {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &NonceGuard{
		last:      make(map[string]seqEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Admit records seq for account if it is above the last accepted one.
func (g *NonceGuard) Admit(account string, seq uint64) error {
	if seq == 0 {
		return ErrMissingSeq
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.last[account]; ok && seq <= e.seq {
		return ErrStaleSeq
	}
	g.last[account] = seqEntry{seq: seq, seen: now}
	return nil
}

// Last returns the highest accepted sequence number of account.
func (g *NonceGuard) Last(account string) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.last[account]
	return e.seq, ok
}

// Sweep forgets accounts idle for longer than the retention.
func (g *NonceGuard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for account, e := range g.last {
		if now.Sub(e.seen) > g.retention {
			delete(g.last, account)
			removed++
		}
	}
	return removed
}
