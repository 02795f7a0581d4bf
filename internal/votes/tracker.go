// Package votes implements the Vote Tracker: a per-block tally of
// distinct voter identities with idempotent insertion, triggering
// notarization when the tally first crosses quorum.
package votes

import (
	"sync"

	"github.com/nimbusledger/streamlet/internal/digest"
)

// Tracker records votes keyed by block digest first, voter identity
// second — per-block-digest, never per-epoch, per the spec's resolved
// Open Question on vote-uniqueness granularity (SPEC_FULL.md §9).
type Tracker struct {
	mu     sync.Mutex
	quorum int
	byVote map[digest.Digest]map[string]struct{}
}

// NewTracker returns a Vote Tracker that notarizes once a distinct
// voter count reaches quorum.
func NewTracker(quorum int) *Tracker {
	return &Tracker{
		quorum: quorum,
		byVote: make(map[digest.Digest]map[string]struct{}),
	}
}

// Record registers a vote from voterID for blockDigest. newVote is
// false if this (digest, voter) pair was already recorded.
// newlyNotarized is true exactly once: the call whose tally first
// reaches quorum.
func (t *Tracker) Record(blockDigest digest.Digest, voterID string) (newVote bool, newlyNotarized bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	voters, ok := t.byVote[blockDigest]
	if !ok {
		voters = make(map[string]struct{})
		t.byVote[blockDigest] = voters
	}
	if _, already := voters[voterID]; already {
		return false, false
	}
	voters[voterID] = struct{}{}
	newlyNotarized = len(voters) == t.quorum
	return true, newlyNotarized
}

// Tally returns the current distinct-voter count for blockDigest.
func (t *Tracker) Tally(blockDigest digest.Digest) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byVote[blockDigest])
}

// HasQuorum reports whether blockDigest's tally has reached quorum.
// Unlike the newlyNotarized return from Record, this is idempotent —
// callers use it to re-check a tally against a block body that
// arrived after the quorum-crossing vote did.
func (t *Tracker) HasQuorum(blockDigest digest.Digest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byVote[blockDigest]) >= t.quorum
}

// Quorum computes ⌊N/2⌋+1, the strict-majority threshold for N
// participants.
func Quorum(n int) int {
	return n/2 + 1
}
