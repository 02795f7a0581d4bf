package chain

import (
	"sync"

	"github.com/nimbusledger/streamlet/internal/digest"
)

type entry struct {
	block     *Block
	notarized bool
}

// Store is the Chain Store (§4.1): the single owner of the block set
// and the notarization/finalization overlay. All mutation happens
// under one coarse lock, per §5's "Shared state" guidance — readers
// like LongestNotarizedTip observe a consistent snapshot because they
// also take the lock.
type Store struct {
	mu sync.RWMutex

	blocks  map[digest.Digest]*entry
	byEpoch map[uint64][]digest.Digest

	genesis digest.Digest

	// finalizedTip is the most recently finalized block's digest, or
	// the zero digest before any finalization has occurred. Once set,
	// finalization can only move forward along its own ancestor chain
	// (§4.1 "MUST reject attempts to extend the finalized prefix along
	// a different parent chain").
	finalizedTip digest.Digest
	hasFinalized bool
}

// NewStore creates a Chain Store seeded with the given genesis block,
// which is inserted and implicitly notarized per the Glossary.
func NewStore(genesis *Block) *Store {
	s := &Store{
		blocks:  make(map[digest.Digest]*entry),
		byEpoch: make(map[uint64][]digest.Digest),
		genesis: genesis.Hash,
	}
	s.blocks[genesis.Hash] = &entry{block: genesis, notarized: true}
	s.byEpoch[genesis.Epoch] = []digest.Digest{genesis.Hash}
	return s
}

// Insert adds a block to the store. Idempotent: inserting the same
// digest twice is a no-op success.
func (s *Store) Insert(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[b.Hash]; exists {
		return nil
	}

	if b.PreviousHash != digest.Zero || b.Epoch != 0 {
		parent, ok := s.blocks[b.PreviousHash]
		if !ok {
			return ErrInvalidParent
		}
		if b.Length != parent.block.Length+1 {
			return ErrBadLength
		}
	}

	s.blocks[b.Hash] = &entry{block: b}
	s.byEpoch[b.Epoch] = append(s.byEpoch[b.Epoch], b.Hash)
	return nil
}

// Get returns the block stored under digest d, if any.
func (s *Store) Get(d digest.Digest) (*Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blocks[d]
	if !ok {
		return nil, false
	}
	return e.block, true
}

// Notarize marks the block at digest d as notarized, then attempts to
// extend the finalized prefix. Idempotent.
func (s *Store) Notarize(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.blocks[d]
	if !ok {
		return ErrUnknown
	}
	e.notarized = true
	s.tryFinalize()
	return nil
}

// IsNotarized reports whether the block at digest d is notarized.
func (s *Store) IsNotarized(d digest.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blocks[d]
	return ok && e.notarized
}

// BlocksAtEpoch returns every known block proposed for epoch e; under
// confusion this may contain more than one entry.
func (s *Store) BlocksAtEpoch(e uint64) []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	digs := s.byEpoch[e]
	out := make([]*Block, 0, len(digs))
	for _, d := range digs {
		out = append(out, s.blocks[d].block)
	}
	return out
}

// LongestNotarizedTip returns the notarized block of maximal length,
// breaking ties by the lexicographically smallest digest (§4.1).
func (s *Store) LongestNotarizedTip() *Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.longestNotarizedTipLocked()
}

func (s *Store) longestNotarizedTipLocked() *Block {
	var best *entry
	for d, e := range s.blocks {
		if !e.notarized {
			continue
		}
		if best == nil ||
			e.block.Length > best.block.Length ||
			(e.block.Length == best.block.Length && d.Less(best.block.Hash)) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.block
}

// ChainTo walks from block back to genesis via previous_hash links.
// The returned sequence is ordered genesis-first.
func (s *Store) ChainTo(b *Block) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainToLocked(b)
}

func (s *Store) chainToLocked(b *Block) ([]*Block, error) {
	chain := []*Block{b}
	cur := b
	for cur.Hash != s.genesis {
		parent, ok := s.blocks[cur.PreviousHash]
		if !ok {
			return nil, ErrOrphan
		}
		cur = parent.block
		chain = append(chain, cur)
	}
	// reverse to genesis-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// FinalizedPrefix returns the longest genesis-rooted, notarized prefix
// closed under the three-consecutive-epoch rule.
func (s *Store) FinalizedPrefix() []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasFinalized {
		return []*Block{s.blocks[s.genesis].block}
	}
	chain, err := s.chainToLocked(s.blocks[s.finalizedTip].block)
	if err != nil {
		// Unreachable in practice: a finalized tip's ancestors are
		// always stored, since insert validated each link.
		return []*Block{s.blocks[s.genesis].block}
	}
	return chain
}

// tryFinalize implements the key algorithm of §4.1: scan for any
// notarized block whose parent and grandparent are also notarized and
// form a run of three consecutive epochs, then finalize the oldest of
// the three (and transitively, by ChainTo, all its ancestors). Must be
// called with s.mu held for writing.
func (s *Store) tryFinalize() {
	for d, e := range s.blocks {
		if !e.notarized {
			continue
		}
		child := e.block
		parentEntry, ok := s.blocks[child.PreviousHash]
		if !ok || !parentEntry.notarized {
			continue
		}
		parent := parentEntry.block
		if parent.Epoch != child.Epoch-1 {
			continue
		}
		grandparentEntry, ok := s.blocks[parent.PreviousHash]
		if !ok || !grandparentEntry.notarized {
			continue
		}
		grandparent := grandparentEntry.block
		if grandparent.Epoch != parent.Epoch-1 {
			continue
		}

		s.considerFinalizing(grandparent.Hash, d)
	}
}

// considerFinalizing accepts candidate as the new finalized tip if it
// genuinely extends the current one (or none exists yet); otherwise it
// is a competing-fork candidate and is rejected, preserving safety
// invariant 4 (finalization safety).
func (s *Store) considerFinalizing(candidate digest.Digest, triggeredBy digest.Digest) {
	candEntry := s.blocks[candidate]
	if !s.hasFinalized {
		s.finalizedTip = candidate
		s.hasFinalized = true
		return
	}
	if candidate == s.finalizedTip {
		return
	}
	currentTip := s.blocks[s.finalizedTip].block
	if candEntry.block.Length <= currentTip.Length {
		// Candidate does not extend the current finalized prefix;
		// ignore per §4.1 safety requirement.
		return
	}
	// Candidate must be a descendant of the current finalized tip.
	chainToCandidate, err := s.chainToLocked(candEntry.block)
	if err != nil {
		return
	}
	for _, b := range chainToCandidate {
		if b.Hash == s.finalizedTip {
			s.finalizedTip = candidate
			return
		}
	}
	// Competing fork at or beyond the finalized epoch: reject.
}
