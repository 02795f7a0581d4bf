package chain

import (
	"testing"

	"github.com/nimbusledger/streamlet/internal/digest"
)

func chainOf(t *testing.T, n int) (*Store, []*Block) {
	t.Helper()
	hasher := digest.NewBlake3Hasher()
	genesis := NewGenesisBlock(hasher)
	store := NewStore(genesis)
	blocks := []*Block{genesis}
	parent := genesis
	for e := uint64(1); e <= uint64(n); e++ {
		b := NewBlock(hasher, e, parent, nil)
		if err := store.Insert(b); err != nil {
			t.Fatalf("insert epoch %d: %v", e, err)
		}
		if err := store.Notarize(b.Hash); err != nil {
			t.Fatalf("notarize epoch %d: %v", e, err)
		}
		blocks = append(blocks, b)
		parent = b
	}
	return store, blocks
}

func TestInsertIdempotent(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	genesis := NewGenesisBlock(hasher)
	store := NewStore(genesis)
	b := NewBlock(hasher, 1, genesis, nil)
	if err := store.Insert(b); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.Insert(b); err != nil {
		t.Fatalf("second insert should be a no-op: %v", err)
	}
}

func TestInsertRejectsUnknownParent(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	genesis := NewGenesisBlock(hasher)
	store := NewStore(genesis)

	orphanParent := NewGenesisBlock(hasher)
	orphanParent.Hash[0] ^= 0xFF // make it a distinct, unstored digest
	b := NewBlock(hasher, 1, orphanParent, nil)
	if err := store.Insert(b); err != ErrInvalidParent {
		t.Fatalf("expected ErrInvalidParent, got %v", err)
	}
}

func TestInsertRejectsBadLength(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	genesis := NewGenesisBlock(hasher)
	store := NewStore(genesis)

	b := NewBlock(hasher, 1, genesis, nil)
	b.Length = 5 // corrupt
	if err := store.Insert(b); err != ErrBadLength {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestNotarizeUnknownDigest(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	store := NewStore(NewGenesisBlock(hasher))
	var unknown digest.Digest
	unknown[0] = 0xAB
	if err := store.Notarize(unknown); err != ErrUnknown {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestLongestNotarizedTipTieBreak(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	genesis := NewGenesisBlock(hasher)
	store := NewStore(genesis)

	a := NewBlock(hasher, 1, genesis, []Transaction{{TxID: 1}})
	b := NewBlock(hasher, 1, genesis, []Transaction{{TxID: 2}})
	store.Insert(a)
	store.Insert(b)
	store.Notarize(a.Hash)
	store.Notarize(b.Hash)

	tip := store.LongestNotarizedTip()
	var expected *Block
	if a.Hash.Less(b.Hash) {
		expected = a
	} else {
		expected = b
	}
	if tip.Hash != expected.Hash {
		t.Fatalf("expected deterministic tie-break to pick smallest digest")
	}
}

func TestFinalizationThreeConsecutiveEpochs(t *testing.T) {
	store, blocks := chainOf(t, 3)
	prefix := store.FinalizedPrefix()
	// epochs 0,1,2,3 notarized consecutively -> epoch-1 block (blocks[1])
	// and its ancestors (genesis) finalize.
	if len(prefix) < 2 {
		t.Fatalf("expected at least genesis+epoch1 finalized, got %d blocks", len(prefix))
	}
	if prefix[len(prefix)-1].Hash != blocks[1].Hash {
		t.Fatalf("expected finalized tip to be epoch-1 block")
	}
}

func TestFinalizationGapBlocksTrigger(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	genesis := NewGenesisBlock(hasher)
	store := NewStore(genesis)

	b1 := NewBlock(hasher, 1, genesis, nil)
	store.Insert(b1)
	store.Notarize(b1.Hash)
	// epoch 2 never proposed/notarized; epoch 3 skips the run.
	b3 := NewBlock(hasher, 3, b1, nil)
	store.Insert(b3)
	store.Notarize(b3.Hash)

	prefix := store.FinalizedPrefix()
	if len(prefix) != 1 {
		t.Fatalf("expected no finalization across a gap, got prefix of length %d", len(prefix))
	}
}

func TestFinalizationRejectsCompetingFork(t *testing.T) {
	store, blocks := chainOf(t, 3)
	finalizedBefore := store.FinalizedPrefix()

	hasher := digest.NewBlake3Hasher()
	// A competing chain rooted at genesis that never overtakes length.
	fork := NewBlock(hasher, 1, blocks[0], []Transaction{{TxID: 99}})
	store.Insert(fork)
	store.Notarize(fork.Hash)

	finalizedAfter := store.FinalizedPrefix()
	if len(finalizedAfter) != len(finalizedBefore) {
		t.Fatalf("competing fork notarization must not change the finalized prefix")
	}
}

func TestChainToOrphan(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	genesis := NewGenesisBlock(hasher)
	store := NewStore(genesis)

	detachedParent := NewBlock(hasher, 1, genesis, nil)
	orphan := NewBlock(hasher, 2, detachedParent, nil)
	// orphan inserted without its parent being known to the store
	store.blocks[orphan.Hash] = &entry{block: orphan}

	if _, err := store.ChainTo(orphan); err != ErrOrphan {
		t.Fatalf("expected ErrOrphan, got %v", err)
	}
}
