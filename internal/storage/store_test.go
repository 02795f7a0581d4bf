package storage

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nimbusledger/streamlet/internal/chain"
	"github.com/nimbusledger/streamlet/internal/digest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func chainOf(t *testing.T, n int) []*chain.Block {
	t.Helper()
	hasher := digest.NewBlake3Hasher()
	blocks := make([]*chain.Block, 0, n+1)
	prev := chain.NewGenesisBlock(hasher)
	blocks = append(blocks, prev)
	for e := uint64(1); e <= uint64(n); e++ {
		b := chain.NewBlock(hasher, e, prev, nil)
		blocks = append(blocks, b)
		prev = b
	}
	return blocks
}

func TestAppendAndLoadFinalizedChain(t *testing.T) {
	s := openTestStore(t)
	blocks := chainOf(t, 3)

	if err := s.AppendFinalized(blocks); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := s.LoadFinalizedChain()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != len(blocks) {
		t.Fatalf("expected %d blocks, got %d", len(blocks), len(loaded))
	}
	for i, b := range loaded {
		if b.Epoch != blocks[i].Epoch || b.Hash != blocks[i].Hash {
			t.Errorf("block %d: epoch/hash mismatch", i)
		}
	}
}

func TestLoadLastEpochTracksHighestAppendedEpoch(t *testing.T) {
	s := openTestStore(t)
	blocks := chainOf(t, 5)

	if err := s.AppendFinalized(blocks[:3]); err != nil {
		t.Fatalf("append first batch: %v", err)
	}
	epoch, err := s.LoadLastEpoch()
	if err != nil {
		t.Fatalf("load last epoch: %v", err)
	}
	if epoch != 2 {
		t.Fatalf("expected last epoch 2 after appending epochs 0..2, got %d", epoch)
	}

	if err := s.AppendFinalized(blocks[3:]); err != nil {
		t.Fatalf("append second batch: %v", err)
	}
	epoch, err = s.LoadLastEpoch()
	if err != nil {
		t.Fatalf("load last epoch: %v", err)
	}
	if epoch != 5 {
		t.Fatalf("expected last epoch 5, got %d", epoch)
	}
}

func TestLoadLastEpochNotFoundOnFreshStore(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadLastEpoch(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on fresh store, got %v", err)
	}
}

func TestOnFinalizedPersistsViaSinkInterface(t *testing.T) {
	s := openTestStore(t)
	blocks := chainOf(t, 1)

	s.OnFinalized(blocks)

	loaded, err := s.LoadFinalizedChain()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 persisted blocks (genesis + epoch 1), got %d", len(loaded))
	}
}
