// Package storage implements the persisted-chain-file adapter (§6
// "Persisted state"): an append-only record of finalized blocks plus
// the last known epoch, used to resume a restarted or rejoining
// participant without replaying the whole recovery protocol.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	bolt "github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/nimbusledger/streamlet/internal/chain"
	"github.com/nimbusledger/streamlet/internal/wire"
)

var (
	ErrNotFound = errors.New("no persisted state found")
)

var (
	bucketBlocksByEpoch = []byte("blocks_by_epoch") // epoch (big-endian uint64) -> digest
	bucketBlocks        = []byte("blocks")           // digest -> gob(chain.Block)
	bucketMeta          = []byte("meta")
	keyLastEpoch        = []byte("last_epoch")
)

// Store is a bolt-backed append-only log of finalized blocks. A
// single Store belongs to one participant and is never shared across
// processes.
type Store struct {
	db     *bolt.DB
	logger *zap.SugaredLogger
}

// Open creates or opens the persisted-state file at path, creating
// its buckets if this is a fresh file.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening persisted state at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocksByEpoch, bucketBlocks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing persisted state buckets: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnFinalized implements consensus.FinalizationSink: it is the
// hand-off point from the Consensus Engine to durable storage.
func (s *Store) OnFinalized(blocks []*chain.Block) {
	if len(blocks) == 0 {
		return
	}
	if err := s.AppendFinalized(blocks); err != nil {
		s.logger.Errorw("failed to persist finalized blocks", "count", len(blocks), "error", err)
	}
}

// AppendFinalized durably records newly finalized blocks in epoch
// order and advances the last-epoch marker.
func (s *Store) AppendFinalized(blocks []*chain.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byEpoch := tx.Bucket(bucketBlocksByEpoch)
		byDigest := tx.Bucket(bucketBlocks)
		meta := tx.Bucket(bucketMeta)

		var lastEpoch uint64
		for _, b := range blocks {
			encoded, err := wire.EncodeGob(b)
			if err != nil {
				return fmt.Errorf("encoding block at epoch %d: %w", b.Epoch, err)
			}
			if err := byDigest.Put(b.Hash[:], encoded); err != nil {
				return err
			}
			epochKey := epochKeyOf(b.Epoch)
			if err := byEpoch.Put(epochKey, b.Hash[:]); err != nil {
				return err
			}
			if b.Epoch > lastEpoch {
				lastEpoch = b.Epoch
			}
		}
		return meta.Put(keyLastEpoch, epochKeyOf(lastEpoch))
	})
}

// LoadLastEpoch returns the highest finalized epoch previously
// recorded, or ErrNotFound if this is a fresh participant.
func (s *Store) LoadLastEpoch() (uint64, error) {
	var epoch uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyLastEpoch)
		if raw == nil {
			return ErrNotFound
		}
		epoch = binary.BigEndian.Uint64(raw)
		return nil
	})
	return epoch, err
}

// LoadFinalizedChain returns every persisted finalized block in epoch
// order, the durable counterpart of chain.Store.FinalizedPrefix.
func (s *Store) LoadFinalizedChain() ([]*chain.Block, error) {
	var blocks []*chain.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		byEpoch := tx.Bucket(bucketBlocksByEpoch)
		byDigest := tx.Bucket(bucketBlocks)
		c := byEpoch.Cursor()
		for k, digestBytes := c.First(); k != nil; k, digestBytes = c.Next() {
			raw := byDigest.Get(digestBytes)
			if raw == nil {
				return fmt.Errorf("dangling block reference for epoch key %x", k)
			}
			var b chain.Block
			if err := wire.DecodeGob(raw, &b); err != nil {
				return fmt.Errorf("decoding persisted block: %w", err)
			}
			blocks = append(blocks, &b)
		}
		return nil
	})
	return blocks, err
}

func epochKeyOf(epoch uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, epoch)
	return key
}
