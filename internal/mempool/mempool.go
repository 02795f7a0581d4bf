// Package mempool buffers pending transactions, bucketed by the
// epoch they target, deduplicating against a participant's chain.
package mempool

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/nimbusledger/streamlet/internal/chain"
)

// ErrDuplicateTransaction is returned when a tx_id already appears
// somewhere the chain or mempool already accounts for.
var ErrDuplicateTransaction = errors.New("transaction already known")

// ChainView is the subset of the Chain Store the Mempool consults to
// reject transactions that already landed on-chain.
type ChainView interface {
	FinalizedPrefix() []*chain.Block
	LongestNotarizedTip() *chain.Block
	ChainTo(*chain.Block) ([]*chain.Block, error)
}

// Mempool buffers pending transactions keyed by the epoch they are
// destined for (current_epoch + 1 at insertion time, per §4.5).
type Mempool struct {
	mu      sync.Mutex
	buckets map[uint64][]chain.Transaction
	seen    map[uint64]struct{}
	chain   ChainView
	logger  *zap.SugaredLogger
}

// New creates a Mempool that consults view to reject transactions
// already present on-chain.
func New(view ChainView, logger *zap.SugaredLogger) *Mempool {
	return &Mempool{
		buckets: make(map[uint64][]chain.Transaction),
		seen:    make(map[uint64]struct{}),
		chain:   view,
		logger:  logger,
	}
}

// Add buffers tx for proposal at targetEpoch. Rejects duplicates
// against both the in-memory seen set and the on-chain finalized
// prefix / notarized tip chain.
func (m *Mempool) Add(tx chain.Transaction, targetEpoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[tx.TxID]; dup {
		m.logger.Debugw("rejecting duplicate transaction", "tx_id", tx.TxID)
		return ErrDuplicateTransaction
	}
	if m.onChain(tx.TxID) {
		m.logger.Debugw("rejecting transaction already on chain", "tx_id", tx.TxID)
		return ErrDuplicateTransaction
	}

	m.seen[tx.TxID] = struct{}{}
	m.buckets[targetEpoch] = append(m.buckets[targetEpoch], tx)
	return nil
}

// Drain removes and returns every transaction buffered for epoch,
// called by the leader when constructing a proposal.
func (m *Mempool) Drain(epoch uint64) []chain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := m.buckets[epoch]
	delete(m.buckets, epoch)
	return txs
}

// Size returns the total number of transactions currently buffered
// across every epoch bucket, used to sample the mempool-backlog gauge.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, txs := range m.buckets {
		n += len(txs)
	}
	return n
}

// onChain reports whether txID already appears in a block along the
// finalized prefix or the notarized tip's ancestor chain. Caller must
// hold m.mu.
func (m *Mempool) onChain(txID uint64) bool {
	for _, b := range m.chain.FinalizedPrefix() {
		for _, tx := range b.Transactions {
			if tx.TxID == txID {
				return true
			}
		}
	}
	tip := m.chain.LongestNotarizedTip()
	if tip == nil {
		return false
	}
	ancestors, err := m.chain.ChainTo(tip)
	if err != nil {
		return false
	}
	for _, b := range ancestors {
		for _, tx := range b.Transactions {
			if tx.TxID == txID {
				return true
			}
		}
	}
	return false
}
