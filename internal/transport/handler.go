package transport

import "github.com/nimbusledger/streamlet/internal/chain"

// Handler is the subset of the Consensus Engine the Router dispatches
// inbound envelopes to. It is satisfied structurally by
// consensus.Engine — neither package imports the other (§9 "engine
// context" note).
type Handler interface {
	OnPropose(block *chain.Block, sender string)
	OnVote(h chain.Header, voterID string, signature []byte)
	OnEchoNotarize(block *chain.Block)
	OnEchoTransaction(tx chain.Transaction, epoch uint64)
	OnQueryMissingBlocks(lastEpoch uint64, sender string)
	OnResponseMissingBlocks(blocks []*chain.Block)
}
