package metrics

import (
	"github.com/nimbusledger/streamlet/internal/chain"
	"github.com/nimbusledger/streamlet/internal/digest"
)

// FinalizationSink is the subset of consensus.FinalizationSink this
// package decorates, defined locally so metrics never imports
// consensus (avoiding a dependency from the ambient/observability
// layer back into the domain engine).
type FinalizationSink interface {
	OnFinalized(blocks []*chain.Block)
}

// SinkWithCounters wraps a FinalizationSink, incrementing
// FinalizedTotal for every newly finalized block before forwarding
// the call.
type SinkWithCounters struct {
	next    FinalizationSink
	metrics *Metrics
}

// WrapSink returns a FinalizationSink that counts finalizations
// before delegating to next (which may be nil to only observe).
func WrapSink(next FinalizationSink, m *Metrics) *SinkWithCounters {
	return &SinkWithCounters{next: next, metrics: m}
}

func (s *SinkWithCounters) OnFinalized(blocks []*chain.Block) {
	for range blocks {
		s.metrics.FinalizedTotal.Inc()
	}
	if s.next != nil {
		s.next.OnFinalized(blocks)
	}
}

// Transport is the subset of consensus.Transport this package
// decorates.
type Transport interface {
	BroadcastPropose(block *chain.Block) error
	BroadcastVote(h chain.Header, voter string, signature []byte) error
	BroadcastEchoNotarize(block *chain.Block) error
	BroadcastQueryMissingBlocks(lastEpoch uint64) error
	SendResponseMissingBlocks(to string, blocks []*chain.Block) error
}

// TransportWithCounters wraps a Transport, counting recovery queries
// and notarizations observed as they are broadcast.
type TransportWithCounters struct {
	next    Transport
	metrics *Metrics
}

// WrapTransport decorates next with counter observation.
func WrapTransport(next Transport, m *Metrics) *TransportWithCounters {
	return &TransportWithCounters{next: next, metrics: m}
}

func (t *TransportWithCounters) BroadcastPropose(block *chain.Block) error {
	return t.next.BroadcastPropose(block)
}

func (t *TransportWithCounters) BroadcastVote(h chain.Header, voter string, signature []byte) error {
	return t.next.BroadcastVote(h, voter, signature)
}

func (t *TransportWithCounters) BroadcastEchoNotarize(block *chain.Block) error {
	t.metrics.NotarizedTotal.Inc()
	return t.next.BroadcastEchoNotarize(block)
}

func (t *TransportWithCounters) BroadcastQueryMissingBlocks(lastEpoch uint64) error {
	t.metrics.RecoveryQueries.Inc()
	return t.next.BroadcastQueryMissingBlocks(lastEpoch)
}

func (t *TransportWithCounters) SendResponseMissingBlocks(to string, blocks []*chain.Block) error {
	return t.next.SendResponseMissingBlocks(to, blocks)
}

// VoteTracker is the subset of votes.Tracker this package decorates.
type VoteTracker interface {
	Record(blockDigest digest.Digest, voterID string) (newVote, newlyNotarized bool)
	HasQuorum(blockDigest digest.Digest) bool
}

// VoteTrackerWithCounters wraps a VoteTracker, counting every distinct
// vote recorded and every quorum crossing observed.
type VoteTrackerWithCounters struct {
	next    VoteTracker
	metrics *Metrics
}

// WrapVoteTracker decorates next with counter observation.
func WrapVoteTracker(next VoteTracker, m *Metrics) *VoteTrackerWithCounters {
	return &VoteTrackerWithCounters{next: next, metrics: m}
}

func (v *VoteTrackerWithCounters) Record(blockDigest digest.Digest, voterID string) (bool, bool) {
	newVote, newlyNotarized := v.next.Record(blockDigest, voterID)
	if newVote {
		v.metrics.VotesRecorded.Inc()
	}
	if newlyNotarized {
		v.metrics.QuorumReached.Inc()
	}
	return newVote, newlyNotarized
}

func (v *VoteTrackerWithCounters) HasQuorum(blockDigest digest.Digest) bool {
	return v.next.HasQuorum(blockDigest)
}

// EpochObserver samples the per-epoch gauges — current epoch and
// mempool backlog — at the start of every epoch (§5 "Scheduling
// model"), the one point in the Consensus Engine where both numbers
// are naturally at hand.
type EpochObserver struct {
	metrics *Metrics
}

// WrapEpochObserver returns an EpochObserver reporting into m.
func WrapEpochObserver(m *Metrics) *EpochObserver {
	return &EpochObserver{metrics: m}
}

func (o *EpochObserver) OnEpoch(epoch uint64, mempoolSize int) {
	o.metrics.CurrentEpoch.Set(float64(epoch))
	o.metrics.MempoolSize.Set(float64(mempoolSize))
}
