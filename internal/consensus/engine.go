// Package consensus implements the Consensus Engine (§4.3): the
// epoch loop, leader selection, proposal construction, vote casting,
// notarization, and finalization.
package consensus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nimbusledger/streamlet/internal/chain"
	"github.com/nimbusledger/streamlet/internal/crypto"
	"github.com/nimbusledger/streamlet/internal/digest"
	"github.com/nimbusledger/streamlet/internal/mempool"
)

// Transport is the subset of the Transport & Message Router the
// engine needs to broadcast outbound messages. It is satisfied
// structurally by transport.Router — neither package imports the
// other, avoiding a dependency cycle between the two halves of the
// propose/vote/notarize loop (§9 "global state" / "engine context"
// note).
type Transport interface {
	BroadcastPropose(block *chain.Block) error
	BroadcastVote(h chain.Header, voter string, signature []byte) error
	BroadcastEchoNotarize(block *chain.Block) error
	BroadcastQueryMissingBlocks(lastEpoch uint64) error
	SendResponseMissingBlocks(to string, blocks []*chain.Block) error
}

// VoteTracker is the subset of votes.Tracker the engine needs, defined
// locally so the metrics package can decorate it without the engine
// depending on metrics (§9 "engine context" note).
type VoteTracker interface {
	Record(blockDigest digest.Digest, voterID string) (newVote, newlyNotarized bool)
	HasQuorum(blockDigest digest.Digest) bool
}

// EpochObserver is notified at the start of every epoch, once the
// mempool backlog for it is known. Optional: a nil EpochObserver is
// simply never called.
type EpochObserver interface {
	OnEpoch(epoch uint64, mempoolSize int)
}

// FinalizationSink receives newly finalized blocks, in order, as they
// are produced — the hand-off point to the persistence adapter (§4.3
// "emit newly finalized blocks to the persistence adapter").
type FinalizationSink interface {
	OnFinalized(blocks []*chain.Block)
}

// Config parameterizes one participant's Consensus Engine instance.
type Config struct {
	NodeID      string
	NodeIndex   int
	Peers       []string // ordered participant identities; index i is leader when Schedule.Leader(e) == i
	Schedule    ScheduleConfig
	Delta       time.Duration
	StartTime   time.Time
	TotalEpochs uint64

	// Rejoin and LastEpoch drive the recovery bootstrap (§4.6): when
	// Rejoin is set, Start first broadcasts QUERY_MISSING_BLOCKS with
	// LastEpoch before entering the epoch loop.
	Rejoin    bool
	LastEpoch uint64

	// Signer authenticates this participant's own proposals and votes;
	// Verifier checks signatures on inbound PROPOSE/VOTE messages (§1:
	// "cryptographic signing is abstracted behind an interface"). The
	// reference wiring is crypto.HashOnlySigner/HashOnlyVerifier, under
	// which a participant's "public key" is just its node id string.
	Signer   crypto.Signer
	Verifier crypto.Verifier
}

// Engine is one participant's Consensus Engine. It owns no network
// connections itself; all communication flows through Transport, and
// all inbound messages are delivered back in via the On* methods,
// which satisfy transport.Handler structurally.
type Engine struct {
	cfg           Config
	store         *chain.Store
	votes         VoteTracker
	mempool       *mempool.Mempool
	hasher        digest.Hasher
	transport     Transport
	sink          FinalizationSink
	epochObserver EpochObserver
	clock         clock.Clock
	logger        *zap.SugaredLogger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	isRunning atomic.Bool

	mu                 sync.Mutex
	confusionBuffer    map[uint64][]*chain.Block
	currentEpoch       uint64
	lastFinalizedCount int
}

// New constructs a Consensus Engine. clk may be a real clock.New() or
// a clock.NewMock() in tests; store must already contain genesis.
// epochObserver may be nil.
func New(cfg Config, store *chain.Store, tracker VoteTracker, mp *mempool.Mempool, hasher digest.Hasher, transport Transport, sink FinalizationSink, epochObserver EpochObserver, clk clock.Clock, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:             cfg,
		store:           store,
		votes:           tracker,
		mempool:         mp,
		hasher:          hasher,
		transport:       transport,
		sink:            sink,
		epochObserver:   epochObserver,
		clock:           clk,
		logger:          logger,
		confusionBuffer: make(map[uint64][]*chain.Block),
	}
}

// Start begins the epoch loop. If Config.Rejoin is set, it first runs
// the recovery bootstrap (§4.6) before entering steady-state epochs.
// Idempotent: a second call is a no-op.
func (e *Engine) Start() error {
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(context.Background())
		if e.cfg.Rejoin {
			e.recover(e.cfg.LastEpoch)
		}
		e.isRunning.Store(true)
		e.wg.Add(1)
		go e.epochLoop()
		e.logger.Infow("consensus engine started", "node_id", e.cfg.NodeID)
	})
	return nil
}

// Stop cancels the epoch loop at the next suspension point and waits
// for it to exit. Idempotent.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.isRunning.Store(false)
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.logger.Infow("consensus engine stopped", "node_id", e.cfg.NodeID)
	})
	return nil
}

// recover implements §4.6: broadcast QUERY_MISSING_BLOCKS and wait out
// the full 15-second recovery window; it does not return early when
// responses arrive. Responses are handled asynchronously by
// OnResponseMissingBlocks as they arrive; RecoveryTimeout (§7) simply
// means we stop waiting and proceed with whatever chain we have.
func (e *Engine) recover(lastEpoch uint64) {
	if err := e.transport.BroadcastQueryMissingBlocks(lastEpoch); err != nil {
		e.logger.Warnw("recovery query failed", "error", err)
	}
	timer := e.clock.Timer(15 * time.Second)
	defer timer.Stop()
	<-timer.C
	e.logger.Infow("recovery window elapsed, proceeding with available chain", "last_epoch", lastEpoch)
}

func (e *Engine) epochLoop() {
	defer e.wg.Done()

	startEpoch := uint64(1)
	if tip := e.store.LongestNotarizedTip(); tip != nil && tip.Epoch >= startEpoch {
		startEpoch = tip.Epoch + 1
	}

	for epoch := startEpoch; e.cfg.TotalEpochs == 0 || epoch <= e.cfg.TotalEpochs; epoch++ {
		target := e.cfg.StartTime.Add(time.Duration(epoch) * 2 * e.cfg.Delta)
		if wait := target.Sub(e.clock.Now()); wait > 0 {
			timer := e.clock.Timer(wait)
			select {
			case <-timer.C:
			case <-e.ctx.Done():
				timer.Stop()
				return
			}
		}
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		e.runEpoch(epoch)
	}
}

func (e *Engine) runEpoch(epoch uint64) {
	e.mu.Lock()
	e.currentEpoch = epoch
	e.mu.Unlock()

	if e.epochObserver != nil {
		e.epochObserver.OnEpoch(epoch, e.mempool.Size())
	}

	if e.cfg.Schedule.IsResolutionStep(epoch) {
		e.resolveConfusion()
	}

	leaderIdx := e.cfg.Schedule.Leader(epoch)
	if leaderIdx >= 0 && leaderIdx < len(e.cfg.Peers) && e.cfg.Peers[leaderIdx] == e.cfg.NodeID {
		e.propose(epoch)
	}
}

// propose implements §4.3 Propose.
func (e *Engine) propose(epoch uint64) {
	parent := e.store.LongestNotarizedTip()
	txs := e.mempool.Drain(epoch)
	block := chain.NewBlock(e.hasher, epoch, parent, txs)

	sig, err := e.cfg.Signer.Sign(block.Hash)
	if err != nil {
		e.logger.Warnw("failed to sign own proposal", "epoch", epoch, "error", err)
		return
	}
	block.Signature = sig

	if err := e.store.Insert(block); err != nil {
		e.logger.Warnw("failed to insert own proposal", "epoch", epoch, "error", err)
		return
	}
	if e.cfg.Schedule.InConfusion(epoch) {
		e.bufferConfusion(epoch, block)
	}

	e.castVote(block.HeaderOf())
	if err := e.transport.BroadcastPropose(block); err != nil {
		e.logger.Warnw("broadcast propose failed", "epoch", epoch, "error", err) // TransportError: log, continue
	}
}

// OnPropose handles an inbound PROPOSE (§4.3 Vote).
func (e *Engine) OnPropose(block *chain.Block, sender string) {
	if err := e.cfg.Verifier.Verify(block.Hash, block.Signature, []byte(sender)); err != nil {
		e.logger.Debugw("dropping proposal with invalid signature", "epoch", block.Epoch, "sender", sender, "error", err)
		return // DecodeError-equivalent (§7): drop, connection stays open
	}

	if err := e.store.Insert(block); err != nil {
		if err == chain.ErrInvalidParent {
			// a later recovery round will backfill; best-effort query now.
			if qerr := e.transport.BroadcastQueryMissingBlocks(e.currentEpochSnapshot()); qerr != nil {
				e.logger.Warnw("recovery query after invalid parent failed", "error", qerr)
			}
		}
		return
	}

	// Votes for this block may have arrived (and reached quorum) before
	// its body did, since no delivery ordering is assumed (§4.4); now
	// that the body is known, re-check the tally instead of waiting for
	// a vote that will never come.
	e.checkLateNotarize(block)

	tip := e.store.LongestNotarizedTip()
	if tip != nil && block.Length <= tip.Length {
		return // StaleProposal (§7): silently skip vote
	}

	if e.cfg.Schedule.InConfusion(block.Epoch) {
		e.bufferConfusion(block.Epoch, block)
	}

	e.castVote(block.HeaderOf())
}

// checkLateNotarize re-derives notarization for block from the vote
// tracker's already-recorded tally, covering the case where quorum was
// reached while the block's body was still unknown to this
// participant (votes.Tracker.HasQuorum).
func (e *Engine) checkLateNotarize(block *chain.Block) {
	if e.store.IsNotarized(block.Hash) || !e.votes.HasQuorum(block.Hash) {
		return
	}
	e.finishNotarization(block.Hash)
}

func (e *Engine) castVote(h chain.Header) {
	sig, err := e.cfg.Signer.Sign(h.Hash)
	if err != nil {
		e.logger.Warnw("failed to sign vote", "epoch", h.Epoch, "error", err)
		return
	}
	e.recordVoteAndMaybeNotarize(h, e.cfg.NodeID)
	if err := e.transport.BroadcastVote(h, e.cfg.NodeID, sig); err != nil {
		e.logger.Warnw("broadcast vote failed", "epoch", h.Epoch, "error", err)
	}
}

// OnVote handles an inbound VOTE, recording voterID's vote for the
// block named by h. A participant may receive votes before it has
// seen the corresponding PROPOSE — ordering is not assumed (§4.4).
func (e *Engine) OnVote(h chain.Header, voterID string, signature []byte) {
	if err := e.cfg.Verifier.Verify(h.Hash, signature, []byte(voterID)); err != nil {
		e.logger.Debugw("dropping vote with invalid signature", "voter", voterID, "error", err)
		return
	}
	e.recordVoteAndMaybeNotarize(h, voterID)
}

func (e *Engine) recordVoteAndMaybeNotarize(h chain.Header, voterID string) {
	_, newlyNotarized := e.votes.Record(h.Hash, voterID)
	if !newlyNotarized {
		return
	}
	e.finishNotarization(h.Hash)
}

// finishNotarization marks d notarized in the Chain Store and
// announces it, tolerating the case where the block body hasn't
// arrived yet (§7 Unknown): the notarization is retried later, either
// by checkLateNotarize once the body arrives via PROPOSE, or directly
// by OnEchoNotarize/OnResponseMissingBlocks.
func (e *Engine) finishNotarization(d digest.Digest) {
	if err := e.store.Notarize(d); err != nil {
		e.logger.Debugw("notarization deferred: block body not yet known", "digest", d)
		return
	}
	if block, ok := e.store.Get(d); ok {
		if err := e.transport.BroadcastEchoNotarize(block); err != nil {
			e.logger.Warnw("broadcast echo-notarize failed", "error", err)
		}
	}
	e.emitFinalized()
}

// OnEchoNotarize handles a laggard-notification of notarization.
func (e *Engine) OnEchoNotarize(block *chain.Block) {
	if err := e.store.Insert(block); err != nil {
		if err == chain.ErrInvalidParent {
			// a later recovery round will backfill; nothing to notarize yet.
			return
		}
		e.logger.Debugw("echo-notarize insert rejected", "epoch", block.Epoch, "error", err)
	}
	if err := e.store.Notarize(block.Hash); err != nil {
		e.logger.Warnw("notarize on echo-notarize failed", "error", err)
		return
	}
	e.emitFinalized()
}

// OnEchoTransaction handles mempool gossip.
func (e *Engine) OnEchoTransaction(tx chain.Transaction, epoch uint64) {
	if err := e.mempool.Add(tx, epoch); err != nil {
		e.logger.Debugw("dropped echoed transaction", "tx_id", tx.TxID, "error", err)
	}
}

// OnQueryMissingBlocks answers a recovery pull (§4.6).
func (e *Engine) OnQueryMissingBlocks(lastEpoch uint64, sender string) {
	tip := e.store.LongestNotarizedTip()
	if tip == nil {
		return
	}
	var missing []*chain.Block
	for ep := lastEpoch + 1; ep <= tip.Epoch; ep++ {
		for _, b := range e.store.BlocksAtEpoch(ep) {
			if e.store.IsNotarized(b.Hash) {
				missing = append(missing, b)
			}
		}
	}
	if err := e.transport.SendResponseMissingBlocks(sender, missing); err != nil {
		e.logger.Warnw("send response-missing-blocks failed", "to", sender, "error", err)
	}
}

// OnResponseMissingBlocks applies a recovery push (§4.6), inserting in
// length order so parent links resolve, then re-notarizing (peers only
// ever send blocks they themselves notarized).
func (e *Engine) OnResponseMissingBlocks(blocks []*chain.Block) {
	sorted := make([]*chain.Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Length < sorted[j].Length })

	for _, b := range sorted {
		if err := e.store.Insert(b); err != nil {
			e.logger.Debugw("skipping recovery block", "epoch", b.Epoch, "error", err)
			continue
		}
		if err := e.store.Notarize(b.Hash); err != nil {
			e.logger.Debugw("notarize during recovery failed", "epoch", b.Epoch, "error", err)
		}
	}
	e.emitFinalized()
}

func (e *Engine) bufferConfusion(epoch uint64, block *chain.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.confusionBuffer[epoch] {
		if existing.Hash == block.Hash {
			return
		}
	}
	e.confusionBuffer[epoch] = append(e.confusionBuffer[epoch], block)
}

// resolveConfusion implements the resolution step (§4.3): at
// c_start+c_duration, rebroadcast every proposal buffered during
// confusion so lagging participants can notarize them.
func (e *Engine) resolveConfusion() {
	e.mu.Lock()
	buffered := e.confusionBuffer
	e.confusionBuffer = make(map[uint64][]*chain.Block)
	e.mu.Unlock()

	for _, blocks := range buffered {
		for _, b := range blocks {
			if err := e.transport.BroadcastPropose(b); err != nil {
				e.logger.Warnw("resolution-step rebroadcast failed", "epoch", b.Epoch, "error", err)
			}
		}
	}
}

func (e *Engine) emitFinalized() {
	prefix := e.store.FinalizedPrefix()

	e.mu.Lock()
	if len(prefix) <= e.lastFinalizedCount {
		e.mu.Unlock()
		return
	}
	newBlocks := append([]*chain.Block(nil), prefix[e.lastFinalizedCount:]...)
	e.lastFinalizedCount = len(prefix)
	e.mu.Unlock()

	if e.sink != nil {
		e.sink.OnFinalized(newBlocks)
	}
}

func (e *Engine) currentEpochSnapshot() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentEpoch
}

// Snapshot is a point-in-time, read-only view of engine state for
// introspection consumers (the admin feed). It is safe to call from
// any goroutine.
type Snapshot struct {
	NodeID        string
	CurrentEpoch  uint64
	ChainTip      digest.Digest
	ChainLength   uint64
	FinalizedTips uint64
}

// Snapshot returns the engine's current state for display. It takes
// no part in the consensus protocol itself.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	epoch := e.currentEpoch
	e.mu.Unlock()

	tip := e.store.LongestNotarizedTip()
	s := Snapshot{NodeID: e.cfg.NodeID, CurrentEpoch: epoch, FinalizedTips: uint64(len(e.store.FinalizedPrefix()))}
	if tip != nil {
		s.ChainTip = tip.Hash
		s.ChainLength = tip.Length
	}
	return s
}
