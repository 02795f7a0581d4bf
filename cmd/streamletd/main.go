// Command streamletd runs one participant of a Streamlet consensus
// network: it loads the shared launch configuration, wires the Chain
// Store, Vote Tracker, Mempool, Consensus Engine, Transport Router,
// and persisted-state adapter together, then runs until signaled to
// stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nimbusledger/streamlet/internal/chain"
	"github.com/nimbusledger/streamlet/internal/config"
	"github.com/nimbusledger/streamlet/internal/consensus"
	"github.com/nimbusledger/streamlet/internal/crypto"
	"github.com/nimbusledger/streamlet/internal/digest"
	"github.com/nimbusledger/streamlet/internal/logging"
	"github.com/nimbusledger/streamlet/internal/mempool"
	"github.com/nimbusledger/streamlet/internal/metrics"
	"github.com/nimbusledger/streamlet/internal/storage"
	"github.com/nimbusledger/streamlet/internal/transport"
	"github.com/nimbusledger/streamlet/internal/transport/adminws"
	"github.com/nimbusledger/streamlet/internal/votes"

	realclock "github.com/benbjohnson/clock"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nodeID     string
		port       int
		rejoin     bool
		configPath  string
		logLevel    string
		metricsAddr string
		adminAddr   string
	)

	cmd := &cobra.Command{
		Use:   "streamletd",
		Short: "streamletd runs one participant of a Streamlet consensus network.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.Participant{
				NodeID:     nodeID,
				Port:       port,
				Rejoin:     rejoin,
				ConfigPath: configPath,
			}, logLevel, metricsAddr, adminAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&nodeID, "node-id", "", "this participant's id, matching an index into the launch config's ports list")
	flags.IntVar(&port, "port", 0, "TCP port this participant listens on (overrides the launch config entry if non-zero)")
	flags.BoolVar(&rejoin, "rejoin", false, "run the recovery bootstrap before entering the epoch loop")
	flags.StringVar(&configPath, "config", "launch.json", "path to the launch configuration file")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	flags.StringVar(&adminAddr, "admin-addr", "", "if set, serve a read-only admin websocket feed on this address (e.g. :9200)")
	cmd.MarkFlagRequired("node-id")

	return cmd
}

func run(p config.Participant, logLevel, metricsAddr, adminAddr string) error {
	logger, err := logging.New(logLevel, p.NodeID)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Sync()

	if err := logging.TuneGOMAXPROCS(logger); err != nil {
		logger.Warnw("failed to tune GOMAXPROCS", "error", err)
	}

	launch, err := config.LoadLaunch(p.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading launch config: %w", err)
	}

	selfIndex, err := strconv.Atoi(p.NodeID)
	if err != nil || selfIndex < 0 || selfIndex >= launch.NumNodes {
		return fmt.Errorf("node-id must be an index in [0, %d), got %q", launch.NumNodes, p.NodeID)
	}

	port := p.Port
	if port == 0 {
		port = launch.Ports[selfIndex]
	}

	startTime, err := launch.ParseStartTime()
	if err != nil {
		return fmt.Errorf("parsing start_time: %w", err)
	}

	peerNames := make([]string, launch.NumNodes)
	for i := range peerNames {
		peerNames[i] = strconv.Itoa(i)
	}

	var peers []transport.Peer
	for i, otherPort := range launch.Ports {
		if i == selfIndex {
			continue
		}
		peers = append(peers, transport.Peer{
			ID:   strconv.Itoa(i),
			Addr: fmt.Sprintf("127.0.0.1:%d", otherPort),
		})
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, p.NodeID)

	hasher := digest.NewBlake3Hasher()
	genesis := chain.NewGenesisBlock(hasher)
	store := chain.NewStore(genesis)
	tracker := metrics.WrapVoteTracker(votes.NewTracker(votes.Quorum(launch.NumNodes)), m)
	mp := mempool.New(store, logger.Named("mempool"))

	signer := crypto.HashOnlySigner{NodeID: p.NodeID}
	verifier := crypto.HashOnlyVerifier{}

	statePath := fmt.Sprintf("chain_%s.db", p.NodeID)
	persisted, err := storage.Open(statePath, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("opening persisted state: %w", err)
	}
	defer persisted.Close()

	var lastEpoch uint64
	if epoch, loadErr := persisted.LoadLastEpoch(); loadErr == nil {
		lastEpoch = epoch
	} else if loadErr != storage.ErrNotFound {
		return fmt.Errorf("loading last epoch: %w", loadErr)
	}

	engineLogger := logger.Named("consensus")
	sink := metrics.WrapSink(persisted, m)

	var router *transport.Router
	engineCfg := consensus.Config{
		NodeID:    p.NodeID,
		NodeIndex: selfIndex,
		Peers:     peerNames,
		Schedule: consensus.ScheduleConfig{
			NumNodes:          launch.NumNodes,
			Seed:              launch.Seed,
			ConfusionStart:    launch.ConfusionStart,
			ConfusionDuration: launch.ConfusionDuration,
		},
		Delta:       launch.Delta(),
		StartTime:   startTime,
		TotalEpochs: launch.TotalEpochs,
		Rejoin:      p.Rejoin,
		LastEpoch:   lastEpoch,
		Signer:      signer,
		Verifier:    verifier,
	}

	var engine *consensus.Engine
	router = transport.NewRouter(p.NodeID, fmt.Sprintf("0.0.0.0:%d", port), peers, handlerFunc(func() transport.Handler { return engine }), logger.Named("transport"))
	wrappedTransport := metrics.WrapTransport(router, m)
	epochObserver := metrics.WrapEpochObserver(m)
	engine = consensus.New(engineCfg, store, tracker, mp, hasher, wrappedTransport, sink, epochObserver, realclock.New(), engineLogger)

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, reg, logger.Named("metrics"))
	}

	var feed *adminws.Feed
	if adminAddr != "" {
		feed = adminws.NewFeed(engineSnapshotSource{engine}, time.Second, logger.Named("adminws"))
		feed.Run()
		defer feed.Stop()
		go serveAdmin(adminAddr, feed, logger.Named("adminws"))
	}

	if err := router.Start(); err != nil {
		return fmt.Errorf("starting transport router: %w", err)
	}
	defer router.Stop()

	if err := engine.Start(); err != nil {
		return fmt.Errorf("starting consensus engine: %w", err)
	}
	defer engine.Stop()

	logger.Infow("participant started", "node_id", p.NodeID, "port", port, "peers", len(peers))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Infow("shutdown signal received, stopping")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger interface{ Errorw(string, ...interface{}) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorw("metrics server exited", "error", err)
	}
}

func serveAdmin(addr string, feed *adminws.Feed, logger interface{ Errorw(string, ...interface{}) }) {
	mux := http.NewServeMux()
	mux.Handle("/admin/ws", feed)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorw("admin feed server exited", "error", err)
	}
}

// engineSnapshotSource adapts consensus.Engine's Snapshot to
// adminws.Source's return type, keeping internal/transport/adminws
// free of a dependency on internal/consensus.
type engineSnapshotSource struct {
	engine *consensus.Engine
}

func (s engineSnapshotSource) Snapshot() adminws.Snapshot {
	snap := s.engine.Snapshot()
	return adminws.Snapshot{
		NodeID:        snap.NodeID,
		CurrentEpoch:  snap.CurrentEpoch,
		ChainTip:      snap.ChainTip.String(),
		ChainLength:   snap.ChainLength,
		FinalizedTips: snap.FinalizedTips,
	}
}

// handlerFunc resolves the transport.Handler lazily: the Router and
// Engine are constructed in sequence but refer to each other, so the
// Router is given an indirection that reads engine only once Start is
// called (after both variables are assigned above).
type handlerFunc func() transport.Handler

func (h handlerFunc) OnPropose(block *chain.Block, sender string) { h().OnPropose(block, sender) }
func (h handlerFunc) OnVote(hdr chain.Header, voterID string, signature []byte) {
	h().OnVote(hdr, voterID, signature)
}
func (h handlerFunc) OnEchoNotarize(block *chain.Block) { h().OnEchoNotarize(block) }
func (h handlerFunc) OnEchoTransaction(tx chain.Transaction, epoch uint64) {
	h().OnEchoTransaction(tx, epoch)
}
func (h handlerFunc) OnQueryMissingBlocks(lastEpoch uint64, sender string) {
	h().OnQueryMissingBlocks(lastEpoch, sender)
}
func (h handlerFunc) OnResponseMissingBlocks(blocks []*chain.Block) {
	h().OnResponseMissingBlocks(blocks)
}
