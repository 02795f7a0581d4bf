package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbusledger/streamlet/internal/chain"
)

var (
	ErrAlreadyRunning  = errors.New("transport router is already running")
	ErrUnknownPeer     = errors.New("unknown peer id")
	ErrListenFailed    = errors.New("failed to listen on address")
	ErrSendFailed      = errors.New("failed to send envelope to peer")
	ErrDialFailed      = errors.New("failed to dial peer")
)

const dialTimeout = 5 * time.Second

// Peer is one fixed participant's identity and address in the
// consensus membership (built from the §6 launch config "ports" list).
type Peer struct {
	ID   string
	Addr string
}

// Router is the Transport & Message Router (§4.4): it owns one
// listening socket plus one persistent connection per known peer
// (dialed by the side with the smaller id, accepted by the other),
// frames/unframes envelopes, deduplicates gossip, and dispatches
// inbound envelopes to a Handler. It satisfies consensus.Transport
// structurally.
type Router struct {
	selfID   string
	listenAt string
	peers    []Peer
	handler  Handler
	logger   *zap.SugaredLogger
	seen     *seenCache

	mu        sync.RWMutex
	conns     map[string]net.Conn // peer id -> live outbound connection
	listener  net.Listener
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRouter constructs a Router. handler receives dispatched inbound
// envelopes; peers must include every participant except selfID.
func NewRouter(selfID, listenAt string, peers []Peer, handler Handler, logger *zap.SugaredLogger) *Router {
	return &Router{
		selfID:   selfID,
		listenAt: listenAt,
		peers:    peers,
		handler:  handler,
		logger:   logger,
		seen:     newSeenCache(4096),
		conns:    make(map[string]net.Conn),
		quit:     make(chan struct{}),
	}
}

// Start opens the listening socket and begins dialing every known
// peer in the background. Idempotent.
func (r *Router) Start() error {
	var startErr error
	r.startOnce.Do(func() {
		ln, err := net.Listen("tcp", r.listenAt)
		if err != nil {
			startErr = fmt.Errorf("%w: %v", ErrListenFailed, err)
			return
		}
		r.listener = ln
		r.wg.Add(1)
		go r.acceptLoop()

		// The membership is fixed and known to every participant, so to
		// avoid each pair of peers opening two redundant connections
		// (one dialed from each side), only the lexicographically
		// smaller id initiates; the other accepts.
		for _, p := range r.peers {
			if r.selfID < p.ID {
				r.wg.Add(1)
				go r.maintainOutbound(p)
			}
		}
		r.logger.Infow("transport router listening", "addr", r.listenAt, "peer_count", len(r.peers))
	})
	return startErr
}

// Stop closes the listener and every connection, waiting for all
// router goroutines to exit. Idempotent.
func (r *Router) Stop() error {
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.listener != nil {
			r.listener.Close()
		}
		r.mu.Lock()
		for id, c := range r.conns {
			c.Close()
			delete(r.conns, id)
		}
		r.mu.Unlock()
		r.wg.Wait()
		r.logger.Infow("transport router stopped")
	})
	return nil
}

// maintainOutbound keeps a persistent connection to one peer open,
// redialing with a fixed backoff on failure until the router stops.
func (r *Router) maintainOutbound(p Peer) {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", p.Addr, dialTimeout)
		if err != nil {
			r.logger.Debugw("dial failed, retrying", "peer", p.ID, "addr", p.Addr, "error", err)
			select {
			case <-r.quit:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := r.writeHello(conn); err != nil {
			conn.Close()
			continue
		}
		r.setConn(p.ID, conn)
		r.logger.Infow("connected to peer", "peer", p.ID, "addr", p.Addr)
		r.readLoop(conn, p.ID) // blocks until the connection drops
		r.clearConn(p.ID, conn)
	}
}

// acceptLoop accepts inbound connections, each of which begins with a
// one-line hello naming the remote peer id. The consensus membership
// is a fixed, known set agreed on at launch, so identity exchange
// only needs this single line rather than a full peer-discovery
// handshake.
func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.quit:
				return
			default:
				r.logger.Warnw("accept failed", "error", err)
				continue
			}
		}
		r.wg.Add(1)
		go r.handleInbound(conn)
	}
}

func (r *Router) handleInbound(conn net.Conn) {
	defer r.wg.Done()
	corrID := uuid.NewString()
	peerID, err := r.readHello(conn)
	if err != nil {
		r.logger.Warnw("inbound handshake failed", "remote", conn.RemoteAddr(), "connection_id", corrID, "error", err)
		conn.Close()
		return
	}
	r.logger.Debugw("inbound connection established", "peer", peerID, "connection_id", corrID)
	r.setConn(peerID, conn)
	r.readLoop(conn, peerID)
	r.clearConn(peerID, conn)
}

func (r *Router) writeHello(conn net.Conn) error {
	_, err := fmt.Fprintf(conn, "%s\n", r.selfID)
	return err
}

func (r *Router) readHello(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	id := line[:len(line)-1]
	if id == "" {
		return "", fmt.Errorf("empty peer id in hello")
	}
	return id, nil
}

func (r *Router) setConn(peerID string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[peerID]; ok && existing != conn {
		existing.Close()
	}
	r.conns[peerID] = conn
}

func (r *Router) clearConn(peerID string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[peerID] == conn {
		delete(r.conns, peerID)
	}
}

// readLoop reads length-prefixed envelopes from conn until it errors
// or the router stops, dispatching each to handle.
func (r *Router) readLoop(conn net.Conn, peerID string) {
	reader := bufio.NewReaderSize(conn, 4096)
	for {
		select {
		case <-r.quit:
			return
		default:
		}
		data, err := readFramed(reader)
		if err != nil {
			if err != io.EOF {
				r.logger.Debugw("connection read error", "peer", peerID, "error", err)
			}
			return
		}
		env, err := Decode(data)
		if err != nil {
			r.logger.Warnw("dropping malformed envelope", "peer", peerID, "error", err)
			continue
		}
		r.dispatch(env)
	}
}

func readFramed(reader *bufio.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(reader, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	data := make([]byte, n)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeFramed(w io.Writer, data []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// dispatch implements §4.4 Dispatch: digest + seen-set check, then
// deliver to the handler, then (if this was not itself an ECHO)
// re-broadcast wrapped as one. An ECHO never triggers another ECHO,
// bounding gossip to one extra hop beyond the sender's own broadcast.
func (r *Router) dispatch(env *Envelope) {
	if r.seen.observe(digestOf(env)) {
		return
	}

	if env.Kind == KindEcho {
		var wrap EchoPayload
		if err := decodePayload(env.Payload, &wrap); err != nil {
			r.logger.Warnw("bad echo payload", "error", err)
			return
		}
		inner, err := Decode(wrap.Inner)
		if err != nil {
			r.logger.Warnw("bad echo inner envelope", "error", err)
			return
		}
		if r.seen.observe(digestOf(inner)) {
			return
		}
		r.deliver(inner)
		return
	}

	r.deliver(env)
	r.echoToOthers(env)
}

// deliver decodes the kind-specific payload and calls the matching
// Handler method.
func (r *Router) deliver(env *Envelope) {
	switch env.Kind {
	case KindPropose:
		var p ProposePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			r.logger.Warnw("bad propose payload", "error", err)
			return
		}
		r.handler.OnPropose(p.Block, env.SenderID)

	case KindVote:
		var p VotePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			r.logger.Warnw("bad vote payload", "error", err)
			return
		}
		r.handler.OnVote(p.Header, p.Voter, p.Signature)

	case KindEchoNotarize:
		var p EchoNotarizePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			r.logger.Warnw("bad echo-notarize payload", "error", err)
			return
		}
		r.handler.OnEchoNotarize(p.Block)

	case KindEchoTransaction:
		var p EchoTransactionPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			r.logger.Warnw("bad echo-transaction payload", "error", err)
			return
		}
		r.handler.OnEchoTransaction(p.Transaction, p.TargetEpoch)

	case KindQueryMissingBlocks:
		var p QueryMissingBlocksPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			r.logger.Warnw("bad query-missing-blocks payload", "error", err)
			return
		}
		r.handler.OnQueryMissingBlocks(p.LastEpoch, env.SenderID)

	case KindResponseMissingBlocks:
		var p ResponseMissingBlocksPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			r.logger.Warnw("bad response-missing-blocks payload", "error", err)
			return
		}
		r.handler.OnResponseMissingBlocks(p.Blocks)

	default:
		r.logger.Warnw("unknown envelope kind", "kind", env.Kind)
	}
}

// echoToOthers wraps env as an ECHO and forwards it to every connected
// peer except env's original sender and this router itself.
func (r *Router) echoToOthers(env *Envelope) {
	inner, err := Encode(env)
	if err != nil {
		return
	}
	payload, err := encodePayload(EchoPayload{Inner: inner})
	if err != nil {
		return
	}
	echo := &Envelope{Kind: KindEcho, SenderID: r.selfID, Payload: payload}
	data, err := Encode(echo)
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := make([]net.Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id == env.SenderID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		go func(conn net.Conn) {
			if err := writeFramed(conn, data); err != nil {
				r.logger.Debugw("echo relay write failed", "error", err)
			}
		}(c)
	}
}

func (r *Router) send(peerID string, env *Envelope) error {
	r.mu.RLock()
	conn, ok := r.conns[peerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := writeFramed(conn, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSendFailed, peerID, err)
	}
	return nil
}

func (r *Router) broadcast(env *Envelope) error {
	r.mu.RLock()
	conns := make(map[string]net.Conn, len(r.conns))
	for id, c := range r.conns {
		conns[id] = c
	}
	r.mu.RUnlock()

	data, err := Encode(env)
	if err != nil {
		return err
	}
	var firstErr error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, c := range conns {
		wg.Add(1)
		go func(peerID string, conn net.Conn) {
			defer wg.Done()
			if err := writeFramed(conn, data); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %s: %v", ErrSendFailed, peerID, err)
				}
				mu.Unlock()
			}
		}(id, c)
	}
	wg.Wait()
	return firstErr
}

// BroadcastPropose implements consensus.Transport.
func (r *Router) BroadcastPropose(block *chain.Block) error {
	payload, err := encodePayload(ProposePayload{Block: block})
	if err != nil {
		return err
	}
	return r.broadcast(&Envelope{Kind: KindPropose, SenderID: r.selfID, Payload: payload})
}

// BroadcastVote implements consensus.Transport.
func (r *Router) BroadcastVote(h chain.Header, voter string, signature []byte) error {
	payload, err := encodePayload(VotePayload{Header: h, Voter: voter, Signature: signature})
	if err != nil {
		return err
	}
	return r.broadcast(&Envelope{Kind: KindVote, SenderID: r.selfID, Payload: payload})
}

// BroadcastEchoNotarize implements consensus.Transport.
func (r *Router) BroadcastEchoNotarize(block *chain.Block) error {
	payload, err := encodePayload(EchoNotarizePayload{Block: block})
	if err != nil {
		return err
	}
	return r.broadcast(&Envelope{Kind: KindEchoNotarize, SenderID: r.selfID, Payload: payload})
}

// BroadcastEchoTransaction gossips one mempool transaction (§4.5).
func (r *Router) BroadcastEchoTransaction(tx chain.Transaction, targetEpoch uint64) error {
	payload, err := encodePayload(EchoTransactionPayload{Transaction: tx, TargetEpoch: targetEpoch})
	if err != nil {
		return err
	}
	return r.broadcast(&Envelope{Kind: KindEchoTransaction, SenderID: r.selfID, Payload: payload})
}

// BroadcastQueryMissingBlocks implements consensus.Transport.
func (r *Router) BroadcastQueryMissingBlocks(lastEpoch uint64) error {
	payload, err := encodePayload(QueryMissingBlocksPayload{LastEpoch: lastEpoch})
	if err != nil {
		return err
	}
	return r.broadcast(&Envelope{Kind: KindQueryMissingBlocks, SenderID: r.selfID, Payload: payload})
}

// SendResponseMissingBlocks implements consensus.Transport.
func (r *Router) SendResponseMissingBlocks(to string, blocks []*chain.Block) error {
	payload, err := encodePayload(ResponseMissingBlocksPayload{Blocks: blocks})
	if err != nil {
		return err
	}
	return r.send(to, &Envelope{Kind: KindResponseMissingBlocks, SenderID: r.selfID, Payload: payload})
}
