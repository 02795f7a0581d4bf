// Package adminws is a thin, read-only introspection feed: it
// upgrades HTTP connections to a websocket and pushes periodic
// snapshots of node id, current epoch, chain tip and length, and
// finalized-block count to any connected operator tooling. It has no
// part in consensus itself.
package adminws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Source supplies the state a Feed publishes. consensus.Engine
// satisfies this structurally via its Snapshot method.
type Source interface {
	Snapshot() Snapshot
}

// Snapshot mirrors consensus.Engine's Snapshot shape so this package
// does not need to import internal/consensus.
type Snapshot struct {
	NodeID        string `json:"node_id"`
	CurrentEpoch  uint64 `json:"current_epoch"`
	ChainTip      string `json:"chain_tip"`
	ChainLength   uint64 `json:"chain_length"`
	FinalizedTips uint64 `json:"finalized_count"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed periodically polls a Source and fans its Snapshot out to every
// connected websocket client.
type Feed struct {
	source Source
	period time.Duration
	logger *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewFeed constructs a Feed that polls source every period.
func NewFeed(source Source, period time.Duration, logger *zap.SugaredLogger) *Feed {
	return &Feed{
		source:  source,
		period:  period,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
		quit:    make(chan struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection to receive future broadcasts. The connection is
// write-only from the server's perspective; any inbound frames are
// read and discarded purely to detect client disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warnw("admin feed upgrade failed", "error", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()

	if err := conn.WriteJSON(f.source.Snapshot()); err != nil {
		f.drop(conn)
		return
	}

	go f.readUntilClosed(conn)
}

func (f *Feed) readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.drop(conn)
			return
		}
	}
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.clients, conn)
	f.mu.Unlock()
	conn.Close()
}

// Run broadcasts a fresh snapshot to every connected client every
// period, until Stop is called.
func (f *Feed) Run() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.period)
		defer ticker.Stop()
		for {
			select {
			case <-f.quit:
				return
			case <-ticker.C:
				f.broadcast(f.source.Snapshot())
			}
		}
	}()
}

// Stop halts the broadcast loop and closes every connected client.
func (f *Feed) Stop() {
	close(f.quit)
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.clients {
		conn.Close()
		delete(f.clients, conn)
	}
}

func (f *Feed) broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		f.logger.Warnw("admin feed marshal failed", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(f.clients, conn)
		}
	}
}
