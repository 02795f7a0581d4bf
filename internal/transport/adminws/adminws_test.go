package adminws

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type stubSource struct{ snap Snapshot }

func (s stubSource) Snapshot() Snapshot { return s.snap }

type mutableSource struct {
	mu   sync.Mutex
	snap Snapshot
}

func (s *mutableSource) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *mutableSource) set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func TestFeedPushesSnapshotOnConnect(t *testing.T) {
	feed := NewFeed(stubSource{snap: Snapshot{NodeID: "A", CurrentEpoch: 3}}, time.Hour, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(feed.ServeHTTP))
	defer srv.Close()
	defer feed.Stop()

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got Snapshot
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.NodeID != "A" || got.CurrentEpoch != 3 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestFeedBroadcastsPeriodically(t *testing.T) {
	source := &mutableSource{snap: Snapshot{NodeID: "A", CurrentEpoch: 1}}
	feed := NewFeed(source, 20*time.Millisecond, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(feed.ServeHTTP))
	defer srv.Close()
	feed.Run()
	defer feed.Stop()

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}

	source.set(Snapshot{NodeID: "A", CurrentEpoch: 2})

	var second Snapshot
	for i := 0; i < 10; i++ {
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		if err := conn.ReadJSON(&second); err != nil {
			t.Fatalf("read: %v", err)
		}
		if second.CurrentEpoch == 2 {
			return
		}
	}
	t.Fatalf("expected to observe updated epoch 2, last saw %+v", second)
}
