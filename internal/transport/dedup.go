package transport

import (
	"container/list"
	"sync"

	"github.com/nimbusledger/streamlet/internal/digest"
)

// seenCache is a bounded set of recently observed envelope digests,
// used to stop gossip relay from looping a message back through the
// mesh once every peer has already echoed it. Eviction is
// least-recently-inserted, which is sufficient here: once a quorum has
// formed at an epoch, older envelopes are never usefully re-relayed.
type seenCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[digest.Digest]*list.Element
}

func newSeenCache(capacity int) *seenCache {
	return &seenCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[digest.Digest]*list.Element),
	}
}

// observe records d and reports whether it had been seen before.
func (c *seenCache) observe(d digest.Digest) (alreadySeen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[d]; ok {
		return true
	}
	el := c.order.PushBack(d)
	c.index[d] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(digest.Digest))
	}
	return false
}
