package tcp

import (
	"container/list"
	"sync"

	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// connPool tracks connected peers in the order their connections were
// registered, most recent first, so a new connection at capacity can
// evict the peer registered longest ago (§4.3 TCP specifics). Only
// registering a connection (inbound or outbound) moves a peer to the
// front; Send and received frames do not. Not grounded on a single pack
// file — a standard container/list + map LRU idiom (see DESIGN.md).
type connPool struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	elems    map[transport.PeerID]*list.Element
}

func newConnPool(capacity int) *connPool {
	return &connPool{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[transport.PeerID]*list.Element),
	}
}

// touch moves peer to the front, adding it if absent. If adding peer
// pushes the pool over capacity, touch removes the back entry and returns
// it with ok true; otherwise it returns "" and false.
func (p *connPool) touch(peer transport.PeerID) (evict transport.PeerID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, exists := p.elems[peer]; exists {
		p.order.MoveToFront(el)
		return "", false
	}

	el := p.order.PushFront(peer)
	p.elems[peer] = el

	if p.capacity <= 0 || p.order.Len() <= p.capacity {
		return "", false
	}

	back := p.order.Back()
	if back == nil {
		return "", false
	}
	evicted := back.Value.(transport.PeerID)
	p.order.Remove(back)
	delete(p.elems, evicted)
	return evicted, true
}

func (p *connPool) remove(peer transport.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.elems[peer]; ok {
		p.order.Remove(el)
		delete(p.elems, peer)
	}
}

func (p *connPool) peers() []transport.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]transport.PeerID, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(transport.PeerID))
	}
	return out
}
