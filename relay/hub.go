package relay

import (
	"sort"
	"sync"

	"telecore/pkg/socket"
)

// peer is one authenticated connection. mu orders the writes to it: the
// handshake frames are written with mu held, so nothing routed to a newly
// joined peer can overtake them.
type peer struct {
	userID string
	socket socket.Socket

	mu sync.Mutex
}

// hub indexes the connected peers by user id. A user has at most one peer;
// a newer connection replaces the older one.
type hub struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func newHub() *hub {
	return &hub{peers: make(map[string]*peer)}
}

// join registers p and returns the peer it replaced, if any, along with the
// other users online at that moment in order.
func (h *hub) join(p *peer) (*peer, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.peers[p.userID]
	h.peers[p.userID] = p
	return old, h.sorted(p.userID)
}

// leave removes p unless it was already replaced.
func (h *hub) leave(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.userID] != p {
		return false
	}
	delete(h.peers, p.userID)
	return true
}

func (h *hub) find(userID string) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[userID]
	return p, ok
}

// online returns the connected user ids in order, without except.
func (h *hub) online(except string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sorted(except)
}

func (h *hub) sorted(except string) []string {
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (h *hub) others(except string) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]*peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != except {
			peers = append(peers, p)
		}
	}
	return peers
}
