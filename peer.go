package link

import (
	"sync"
	"time"
)

// Liveness bounds: a peer silent past peerExpired is dead and gets
// evicted by the heartbeat loop.
const peerExpired = 15 * time.Second

// peer holds what this node knows about one other node. Fields are
// only touched under the registry lock.
type peer struct {
	NodeID    string
	Hostname  string
	PublicKey string
	SockAddr  string // host:port, empty when the peer has no listener
	FSInbox   string // transport inbox path from the presence file
	lastSeen  time.Time
	failures  int
}

// peerInfo is the public identity exchanged in HANDSHAKE/ACK
// payloads and rendezvous entries.
type peerInfo struct {
	NodeID     string `json:"node_id"`
	Hostname   string `json:"hostname"`
	PublicKey  string `json:"public_key"`
	SocketAddr string `json:"socket_addr,omitempty"`
	FSInbox    string `json:"fs_inbox,omitempty"`
}

// registry is the set of known peers, guarded by its own mutex. No
// caller holds this lock together with the route table lock.
type registry struct {
	mu    sync.Mutex
	peers map[string]*peer
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*peer)}
}

// upsert creates or updates the peer for info and refreshes its
// liveness stamp. Empty fields in info never erase known values.
func (r *registry) upsert(info peerInfo) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[info.NodeID]
	if !ok {
		p = &peer{NodeID: info.NodeID}
		r.peers[info.NodeID] = p
	}
	if info.Hostname != "" {
		p.Hostname = info.Hostname
	}
	if info.PublicKey != "" {
		p.PublicKey = info.PublicKey
	}
	if info.SocketAddr != "" {
		p.SockAddr = info.SocketAddr
	}
	if info.FSInbox != "" {
		p.FSInbox = info.FSInbox
	}
	p.lastSeen = time.Now()
	return p
}

// touch refreshes the liveness stamp of a known peer.
func (r *registry) touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.lastSeen = time.Now()
	}
}

// get returns a copy of the peer, so callers never hold peer state
// outside the lock.
func (r *registry) get(nodeID string) (peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return peer{}, false
	}
	return *p, true
}

// fail bumps the peer's failure counter.
func (r *registry) fail(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.failures++
	}
}

// remove drops the peer.
func (r *registry) remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nodeID)
}

// snapshot returns copies of all peers.
func (r *registry) snapshot() []peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// expired returns the ids of peers silent past the liveness bound.
func (r *registry) expired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, p := range r.peers {
		if now.Sub(p.lastSeen) > peerExpired {
			out = append(out, id)
		}
	}
	return out
}

func (r *registry) has(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[nodeID]
	return ok
}
