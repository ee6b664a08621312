package link

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/PAXECT-Interface/paxect-link-plugin/auditlog"
	"github.com/PAXECT-Interface/paxect-link-plugin/envelope"
	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
)

const (
	// dedupCap bounds the seen-id set; on overflow the most recent
	// dedupKeep ids are retained.
	dedupCap  = 10000
	dedupKeep = 5000
)

// Node is the relay router: it owns the transports, the peer
// registry, the routing table and the dedup set, and dispatches every
// envelope the transports deliver.
type Node struct {
	cfg    *Config
	id     *Identity
	policy *PolicyStore
	log    *auditlog.Logger

	events    chan *Event
	inboxChan chan *envelope.Envelope

	peers  *registry
	routes *routeTable
	seen   *dedup

	fs  *fsTransport
	tcp *tcpTransport
}

// dedup is the bounded set of handled message ids.
type dedup struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

func newDedup() *dedup {
	return &dedup{ids: make(map[string]struct{})}
}

// check records id and reports whether it was already present.
func (d *dedup) check(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return true
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > dedupCap {
		drop := d.order[:len(d.order)-dedupKeep]
		d.order = append([]string(nil), d.order[len(d.order)-dedupKeep:]...)
		for _, old := range drop {
			delete(d.ids, old)
		}
	}
	return false
}

// NewNode assembles a router from loaded config, identity and policy.
func NewNode(cfg *Config, id *Identity, policy *PolicyStore, log *auditlog.Logger) *Node {
	n := &Node{
		cfg:    cfg,
		id:     id,
		policy: policy,
		log:    log,
		// Do not block on sending events; a slow consumer must not
		// stall the router.
		events:    make(chan *Event, 10000),
		inboxChan: make(chan *envelope.Envelope, 10000),
		peers:     newRegistry(),
		routes:    newRouteTable(),
		seen:      newDedup(),
	}
	n.fs = newFSTransport(cfg.SharedDir, id.NodeID, n.inboxChan, log)
	pol := policy.Snapshot()
	if pol.EnableSocket && cfg.SocketPort > 0 {
		n.tcp = newTCPTransport(cfg.SocketHost, cfg.SocketPort, n.inboxChan, log)
	}
	return n
}

// NodeID returns the local node id.
func (n *Node) NodeID() string { return n.id.NodeID }

// Events returns the channel of overlay events.
func (n *Node) Events() <-chan *Event { return n.events }

// Run starts the transports and the router workers and blocks until
// ctx is cancelled. Shutdown is cooperative: loops observe ctx
// between iterations.
func (n *Node) Run(ctx context.Context) error {
	started := make([]transport, 0, 2)
	for _, tr := range n.transports() {
		if err := tr.start(); err != nil {
			for _, s := range started {
				s.stop()
			}
			return fmt.Errorf("%s transport: %w", tr.name(), err)
		}
		started = append(started, tr)
	}
	n.log.Event("info", "start", n.id.NodeID, "", "node running")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { n.handler(ctx); return nil })
	g.Go(func() error { n.discoveryLoop(ctx); return nil })
	if n.policy.Snapshot().EnableRouting {
		g.Go(func() error { n.heartbeatLoop(ctx); return nil })
	}
	g.Wait()

	n.shutdown()
	return nil
}

// shutdown announces the exit best-effort and stops the transports.
func (n *Node) shutdown() {
	bye := envelope.New(envelope.Data, n.id.NodeID, envelope.Broadcast, []byte(`{"disconnect": true}`))
	bye.AddHop(n.id.NodeID)
	n.broadcastSend(bye)

	for _, tr := range n.transports() {
		tr.stop()
	}
	n.log.Event("info", "stop", n.id.NodeID, "", "node stopped")
}

// transports lists the enabled transports, socket first.
func (n *Node) transports() []transport {
	out := make([]transport, 0, 2)
	if n.tcp != nil {
		out = append(out, n.tcp)
	}
	return append(out, n.fs)
}

// handler is the dispatch loop: every incoming envelope from any
// transport passes through here exactly once.
func (n *Node) handler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-n.inboxChan:
			n.handle(env)
		}
	}
}

// handle applies the dispatch rule to one incoming envelope.
func (n *Node) handle(env *envelope.Envelope) {
	// Repeats are dropped silently
	if n.seen.check(env.ID) {
		return
	}

	// Any received message is proof of life
	n.peers.touch(env.Source)

	local := n.id.NodeID
	if env.Destination != envelope.Broadcast && env.Destination != local {
		// Addressed elsewhere: forward, never deliver locally
		if env.CanForward() && !env.HasHop(local) {
			env.AddHop(local)
			n.routeMessage(env)
		}
		return
	}

	switch env.Type {
	case envelope.Handshake:
		n.handleHandshake(env, true)
	case envelope.Ack:
		n.handleHandshake(env, false)
	case envelope.Heartbeat:
		n.handleHeartbeat(env)
	case envelope.Route:
		n.handleRoute(env)
	case envelope.Data:
		n.handleData(env)
	}

	// A broadcast DATA keeps flooding with split-horizon until its
	// TTL or hop budget runs out.
	if env.Type == envelope.Data && env.Destination == envelope.Broadcast &&
		env.CanForward() && !env.HasHop(local) {
		env.AddHop(local)
		n.broadcastSend(env)
	}
}

// handshakePayload is the HANDSHAKE/ACK body: the sender's public
// info plus an optional signed manifest.
type handshakePayload struct {
	peerInfo
	Manifest *Manifest `json:"manifest,omitempty"`
}

// handleHandshake admits a peer from a HANDSHAKE or ACK and installs
// the direct route. Only a HANDSHAKE is answered.
func (n *Node) handleHandshake(env *envelope.Envelope, reply bool) {
	var hp handshakePayload
	if err := json.Unmarshal(env.Payload, &hp); err != nil || hp.NodeID == "" {
		return
	}
	if hp.NodeID != env.Source {
		// Identity in the payload must match the envelope source
		return
	}

	pol := n.policy.Snapshot()
	if pol.RequireSig && n.cfg.HMACKey != "" && !n.peers.has(hp.NodeID) {
		if hp.Manifest == nil || !VerifyManifest(hp.Manifest, n.cfg.HMACKey) {
			n.log.Event("warn", "handshake_reject", hp.NodeID, "", "manifest signature missing or invalid")
			return
		}
	}

	n.peers.upsert(hp.peerInfo)
	n.routes.add(env.Source, env.Source, 1)
	n.log.Event("info", "handshake", env.Source, n.id.NodeID, hp.Hostname)

	select {
	case n.events <- &Event{eventType: EventPeerEnter, sender: hp.NodeID, name: hp.Hostname}:
	default:
	}

	if reply {
		ack := envelope.New(envelope.Ack, n.id.NodeID, env.Source, n.localPayload())
		ack.AddHop(n.id.NodeID)
		if p, ok := n.peers.get(env.Source); ok {
			n.sendToPeer(p, ack)
		}
	}
}

// heartbeatBody distinguishes probes from replies so two nodes do not
// ping-pong forever.
type heartbeatBody struct {
	Pong bool `json:"pong,omitempty"`
}

// handleHeartbeat answers a probe; liveness itself was already
// recorded by the touch in handle.
func (n *Node) handleHeartbeat(env *envelope.Envelope) {
	var hb heartbeatBody
	json.Unmarshal(env.Payload, &hb)
	if hb.Pong {
		return
	}
	body, _ := json.Marshal(heartbeatBody{Pong: true})
	pong := envelope.New(envelope.Heartbeat, n.id.NodeID, env.Source, body)
	pong.AddHop(n.id.NodeID)
	if p, ok := n.peers.get(env.Source); ok {
		n.sendToPeer(p, pong)
	}
}

// routePayload is the ROUTE gossip body.
type routePayload struct {
	Routes []routeAdvert `json:"routes"`
}

// handleRoute installs each advertised destination via the sender,
// one hop further away.
func (n *Node) handleRoute(env *envelope.Envelope) {
	var rp routePayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		return
	}
	for _, adv := range rp.Routes {
		if adv.Dest == n.id.NodeID || adv.Dest == "" {
			continue
		}
		n.routes.add(adv.Dest, env.Source, adv.Metric+1)
	}
}

// handleData surfaces a DATA envelope to the embedding application,
// or tears the peer down on a disconnect notice.
func (n *Node) handleData(env *envelope.Envelope) {
	var notice struct {
		Disconnect bool `json:"disconnect"`
	}
	if json.Unmarshal(env.Payload, &notice) == nil && notice.Disconnect {
		p, _ := n.peers.get(env.Source)
		n.routes.removeVia(env.Source)
		n.peers.remove(env.Source)
		select {
		case n.events <- &Event{eventType: EventPeerExit, sender: env.Source, name: p.Hostname}:
		default:
		}
		return
	}

	p, _ := n.peers.get(env.Source)
	select {
	case n.events <- &Event{eventType: EventData, sender: env.Source, name: p.Hostname, msgID: env.ID, msg: env.Payload}:
	default:
	}
}

// Send routes payload to the destination node as a DATA envelope.
func (n *Node) Send(destination string, payload []byte) {
	env := envelope.New(envelope.Data, n.id.NodeID, destination, payload)
	env.AddHop(n.id.NodeID)
	n.seen.check(env.ID)
	n.routeMessage(env)
}

// Broadcast floods payload to every reachable peer.
func (n *Node) Broadcast(payload []byte) {
	env := envelope.New(envelope.Data, n.id.NodeID, envelope.Broadcast, payload)
	env.AddHop(n.id.NodeID)
	n.seen.check(env.ID)
	n.broadcastSend(env)
}

// routeMessage picks the outbound path: direct peer, then a live
// route's next hop, then degrade to broadcast.
func (n *Node) routeMessage(env *envelope.Envelope) {
	if env.Destination != envelope.Broadcast {
		if p, ok := n.peers.get(env.Destination); ok {
			n.sendToPeer(p, env)
			return
		}
		if r, ok := n.routes.get(env.Destination); ok {
			// The next hop must still be a registered peer; if it
			// vanished the route is useless and we flood instead.
			if p, ok := n.peers.get(r.nextHop); ok {
				n.sendToPeer(p, env)
				return
			}
		}
		env.Destination = envelope.Broadcast
	}
	n.broadcastSend(env)
}

// broadcastSend fans out to the current peer snapshot, skipping any
// peer the envelope already visited.
func (n *Node) broadcastSend(env *envelope.Envelope) {
	for _, p := range n.peers.snapshot() {
		if env.HasHop(p.NodeID) {
			continue
		}
		n.sendToPeer(p, env)
	}
}

// sendToPeer marshals and sends with the per-peer transport
// preference: TCP when the peer has a socket address, filesystem
// otherwise or on failure.
func (n *Node) sendToPeer(p peer, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if n.tcp != nil && p.SockAddr != "" {
		if err := n.tcp.send(p, data); err == nil {
			return nil
		}
		n.peers.fail(p.NodeID)
	}
	if err := n.fs.send(p, data); err != nil {
		n.peers.fail(p.NodeID)
		n.log.Event("warn", "transport_send_fail", n.id.NodeID, p.NodeID, err.Error())
		return err
	}
	return nil
}

// localPayload builds the HANDSHAKE/ACK body announcing this node.
func (n *Node) localPayload() []byte {
	info := handshakePayload{peerInfo: n.localInfo()}
	if n.cfg.HMACKey != "" {
		payload := map[string]any{
			"datetime_utc": osutil.NowUTC(),
			"node":         n.id.Hostname,
			"node_id":      n.id.NodeID,
			"platform":     n.id.Platform,
			"version":      Version,
		}
		if sig, err := SignManifest(payload, n.cfg.HMACKey); err == nil {
			info.Manifest = &Manifest{Payload: payload, HMACSHA256: sig}
		}
	}
	data, _ := json.Marshal(&info)
	return data
}

// localInfo is the public identity of this node as peers see it.
func (n *Node) localInfo() peerInfo {
	info := peerInfo{
		NodeID:    n.id.NodeID,
		Hostname:  n.id.Hostname,
		PublicKey: n.id.PublicKey,
		FSInbox:   n.fs.inboxDir,
	}
	if n.tcp != nil {
		if addr := n.tcp.addr(); addr != "" {
			// Advertise the routable IP, not the bind address
			if _, port, err := net.SplitHostPort(addr); err == nil {
				info.SocketAddr = fmt.Sprintf("%s:%s", osutil.LocalIP(), port)
			}
		}
	}
	return info
}
