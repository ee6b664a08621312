package link

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PAXECT-Interface/paxect-link-plugin/envelope"
)

// heartbeatInterval is the liveness probe and route gossip period.
const heartbeatInterval = 5 * time.Second

// heartbeatLoop probes every peer, evicts the dead and gossips the
// route table. It only runs when policy enable_routing is set.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.heartbeatOnce()
		}
	}
}

func (n *Node) heartbeatOnce() {
	for _, p := range n.peers.snapshot() {
		hb := envelope.New(envelope.Heartbeat, n.id.NodeID, p.NodeID, nil)
		hb.AddHop(n.id.NodeID)
		n.seen.check(hb.ID)
		n.sendToPeer(p, hb)
	}

	// Evict peers silent past the liveness bound
	for _, id := range n.peers.expired(time.Now()) {
		p, _ := n.peers.get(id)
		n.log.Event("warn", "peer_dead", id, "", fmt.Sprintf("[DEAD] %s silent beyond %s", id, peerExpired))
		n.routes.removeVia(id)
		n.peers.remove(id)
		select {
		case n.events <- &Event{eventType: EventPeerExit, sender: id, name: p.Hostname}:
		default:
		}
	}

	// Advertise ourselves plus every live route, one hop further
	adverts := append([]routeAdvert{{Dest: n.id.NodeID, Metric: 0}}, n.routes.sweep()...)
	body, err := json.Marshal(routePayload{Routes: adverts})
	if err != nil {
		return
	}
	gossip := envelope.New(envelope.Route, n.id.NodeID, envelope.Broadcast, body)
	gossip.AddHop(n.id.NodeID)
	n.seen.check(gossip.ID)
	n.broadcastSend(gossip)
}
