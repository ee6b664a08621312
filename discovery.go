package link

import (
	"context"
	"time"

	"github.com/PAXECT-Interface/paxect-link-plugin/envelope"
	"github.com/PAXECT-Interface/paxect-link-plugin/presence"
)

// discoveryInterval is the presence scan period.
const discoveryInterval = 5 * time.Second

// discoveryLoop scans the shared directory for presence files and
// opens a handshake toward every node we have not met yet. A peer
// walks Unknown -> Discovered (presence seen) -> Pending (HANDSHAKE
// sent) -> Paired (ACK received); the heartbeat loop handles Dead and
// Evicted.
func (n *Node) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	n.discoverOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.discoverOnce()
		}
	}
}

func (n *Node) discoverOnce() {
	records, err := presence.Scan(n.cfg.SharedDir, n.id.NodeID)
	if err != nil {
		return
	}
	for _, rec := range records {
		if n.peers.has(rec.NodeID) {
			// Keep the transport inbox fresh in case the peer moved
			n.peers.upsert(peerInfo{NodeID: rec.NodeID, FSInbox: rec.Inbox})
			continue
		}
		n.peers.upsert(peerInfo{NodeID: rec.NodeID, FSInbox: rec.Inbox})
		p, _ := n.peers.get(rec.NodeID)
		hs := envelope.New(envelope.Handshake, n.id.NodeID, rec.NodeID, n.localPayload())
		hs.AddHop(n.id.NodeID)
		n.seen.check(hs.ID)
		n.sendToPeer(p, hs)
		n.log.Event("debug", "discovery", n.id.NodeID, rec.NodeID, "presence seen, handshake sent")
	}
}
