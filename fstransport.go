package link

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PAXECT-Interface/paxect-link-plugin/auditlog"
	"github.com/PAXECT-Interface/paxect-link-plugin/envelope"
	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
	"github.com/PAXECT-Interface/paxect-link-plugin/presence"
)

// fsPollInterval is how often the transport inbox is drained.
const fsPollInterval = 500 * time.Millisecond

// fsTransport exchanges envelopes as .msg blobs in per-node inbox
// directories under the shared dir. Delivery within one sender is
// FIFO because messages are read in name order and each name carries
// the sender's node id followed by its zero-padded send counter.
type fsTransport struct {
	sharedDir string
	nodeID    string
	inboxDir  string
	inbox     chan<- *envelope.Envelope
	log       *auditlog.Logger

	quit chan struct{}
	wg   sync.WaitGroup

	mu  sync.Mutex
	seq uint64
}

func newFSTransport(sharedDir, nodeID string, inbox chan<- *envelope.Envelope, log *auditlog.Logger) *fsTransport {
	return &fsTransport{
		sharedDir: sharedDir,
		nodeID:    nodeID,
		inboxDir:  presence.InboxDir(sharedDir, nodeID),
		inbox:     inbox,
		log:       log,
		quit:      make(chan struct{}),
	}
}

func (t *fsTransport) name() string { return "fs" }

// start publishes the presence file and begins draining the local
// transport inbox.
func (t *fsTransport) start() error {
	if _, err := presence.Publish(t.sharedDir, t.nodeID); err != nil {
		return err
	}
	t.wg.Add(1)
	go t.pollLoop()
	return nil
}

func (t *fsTransport) pollLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(fsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			t.drain()
		}
	}
}

// drain reads every .msg blob once. A blob that fails to parse is
// removed and ignored; a good blob is removed after it is handed to
// the router so a crash re-delivers rather than loses it.
func (t *fsTransport) drain() {
	entries, err := os.ReadDir(t.inboxDir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".msg") {
			names = append(names, e.Name())
		}
	}
	for _, name := range names {
		path := filepath.Join(t.inboxDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		env, err := envelope.Unmarshal(data)
		if err != nil {
			t.log.Warn("malformed_envelope", name)
			os.Remove(path)
			continue
		}
		select {
		case t.inbox <- env:
			os.Remove(path)
		case <-t.quit:
			return
		}
	}
}

// send writes the marshaled envelope atomically into the peer's
// transport inbox. The name carries a local sequence number after the
// node id so one sender's messages keep their order in the name sort.
func (t *fsTransport) send(p peer, data []byte) error {
	dir := p.FSInbox
	if dir == "" {
		dir = presence.InboxDir(t.sharedDir, p.NodeID)
	}
	if _, err := os.Stat(dir); err != nil {
		return errors.New("peer has no transport inbox")
	}
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	name := filepath.Join(dir, fsMsgName(t.nodeID, seq))
	return osutil.WriteFileAtomic(name, data, 0o644)
}

func fsMsgName(nodeID string, seq uint64) string {
	// 16 digits keep the name sort equal to the send order
	return strings.ReplaceAll(nodeID, string(filepath.Separator), "_") +
		"-" + padSeq(seq) + ".msg"
}

func padSeq(seq uint64) string {
	const digits = 16
	s := make([]byte, digits)
	for i := digits - 1; i >= 0; i-- {
		s[i] = byte('0' + seq%10)
		seq /= 10
	}
	return string(s)
}

// stop halts the poll loop and retracts the presence file.
func (t *fsTransport) stop() {
	close(t.quit)
	t.wg.Wait()
	presence.Remove(t.sharedDir, t.nodeID)
}
