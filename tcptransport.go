package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/PAXECT-Interface/paxect-link-plugin/auditlog"
	"github.com/PAXECT-Interface/paxect-link-plugin/envelope"
)

const (
	// tcpReadTimeout bounds idle reads on a live connection.
	tcpReadTimeout = 30 * time.Second

	// tcpDialTimeout bounds connection establishment.
	tcpDialTimeout = 5 * time.Second

	// tcpMaxFrame guards against absurd length prefixes.
	tcpMaxFrame = 64 << 20
)

// tcpTransport is the socket transport: one listener, one cached
// outbound connection per destination, 4-byte big-endian length
// framing around envelope bytes.
type tcpTransport struct {
	host  string
	port  int
	inbox chan<- *envelope.Envelope
	log   *auditlog.Logger

	ln   net.Listener
	quit chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	conns map[string]net.Conn // by peer node id
}

func newTCPTransport(host string, port int, inbox chan<- *envelope.Envelope, log *auditlog.Logger) *tcpTransport {
	return &tcpTransport{
		host:  host,
		port:  port,
		inbox: inbox,
		log:   log,
		quit:  make(chan struct{}),
		conns: make(map[string]net.Conn),
	}
}

func (t *tcpTransport) name() string { return "tcp" }

// addr returns the listener address once started.
func (t *tcpTransport) addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *tcpTransport) start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.host, t.port))
	if err != nil {
		return err
	}
	t.ln = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *tcpTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
			}
			continue
		}
		t.wg.Add(1)
		go t.recvLoop(conn)
	}
}

// recvLoop reads frames until the peer goes quiet past the idle
// timeout or the transport stops.
func (t *tcpTransport) recvLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	for {
		select {
		case <-t.quit:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
		data, err := readFrame(conn)
		if err != nil {
			return
		}
		env, err := envelope.Unmarshal(data)
		if err != nil {
			t.log.Warn("malformed_envelope", conn.RemoteAddr().String())
			continue
		}
		select {
		case t.inbox <- env:
		case <-t.quit:
			return
		}
	}
}

// send writes one frame to the peer, dialing lazily and keeping at
// most one outbound connection per destination. A write failure
// drops the cached connection so the next send reconnects.
func (t *tcpTransport) send(p peer, data []byte) error {
	if p.SockAddr == "" {
		return errors.New("peer has no socket address")
	}
	conn, err := t.conn(p)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, data); err != nil {
		t.drop(p.NodeID)
		return err
	}
	return nil
}

func (t *tcpTransport) conn(p peer) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[p.NodeID]; ok {
		return conn, nil
	}
	conn, err := net.DialTimeout("tcp", p.SockAddr, tcpDialTimeout)
	if err != nil {
		return nil, err
	}
	t.conns[p.NodeID] = conn
	return conn, nil
}

func (t *tcpTransport) drop(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[nodeID]; ok {
		conn.Close()
		delete(t.conns, nodeID)
	}
}

func (t *tcpTransport) stop() {
	close(t.quit)
	if t.ln != nil {
		t.ln.Close()
	}
	t.mu.Lock()
	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// writeFrame emits a 4-byte big-endian length then the bytes.
func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > tcpMaxFrame {
		return nil, errors.New("bad frame length")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
