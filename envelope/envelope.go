// Package envelope implements the framed unit of inter-node traffic.
//
// The wire format is a 2-byte big-endian header length, the canonical
// JSON header and then the raw payload bytes. The header keys are
// fixed in order {id, t, s, d, ttl, h, ts, pl} with no whitespace, so
// encoding is deterministic and a header round-trips bit-for-bit.
package envelope

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types carried in the header t field.
const (
	Data      = "DATA"
	Handshake = "HANDSHAKE"
	Ack       = "ACK"
	Heartbeat = "HEARTBEAT"
	Route     = "ROUTE"
)

const (
	// MaxHops bounds the hop list of any envelope.
	MaxHops = 32

	// DefaultTTL is assigned to newly created envelopes.
	DefaultTTL = MaxHops

	// Broadcast is the wildcard destination.
	Broadcast = "*"

	// maxHeader guards decoding against absurd header lengths.
	maxHeader = 64 * 1024
)

// ErrMalformed is returned when a buffer cannot be decoded as an
// envelope: truncated header, bad JSON or a payload length that
// disagrees with the remaining bytes.
var ErrMalformed = errors.New("malformed envelope")

// Envelope carries one message between nodes. Hops records every
// node id the envelope passed through, newest last.
type Envelope struct {
	ID          string
	Type        string
	Source      string
	Destination string
	TTL         int
	Hops        []string
	Timestamp   float64
	Payload     []byte
}

// header is the canonical JSON wire header. Field order is the wire
// key order; encoding/json preserves struct order.
type header struct {
	ID   string   `json:"id"`
	T    string   `json:"t"`
	S    string   `json:"s"`
	D    string   `json:"d"`
	TTL  int      `json:"ttl"`
	H    []string `json:"h"`
	TS   float64  `json:"ts"`
	PLen int      `json:"pl"`
}

// New creates an envelope of the given type with a fresh 8-char id
// and the default TTL.
func New(msgType, source, destination string, payload []byte) *Envelope {
	return &Envelope{
		ID:          NewID(),
		Type:        msgType,
		Source:      source,
		Destination: destination,
		TTL:         DefaultTTL,
		Hops:        []string{},
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		Payload:     payload,
	}
}

// NewID returns a fresh 8-character message id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Marshal serializes the envelope into the wire format.
func (e *Envelope) Marshal() ([]byte, error) {
	hops := e.Hops
	if hops == nil {
		hops = []string{}
	}
	h := header{
		ID:   e.ID,
		T:    e.Type,
		S:    e.Source,
		D:    e.Destination,
		TTL:  e.TTL,
		H:    hops,
		TS:   e.Timestamp,
		PLen: len(e.Payload),
	}
	hdr, err := json.Marshal(&h)
	if err != nil {
		return nil, err
	}
	if len(hdr) > maxHeader {
		return nil, ErrMalformed
	}
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(hdr)+len(e.Payload)))
	binary.Write(buf, binary.BigEndian, uint16(len(hdr)))
	buf.Write(hdr)
	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// Unmarshal decodes one envelope from data. The whole buffer must be
// consumed; a header length past the end of the buffer or a payload
// length echo that disagrees with the remaining bytes is ErrMalformed.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < 2 {
		return nil, ErrMalformed
	}
	hlen := int(binary.BigEndian.Uint16(data[:2]))
	if hlen == 0 || 2+hlen > len(data) {
		return nil, ErrMalformed
	}
	var h header
	if err := json.Unmarshal(data[2:2+hlen], &h); err != nil {
		return nil, ErrMalformed
	}
	payload := data[2+hlen:]
	if h.PLen != len(payload) {
		return nil, ErrMalformed
	}
	hops := h.H
	if hops == nil {
		hops = []string{}
	}
	e := &Envelope{
		ID:          h.ID,
		Type:        h.T,
		Source:      h.S,
		Destination: h.D,
		TTL:         h.TTL,
		Hops:        hops,
		Timestamp:   h.TS,
		Payload:     append([]byte(nil), payload...),
	}
	return e, nil
}

// AddHop records node as visited and burns one TTL unit. Adding a
// node already present in the hop list is a no-op so the hop list
// never holds duplicates.
func (e *Envelope) AddHop(node string) {
	if e.HasHop(node) {
		return
	}
	e.Hops = append(e.Hops, node)
	e.TTL--
}

// HasHop reports whether node already appears in the hop list.
func (e *Envelope) HasHop(node string) bool {
	for _, h := range e.Hops {
		if h == node {
			return true
		}
	}
	return false
}

// CanForward reports whether the envelope may travel another hop.
func (e *Envelope) CanForward() bool {
	return e.TTL > 0 && len(e.Hops) < MaxHops
}
