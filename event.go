package link

// EventType defines event type
type EventType int

// Event types surfaced to the embedding application.
const (
	EventPeerEnter EventType = iota + 1
	EventPeerExit
	EventData
)

// Converts EventType to string.
func (e EventType) String() string {
	switch e {
	case EventPeerEnter:
		return "EventPeerEnter"
	case EventPeerExit:
		return "EventPeerExit"
	case EventData:
		return "EventData"
	}

	return ""
}

// Event represents something that happened on the overlay: a peer
// entering or leaving, or a DATA envelope addressed to this node.
type Event struct {
	eventType EventType // Event type
	sender    string    // Sender node id
	name      string    // Sender hostname
	msgID     string    // Envelope id for a DATA event
	msg       []byte    // Payload for a DATA event
}

// Type returns event type, which is a EventType.
func (e *Event) Type() EventType {
	return e.eventType
}

// Sender returns the sending peer's node id as a string.
func (e *Event) Sender() string {
	return e.sender
}

// Name returns the sending peer's hostname as a string.
func (e *Event) Name() string {
	return e.name
}

// MsgID returns the envelope id of a DATA event.
func (e *Event) MsgID() string {
	return e.msgID
}

// Msg returns the incoming message payload.
func (e *Event) Msg() []byte {
	return e.msg
}
