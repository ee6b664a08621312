package link

// transport moves marshaled envelopes to a peer. Incoming envelopes
// are parsed by the transport and pushed onto the node's inbox
// channel; sending never blocks past the transport's own timeouts.
type transport interface {
	name() string
	start() error
	send(p peer, data []byte) error
	stop()
}
