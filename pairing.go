package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/PAXECT-Interface/paxect-link-plugin/rendezvous"
)

// acceptWait bounds how long a sharer waits for the connector.
const acceptWait = 300 * time.Second

// acceptPollInterval is how often the sharer polls for the
// acceptance entry.
const acceptPollInterval = 2 * time.Second

// ErrPairingTimeout means the sharer's code was never accepted.
var ErrPairingTimeout = errors.New("pairing timed out")

// Pairing drives the wormhole exchange on top of a rendezvous
// backend. The sharer publishes a code; the connector looks it up,
// trusts the sharer, answers at <code>-accept and removes the code;
// the sharer picks up the acceptance, trusts back and removes both
// entries.
type Pairing struct {
	backend rendezvous.Backend
	id      *Identity
	policy  *PolicyStore
	expiry  time.Duration
}

// NewPairing wires a pairing flow for this node.
func NewPairing(backend rendezvous.Backend, id *Identity, policy *PolicyStore, expiry time.Duration) *Pairing {
	if expiry <= 0 {
		expiry = rendezvous.DefaultExpiry
	}
	return &Pairing{backend: backend, id: id, policy: policy, expiry: expiry}
}

func (pr *Pairing) entry(code string, sockAddr string) rendezvous.Code {
	now := time.Now()
	return rendezvous.Code{
		Code:       code,
		NodeID:     pr.id.NodeID,
		Hostname:   pr.id.Hostname,
		PublicKey:  pr.id.PublicKey,
		SocketAddr: sockAddr,
		CreatedAt:  float64(now.Unix()),
		ExpiresAt:  float64(now.Add(pr.expiry).Unix()),
	}
}

// Share publishes a fresh wormhole code and returns it.
func (pr *Pairing) Share(sockAddr string) (string, error) {
	code := rendezvous.NewToken()
	if err := pr.backend.Publish(pr.entry(code, sockAddr)); err != nil {
		return "", err
	}
	return code, nil
}

// WaitAccept polls for the connector's acceptance of code. On
// success the connector is trusted and both rendezvous entries are
// removed. The code entry is cleaned up on timeout too.
func (pr *Pairing) WaitAccept(code string) (*rendezvous.Code, error) {
	deadline := time.Now().Add(acceptWait)
	acceptKey := code + "-accept"
	for time.Now().Before(deadline) {
		accept, err := pr.backend.Lookup(acceptKey)
		if err == nil {
			if err := pr.policy.Trust(accept.NodeID, accept.Hostname); err != nil {
				return nil, err
			}
			pr.backend.Remove(code)
			pr.backend.Remove(acceptKey)
			return accept, nil
		}
		if !errors.Is(err, rendezvous.ErrNotFound) && !errors.Is(err, rendezvous.ErrExpired) {
			return nil, err
		}
		time.Sleep(acceptPollInterval)
	}
	pr.backend.Remove(code)
	return nil, ErrPairingTimeout
}

// Connect redeems a code published by another node: trusts the
// sharer, publishes the acceptance entry and removes the original
// code.
func (pr *Pairing) Connect(code string, sockAddr string) (*rendezvous.Code, error) {
	shared, err := pr.backend.Lookup(code)
	if err != nil {
		if errors.Is(err, rendezvous.ErrExpired) {
			pr.backend.Remove(code)
			return nil, fmt.Errorf("pairing code %s: %w", code, rendezvous.ErrExpired)
		}
		return nil, err
	}
	if err := pr.policy.Trust(shared.NodeID, shared.Hostname); err != nil {
		return nil, err
	}
	if err := pr.backend.Publish(pr.entry(code+"-accept", sockAddr)); err != nil {
		return nil, err
	}
	if err := pr.backend.Remove(code); err != nil {
		return nil, err
	}
	return shared, nil
}
