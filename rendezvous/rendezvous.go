// Package rendezvous stores wormhole codes: short human-readable
// tokens a node publishes so one other node can bootstrap mutual
// trust. Two interchangeable backends exist, a JSON file for nodes
// that share a filesystem and an HTTP store for nodes that do not.
package rendezvous

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DefaultExpiry is the lifetime of a published code.
const DefaultExpiry = 300 * time.Second

var (
	// ErrNotFound is returned when a code is absent from the store.
	ErrNotFound = errors.New("code not found")

	// ErrExpired is returned when a code exists but its lifetime has
	// passed. Callers treat it like ErrNotFound but can report why.
	ErrExpired = errors.New("code expired")
)

// Code is one rendezvous entry: the token plus everything a peer
// needs to trust and reach the publisher.
type Code struct {
	Code       string  `json:"code"`
	NodeID     string  `json:"node_id"`
	Hostname   string  `json:"hostname"`
	PublicKey  string  `json:"public_key"`
	SocketAddr string  `json:"socket_addr,omitempty"`
	CreatedAt  float64 `json:"created_at"`
	ExpiresAt  float64 `json:"expires_at"`
}

// Expired reports whether the entry's lifetime has passed.
func (c *Code) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && float64(now.Unix()) > c.ExpiresAt
}

// Backend is a wormhole code store.
type Backend interface {
	Publish(c Code) error
	Lookup(code string) (*Code, error)
	Remove(code string) error
}

// NewToken generates a num-adjective-noun token. The numeric prefix
// comes from a cryptographic RNG so codes are not guessable on a
// lightly loaded store.
func NewToken() string {
	n, err := rand.Int(rand.Reader, big.NewInt(999))
	num := int64(1)
	if err == nil {
		num = n.Int64() + 1
	}
	return fmt.Sprintf("%d-%s-%s", num, pick(adjectives), pick(nouns))
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return words[0]
	}
	return words[n.Int64()]
}
