// Package link implements the PAXECT link daemon: an autonomous relay
// that bridges inbox/outbox directories between peer nodes. Files are
// transformed through an external codec chain and envelopes travel
// over pluggable transports with discovery, heartbeats and TTL-bounded
// routing.
package link

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PAXECT-Interface/paxect-link-plugin/auditlog"
	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
	"github.com/PAXECT-Interface/paxect-link-plugin/rendezvous"
)

// Version is stamped into every audit line, manifest and --version.
const Version = "2.1.0"

// Link bundles one node's daemon state: lock, policy, identity,
// audit log, router and file pipeline.
type Link struct {
	cfg    *Config
	id     *Identity
	policy *PolicyStore
	log    *auditlog.Logger
	node   *Node
	pipe   *pipeline
	lock   *InstanceLock
}

// Open acquires the single-instance lock and loads everything the
// daemon needs. ErrLockHeld is returned untouched so callers can
// exit politely.
func Open(cfg *Config) (*Link, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	lock, err := AcquireLock(cfg.LockPath)
	if err != nil {
		return nil, err
	}

	policy, err := LoadPolicy(cfg.PolicyPath)
	if err != nil {
		lock.Release()
		return nil, err
	}
	id, err := LoadIdentity(cfg.IdentityFile)
	if err != nil {
		lock.Release()
		return nil, err
	}
	pol := policy.Snapshot()
	log := auditlog.New(cfg.LogPath, pol.LogLevel, cfg.LogMaxBytes, Version)

	pipe, err := newPipeline(cfg, policy, log)
	if err != nil {
		log.Close()
		lock.Release()
		return nil, err
	}

	l := &Link{
		cfg:    cfg,
		id:     id,
		policy: policy,
		log:    log,
		node:   NewNode(cfg, id, policy, log),
		pipe:   pipe,
		lock:   lock,
	}

	if cfg.HMACKey != "" {
		payload := map[string]any{
			"datetime_utc": osutil.NowUTC(),
			"node":         id.Hostname,
			"node_id":      id.NodeID,
			"platform":     id.Platform,
			"inbox":        cfg.Inbox,
			"outbox":       cfg.Outbox,
			"version":      Version,
		}
		if err := WriteManifest(cfg.ManifestPath, payload, cfg.HMACKey); err != nil {
			log.Warn("manifest_write_error", err.Error())
		}
	}
	return l, nil
}

// Run starts the router and the file pipeline and blocks until ctx is
// cancelled.
func (l *Link) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.node.Run(ctx) })
	g.Go(func() error { l.pipe.run(ctx); return nil })
	return g.Wait()
}

// Close releases the lock and the audit log.
func (l *Link) Close() {
	l.log.Close()
	l.lock.Release()
}

// NodeID returns the persistent node id.
func (l *Link) NodeID() string { return l.id.NodeID }

// Identity returns the node's public identity record.
func (l *Link) Identity() *Identity { return l.id }

// Policy returns the policy store.
func (l *Link) Policy() *PolicyStore { return l.policy }

// Events returns the overlay event channel.
func (l *Link) Events() <-chan *Event { return l.node.Events() }

// Send routes payload to a destination node id.
func (l *Link) Send(destination string, payload []byte) { l.node.Send(destination, payload) }

// Broadcast floods payload to all reachable peers.
func (l *Link) Broadcast(payload []byte) { l.node.Broadcast(payload) }

// RendezvousBackend picks the configured backend: HTTP when a URL is
// set, the shared file otherwise.
func (c *Config) RendezvousBackend() rendezvous.Backend {
	if c.RendezvousURL != "" {
		return rendezvous.NewHTTPBackend(c.RendezvousURL)
	}
	return rendezvous.NewFileBackend(c.RendezvousFile)
}

// Pairing returns the wormhole pairing flow for this node.
func (l *Link) Pairing() *Pairing {
	return NewPairing(l.cfg.RendezvousBackend(), l.id, l.policy,
		time.Duration(l.cfg.CodeExpirySec)*time.Second)
}

// SocketAddr returns the advertised TCP address, empty when the
// socket transport is disabled.
func (l *Link) SocketAddr() string {
	return l.node.localInfo().SocketAddr
}
