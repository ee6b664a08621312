package link

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PAXECT-Interface/paxect-link-plugin/rendezvous"
)

func newPairingFixture(t *testing.T, backend rendezvous.Backend) (*Pairing, *PolicyStore) {
	t.Helper()
	dir := t.TempDir()
	id, err := LoadIdentity(filepath.Join(dir, "identity.json"))
	require.NoError(t, err)
	policy, err := LoadPolicy(filepath.Join(dir, "policy.json"))
	require.NoError(t, err)
	return NewPairing(backend, id, policy, time.Minute), policy
}

func TestPairingExchange(t *testing.T) {
	backend := rendezvous.NewFileBackend(filepath.Join(t.TempDir(), "rendezvous.json"))

	sharer, sharerPolicy := newPairingFixture(t, backend)
	connector, connectorPolicy := newPairingFixture(t, backend)

	code, err := sharer.Share("")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{1,3}-[a-z]+-[a-z]+$`), code)

	shared, err := connector.Connect(code, "")
	require.NoError(t, err)
	assert.Equal(t, sharer.id.NodeID, shared.NodeID)

	// Connector now trusts the sharer by node id and hostname
	pol := connectorPolicy.Snapshot()
	assert.True(t, pol.IsTrusted(sharer.id.NodeID))
	assert.True(t, pol.IsTrusted(sharer.id.Hostname))

	// The original code is gone, the acceptance is waiting
	_, err = backend.Lookup(code)
	assert.ErrorIs(t, err, rendezvous.ErrNotFound)

	accept, err := sharer.WaitAccept(code)
	require.NoError(t, err)
	assert.Equal(t, connector.id.NodeID, accept.NodeID)

	pol = sharerPolicy.Snapshot()
	assert.True(t, pol.IsTrusted(connector.id.NodeID))
	assert.True(t, pol.IsTrusted(connector.id.Hostname))

	// Neither entry survives the exchange
	_, err = backend.Lookup(code)
	assert.ErrorIs(t, err, rendezvous.ErrNotFound)
	_, err = backend.Lookup(code + "-accept")
	assert.ErrorIs(t, err, rendezvous.ErrNotFound)
}

func TestConnectUnknownCode(t *testing.T) {
	backend := rendezvous.NewFileBackend(filepath.Join(t.TempDir(), "rendezvous.json"))
	connector, _ := newPairingFixture(t, backend)

	_, err := connector.Connect("1-no-such", "")
	assert.ErrorIs(t, err, rendezvous.ErrNotFound)
}

func TestConnectExpiredCode(t *testing.T) {
	backend := rendezvous.NewFileBackend(filepath.Join(t.TempDir(), "rendezvous.json"))
	sharer, _ := newPairingFixture(t, backend)
	connector, _ := newPairingFixture(t, backend)

	// Publish with a lifetime already in the past
	sharer.expiry = -time.Minute
	code, err := sharer.Share("")
	require.NoError(t, err)

	_, err = connector.Connect(code, "")
	assert.ErrorIs(t, err, rendezvous.ErrExpired)
}
