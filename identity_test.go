package link

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityCreatedOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link_identity.json")

	id, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.NotEmpty(t, id.NodeID)
	assert.NotEmpty(t, id.Hostname)
	assert.NotEmpty(t, id.Platform)

	key, err := base64.StdEncoding.DecodeString(id.PublicKey)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// The node id never changes across restarts
	again, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, id.NodeID, again.NodeID)
	assert.Equal(t, id.PublicKey, again.PublicKey)
}

func TestIdentityCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link_identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, err := LoadIdentity(path)
	assert.Error(t, err, "a node must not silently mint a new identity")
}
