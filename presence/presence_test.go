package presence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishScanRemove(t *testing.T) {
	shared := t.TempDir()

	recA, err := Publish(shared, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", recA.NodeID)
	assert.DirExists(t, recA.Inbox)

	_, err = Publish(shared, "node-b")
	require.NoError(t, err)

	// A scanning excludes itself
	records, err := Scan(shared, "node-a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "node-b", records[0].NodeID)
	assert.Equal(t, InboxDir(shared, "node-b"), records[0].Inbox)

	require.NoError(t, Remove(shared, "node-b"))
	records, err = Scan(shared, "node-a")
	require.NoError(t, err)
	assert.Empty(t, records)

	// Removing twice is fine
	require.NoError(t, Remove(shared, "node-b"))
}

func TestScanSkipsGarbage(t *testing.T) {
	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "junk.presence"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "unrelated.txt"), []byte("x"), 0o644))

	records, err := Scan(shared, "me")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestScanMissingDir(t *testing.T) {
	records, err := Scan(filepath.Join(t.TempDir(), "nope"), "me")
	require.NoError(t, err)
	assert.Empty(t, records)
}
