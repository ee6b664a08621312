package link

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data/node1")
	assert.Equal(t, "/data/node1/inbox", cfg.Inbox)
	assert.Equal(t, "/data/node1/outbox", cfg.Outbox)
	assert.Equal(t, "0.0.0.0", cfg.SocketHost)
	assert.Equal(t, 0, cfg.SocketPort, "TCP disabled by default")
	assert.Equal(t, 2.0, cfg.PollSec)
	assert.Equal(t, 5.0, cfg.BackoffSec)
	assert.Equal(t, int64(5<<20), cfg.LogMaxBytes)
	assert.Equal(t, 300, cfg.CodeExpirySec)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAXECT_LINK_INBOX", "/custom/in")
	t.Setenv("PAXECT_LINK_SOCKET_PORT", "7777")
	t.Setenv("PAXECT_LINK_POLL_SEC", "0.5")
	t.Setenv("PAXECT_LINK_LOG_MAX_BYTES", "1048576")
	t.Setenv("PAXECT_CORE", "python3 /opt/paxect_core.py")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/custom/in", cfg.Inbox)
	assert.Equal(t, 7777, cfg.SocketPort)
	assert.Equal(t, 0.5, cfg.PollSec)
	assert.Equal(t, int64(1<<20), cfg.LogMaxBytes)
	assert.Equal(t, "python3 /opt/paxect_core.py", cfg.CoreCmd)
}

func TestHistoricalEnvNames(t *testing.T) {
	t.Setenv("PAXECT_LINK_POLICY", "/etc/paxect/policy.json")
	t.Setenv("PAXECT_LINK_LOG", "/var/log/link.jsonl")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/etc/paxect/policy.json", cfg.PolicyPath)
	assert.Equal(t, "/var/log/link.jsonl", cfg.LogPath)
}

func TestConfigFileUnderEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_port = 9000
poll_sec = 1.5
hmac_key = "from-file"
`), 0o644))

	// Environment wins over the file
	t.Setenv("PAXECT_LINK_SOCKET_PORT", "9100")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.SocketPort)
	assert.Equal(t, 1.5, cfg.PollSec)
	assert.Equal(t, "from-file", cfg.HMACKey)
}

func TestEnsureDirs(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.Inbox)
	assert.DirExists(t, cfg.Outbox)
	assert.DirExists(t, cfg.SharedDir)
}
