package link

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PAXECT-Interface/paxect-link-plugin/auditlog"
)

// fakeCodec writes a copy-through collaborator script honoring the
// "<mode> -i <in> -o <out>" contract, so encode-then-decode is the
// identity.
func fakeCodec(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
in=""
out=""
shift
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2;;
    -o) out="$2"; shift 2;;
    *) shift;;
  esac
done
[ -n "$in" ] && [ -n "$out" ] || exit 2
cp "$in" "$out"
`
	path := filepath.Join(t.TempDir(), "fake_codec.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// failCodec always exits non-zero.
func failCodec(t *testing.T) string {
	t.Helper()
	script := "#!/bin/sh\necho broken >&2\nexit 1\n"
	path := filepath.Join(t.TempDir(), "fail_codec.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestPipeline(t *testing.T, mutate func(*Config, *Policy)) (*pipeline, *Config) {
	t.Helper()
	base := t.TempDir()
	cfg := DefaultConfig(base)
	cfg.CoreCmd = fakeCodec(t)
	require.NoError(t, cfg.EnsureDirs())

	pol := defaultPolicy()
	if mutate != nil {
		mutate(cfg, &pol)
	}
	store := &PolicyStore{path: cfg.PolicyPath, policy: pol}
	require.NoError(t, store.persist())

	log := auditlog.New(cfg.LogPath, "debug", 1<<20, Version)
	t.Cleanup(func() { log.Close() })

	p, err := newPipeline(cfg, store, log)
	require.NoError(t, err)
	return p, cfg
}

func logSummary(t *testing.T, cfg *Config) *auditlog.Summary {
	t.Helper()
	f, err := os.Open(cfg.LogPath)
	require.NoError(t, err)
	defer f.Close()
	s, err := auditlog.Summarize(f)
	require.NoError(t, err)
	return s
}

func TestSingleNodeRoundTrip(t *testing.T) {
	p, cfg := newTestPipeline(t, nil)
	content := []byte("PAXECT Link Demo 01\n")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "hello.txt"), content, 0o644))

	ctx := context.Background()

	// First pass encodes
	p.scan(ctx)
	freq := filepath.Join(cfg.Inbox, "hello.txt.freq")
	assert.FileExists(t, freq)
	assert.FileExists(t, freq+".sha256")

	// The sidecar holds the artifact digest, lowercase hex + newline
	side, err := os.ReadFile(freq + ".sha256")
	require.NoError(t, err)
	digest, err := fileSHA256(freq)
	require.NoError(t, err)
	assert.Equal(t, digest+"\n", string(side))

	// Second pass delivers
	p.scan(ctx)
	out := filepath.Join(cfg.Outbox, "hello.txt")
	require.FileExists(t, out)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got, "round-trip must be byte-for-byte identity")

	// auto_delete cleaned up the artifacts
	assert.NoFileExists(t, filepath.Join(cfg.Inbox, "hello.txt"))
	assert.NoFileExists(t, freq)
	assert.NoFileExists(t, freq+".sha256")

	s := logSummary(t, cfg)
	assert.Equal(t, 1, s.Events["encode"])
	assert.Equal(t, 1, s.Events["decode"])
}

func TestChecksumMismatchLeavesFile(t *testing.T) {
	p, cfg := newTestPipeline(t, nil)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "bad.freq"), []byte("arbitrary"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "bad.freq.sha256"), []byte("deadbeef\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "ok.txt"), []byte("fine\n"), 0o644))

	ctx := context.Background()
	p.scan(ctx) // bad.freq rejected, ok.txt encoded
	p.scan(ctx) // ok.txt.freq delivered

	assert.FileExists(t, filepath.Join(cfg.Outbox, "ok.txt"))
	assert.NoFileExists(t, filepath.Join(cfg.Outbox, "bad"))
	// The corrupt artifact stays for operator triage
	assert.FileExists(t, filepath.Join(cfg.Inbox, "bad.freq"))

	s := logSummary(t, cfg)
	assert.Equal(t, 1, s.Events["checksum_mismatch"])
	assert.Equal(t, 1, s.Events["decode"])
}

func TestChecksumMatchAccepted(t *testing.T) {
	p, cfg := newTestPipeline(t, nil)

	content := []byte("verified payload")
	sum := sha256.Sum256(content)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "good.txt.freq"), content, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "good.txt.freq.sha256"),
		[]byte(hex.EncodeToString(sum[:])+"\n"), 0o644))

	p.scan(context.Background())
	assert.FileExists(t, filepath.Join(cfg.Outbox, "good.txt"))
}

func TestPolicyBlockSuffix(t *testing.T) {
	p, cfg := newTestPipeline(t, func(_ *Config, pol *Policy) {
		pol.AllowedSuffixes = []string{".txt", ".freq"}
	})

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "blocked.exe"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "ok.txt"), []byte("yes\n"), 0o644))

	ctx := context.Background()
	p.scan(ctx)
	p.scan(ctx)

	assert.FileExists(t, filepath.Join(cfg.Inbox, "blocked.exe"), "blocked file left in place")
	assert.NoFileExists(t, filepath.Join(cfg.Outbox, "blocked"))
	assert.FileExists(t, filepath.Join(cfg.Outbox, "ok.txt"))

	s := logSummary(t, cfg)
	assert.Equal(t, 1, s.Events["policy_block"], "blocked once, not per poll")
	assert.Equal(t, 1, s.Levels["warn"])
}

func TestPolicyBlockQuarantine(t *testing.T) {
	p, cfg := newTestPipeline(t, func(_ *Config, pol *Policy) {
		pol.AllowedSuffixes = []string{".txt", ".freq"}
		pol.QuarantineOnPolicyBlock = true
	})

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "evil.bin.exe"), []byte("nope"), 0o644))
	p.scan(context.Background())

	assert.NoFileExists(t, filepath.Join(cfg.Inbox, "evil.bin.exe"))
	assert.FileExists(t, filepath.Join(cfg.BaseDir, "quarantine", "evil.bin.exe"))
}

func TestUntrustedHostBlocksEverything(t *testing.T) {
	p, cfg := newTestPipeline(t, func(_ *Config, pol *Policy) {
		pol.TrustedNodes = []string{"somebody-else"}
	})

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "any.txt"), []byte("x"), 0o644))
	p.scan(context.Background())

	assert.NoFileExists(t, filepath.Join(cfg.Inbox, "any.txt.freq"))
	s := logSummary(t, cfg)
	assert.Equal(t, 1, s.Events["policy_block"])
}

func TestEncodeErrorBacksOff(t *testing.T) {
	p, cfg := newTestPipeline(t, nil)
	p.core = newCoreCodec(failCodec(t))

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "stuck.txt"), []byte("x"), 0o644))

	ctx := context.Background()
	p.scan(ctx)
	// Second scan inside the backoff window must not retry
	p.scan(ctx)

	s := logSummary(t, cfg)
	assert.Equal(t, 1, s.Events["encode_error"])
	// File left for retry
	assert.FileExists(t, filepath.Join(cfg.Inbox, "stuck.txt"))
}

func TestAEADChainRoundTrip(t *testing.T) {
	codec := fakeCodec(t)
	p, cfg := newTestPipeline(t, func(cfg *Config, pol *Policy) {
		pol.EnableAEAD = true
		cfg.AEADCmd = codec
		cfg.AEADPass = "sesame"
	})

	content := []byte("secret bytes\n")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, "note.txt"), content, 0o644))

	ctx := context.Background()
	p.scan(ctx)
	assert.FileExists(t, filepath.Join(cfg.Inbox, "note.txt.aead.freq"))

	p.scan(ctx)
	out := filepath.Join(cfg.Outbox, "note.txt")
	require.FileExists(t, out)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	s := logSummary(t, cfg)
	assert.Equal(t, 1, s.Events["aead_encrypt"])
	assert.Equal(t, 1, s.Events["aead_decrypt"])
}

func TestSkipsPartialAndHiddenFiles(t *testing.T) {
	p, cfg := newTestPipeline(t, nil)

	for _, name := range []string{".hidden.txt", "x.txt.part", "y.txt.tmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Inbox, name), []byte("x"), 0o644))
	}
	p.scan(context.Background())

	entries, err := os.ReadDir(cfg.Inbox)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "nothing consumed, nothing produced")
}
