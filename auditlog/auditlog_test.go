package auditlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e), "every line must be valid JSON")
		out = append(out, e)
	}
	return out
}

func TestEventSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	l := New(path, "info", 1<<20, "2.1.0")
	defer l.Close()

	l.Event("info", "encode", "hello.txt", "hello.txt.freq", "sha256=abc")
	l.Event("warn", "policy_block", "blocked.exe", "", "suffix not allowed")
	l.Event("error", "checksum_mismatch", "bad.freq", "", "")

	entries := readEntries(t, path)
	require.Len(t, entries, 3)

	assert.Equal(t, "encode", entries[0].Event)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "ok", entries[0].Status)
	assert.Equal(t, "hello.txt", entries[0].Src)
	assert.Equal(t, "hello.txt.freq", entries[0].Dst)
	assert.Equal(t, "2.1.0", entries[0].Version)
	assert.True(t, strings.HasSuffix(entries[0].DatetimeUTC, "UTC"))

	assert.Equal(t, "policy_block", entries[1].Event)
	assert.Equal(t, "warn", entries[1].Level)
	assert.Equal(t, "warn", entries[1].Status)

	assert.Equal(t, "checksum_mismatch", entries[2].Event)
	assert.Equal(t, "error", entries[2].Level)
	assert.Equal(t, "error", entries[2].Status)
}

func TestLevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	l := New(path, "warn", 1<<20, "2.1.0")
	defer l.Close()

	l.Info("discovery", "dropped")
	l.Warn("policy_block", "kept")
	l.Error("decode_error", "kept")

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "policy_block", entries[0].Event)
	assert.Equal(t, "decode_error", entries[1].Event)
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	l := New(path, "error", 1<<20, "2.1.0")
	defer l.Close()

	l.Info("handshake", "dropped")
	l.SetLevel("debug")
	l.Event("debug", "poll", "", "", "kept")

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "poll", entries[0].Event)
}

func TestSummarize(t *testing.T) {
	in := strings.Join([]string{
		`{"datetime_utc":"2026-01-01 00:00:00 UTC","level":"info","event":"encode","status":"ok","version":"2.1.0"}`,
		`{"datetime_utc":"2026-01-01 00:00:01 UTC","level":"info","event":"decode","status":"ok","version":"2.1.0"}`,
		`{"datetime_utc":"2026-01-01 00:00:02 UTC","level":"warn","event":"policy_block","status":"warn","version":"2.1.0"}`,
		`not json at all`,
		`{"datetime_utc":"2026-01-01 00:00:03 UTC","level":"info","event":"encode","status":"ok","version":"2.1.0"}`,
	}, "\n")

	s, err := Summarize(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Lines)
	assert.Equal(t, 2, s.Events["encode"])
	assert.Equal(t, 1, s.Events["policy_block"])
	assert.Equal(t, 3, s.Levels["info"])
	assert.Equal(t, 1, s.Levels["warn"])
}
