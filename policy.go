package link

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
)

// Policy is the persisted admission configuration.
type Policy struct {
	Version                 string   `json:"version"`
	TrustedNodes            []string `json:"trusted_nodes"`
	AllowedSuffixes         []string `json:"allowed_suffixes"`
	MaxFileMB               int      `json:"max_file_mb"`
	RequireSig              bool     `json:"require_sig"`
	AutoDelete              bool     `json:"auto_delete"`
	LogLevel                string   `json:"log_level"`
	EnableSocket            bool     `json:"enable_socket"`
	EnableRouting           bool     `json:"enable_routing"`
	EnableAEAD              bool     `json:"enable_aead"`
	QuarantineOnPolicyBlock bool     `json:"quarantine_on_policy_block"`
}

// defaultPolicy trusts only the local host so a fresh node relays
// its own files until it is paired.
func defaultPolicy() Policy {
	return Policy{
		Version:         Version,
		TrustedNodes:    []string{osutil.Hostname(), "localhost"},
		AllowedSuffixes: []string{".txt", ".json", ".csv", ".bin", ".aead", ".freq"},
		MaxFileMB:       256,
		AutoDelete:      true,
		LogLevel:        "info",
		EnableSocket:    true,
		EnableRouting:   true,
	}
}

// PolicyStore owns the policy file. All reads go through Snapshot;
// mutations re-persist and are guarded by the store mutex.
type PolicyStore struct {
	mu     sync.Mutex
	path   string
	policy Policy
}

// LoadPolicy reads the policy at path, creating the default policy
// file on first run.
func LoadPolicy(path string) (*PolicyStore, error) {
	s := &PolicyStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s.policy = defaultPolicy()
		if err := s.persist(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s.policy); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	if s.policy.LogLevel == "" {
		s.policy.LogLevel = "info"
	}
	return s, nil
}

func (s *PolicyStore) persist() error {
	data, err := json.MarshalIndent(&s.policy, "", "  ")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(s.path, append(data, '\n'), 0o644)
}

// Reload re-reads the policy file, picking up edits made by a pairing
// exchange in another process.
func (s *PolicyStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.policy = p
	return nil
}

// Snapshot returns a consistent copy of the policy.
func (s *PolicyStore) Snapshot() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.policy
	p.TrustedNodes = append([]string(nil), s.policy.TrustedNodes...)
	p.AllowedSuffixes = append([]string(nil), s.policy.AllowedSuffixes...)
	return p
}

// Trust adds names to trusted_nodes and persists. Already-trusted
// names are kept once.
func (s *PolicyStore) Trust(names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := mapset.NewSet(s.policy.TrustedNodes...)
	changed := false
	for _, name := range names {
		if name != "" && set.Add(name) {
			s.policy.TrustedNodes = append(s.policy.TrustedNodes, name)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist()
}

// IsTrusted reports whether name appears in trusted_nodes.
func (p Policy) IsTrusted(name string) bool {
	return mapset.NewSet(p.TrustedNodes...).Contains(name)
}

// SuffixAllowed checks every trailing suffix chain, from the full
// chain down to the last suffix, against allowed_suffixes: for
// "a.txt.aead.freq" that is ".txt.aead.freq", ".aead.freq" and ".freq".
func (p Policy) SuffixAllowed(name string) bool {
	allowed := mapset.NewSet(p.AllowedSuffixes...)
	base := filepath.Base(name)
	parts := strings.Split(base, ".")
	if len(parts) < 2 {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if allowed.Contains("." + strings.Join(parts[i:], ".")) {
			return true
		}
	}
	return false
}

// GateFile runs the ingest admission gate: local host trusted, suffix
// allowed, size within the cap. The returned reason is empty when the
// file is admitted.
func (p Policy) GateFile(hostname, name string, size int64) (reason string) {
	if !p.IsTrusted(hostname) {
		return fmt.Sprintf("host %s not in trusted_nodes", hostname)
	}
	if !p.SuffixAllowed(name) {
		return fmt.Sprintf("suffix of %s not allowed", filepath.Base(name))
	}
	if p.MaxFileMB > 0 && size > int64(p.MaxFileMB)<<20 {
		return fmt.Sprintf("%s exceeds max_file_mb=%d", filepath.Base(name), p.MaxFileMB)
	}
	return ""
}

// Manifest is a signed peer announcement: the payload plus an
// HMAC-SHA256 over its canonical JSON.
type Manifest struct {
	Payload    map[string]any `json:"payload"`
	HMACSHA256 string         `json:"hmac_sha256"`
}

// canonicalJSON is compact JSON with sorted keys, the byte form both
// ends sign. encoding/json sorts map keys.
func canonicalJSON(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}

// SignManifest computes the payload signature with key.
func SignManifest(payload map[string]any, key string) (string, error) {
	body, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyManifest checks m's signature against key in constant time.
func VerifyManifest(m *Manifest, key string) bool {
	want, err := SignManifest(m.Payload, key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(m.HMACSHA256))
}

// WriteManifest publishes the local signed manifest at path.
func WriteManifest(path string, payload map[string]any, key string) error {
	sig, err := SignManifest(payload, key)
	if err != nil {
		return err
	}
	m := Manifest{Payload: payload, HMACSHA256: sig}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadManifest loads a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
