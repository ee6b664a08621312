package link

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds every recognized option of the daemon. Values come
// from an optional TOML file overlaid by PAXECT_LINK_* environment
// variables; unset values fall back to defaults under the base
// directory.
type Config struct {
	BaseDir string `toml:"base_dir"`

	Inbox        string `toml:"inbox"`
	Outbox       string `toml:"outbox"`
	PolicyPath   string `toml:"policy_path"`
	ManifestPath string `toml:"manifest_path"`
	LogPath      string `toml:"log_path"`
	LockPath     string `toml:"lock_path"`
	SharedDir    string `toml:"shared_dir"`
	IdentityFile string `toml:"identity_file"`

	SocketHost string `toml:"socket_host"`
	SocketPort int    `toml:"socket_port"`

	PollSec     float64 `toml:"poll_sec"`
	BackoffSec  float64 `toml:"backoff_sec"`
	LogMaxBytes int64   `toml:"log_max_bytes"`

	HMACKey string `toml:"hmac_key"`

	RendezvousURL  string `toml:"rendezvous_url"`
	RendezvousFile string `toml:"rendezvous_file"`
	CodeExpirySec  int    `toml:"code_expiry_sec"`

	CoreCmd      string `toml:"core_cmd"`
	AEADCmd      string `toml:"aead_cmd"`
	AEADPass     string `toml:"aead_pass"`
	AEADPassFile string `toml:"aead_pass_file"`
}

// DefaultConfig returns the option set rooted at baseDir.
func DefaultConfig(baseDir string) *Config {
	return &Config{
		BaseDir:        baseDir,
		Inbox:          filepath.Join(baseDir, "inbox"),
		Outbox:         filepath.Join(baseDir, "outbox"),
		PolicyPath:     filepath.Join(baseDir, "policy.json"),
		LogPath:        filepath.Join(baseDir, "link_log.jsonl"),
		LockPath:       filepath.Join(baseDir, ".paxect_link.lock"),
		SharedDir:      filepath.Join(baseDir, "SHARED"),
		IdentityFile:   filepath.Join(baseDir, "link_identity.json"),
		SocketHost:     "0.0.0.0",
		SocketPort:     0,
		PollSec:        2.0,
		BackoffSec:     5.0,
		LogMaxBytes:    5 << 20,
		RendezvousFile: filepath.Join(os.TempDir(), "paxect_rendezvous.json"),
		CodeExpirySec:  300,
		CoreCmd:        "paxect_core",
	}
}

// LoadConfig builds the effective configuration: defaults rooted at
// the working directory, then the TOML file at configPath if given,
// then the environment on top.
func LoadConfig(configPath string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig(cwd)
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", configPath, err)
		}
	}
	cfg.applyEnv()
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = filepath.Join(cfg.BaseDir, "link_manifest.json")
	}
	return cfg, nil
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv("PAXECT_LINK_" + key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv("PAXECT_LINK_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv("PAXECT_LINK_" + key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv("PAXECT_LINK_" + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func (c *Config) applyEnv() {
	envStr("INBOX", &c.Inbox)
	envStr("OUTBOX", &c.Outbox)
	envStr("POLICY_PATH", &c.PolicyPath)
	envStr("POLICY", &c.PolicyPath) // historical name
	envStr("MANIFEST_PATH", &c.ManifestPath)
	envStr("LOG_PATH", &c.LogPath)
	envStr("LOG", &c.LogPath) // historical name
	envStr("LOCK_PATH", &c.LockPath)
	envStr("SHARED_DIR", &c.SharedDir)
	envStr("IDENTITY_FILE", &c.IdentityFile)
	envStr("SOCKET_HOST", &c.SocketHost)
	envInt("SOCKET_PORT", &c.SocketPort)
	envFloat("POLL_SEC", &c.PollSec)
	envFloat("BACKOFF_SEC", &c.BackoffSec)
	envInt64("LOG_MAX_BYTES", &c.LogMaxBytes)
	envStr("HMAC_KEY", &c.HMACKey)
	envStr("RENDEZVOUS_URL", &c.RendezvousURL)
	envStr("RENDEZVOUS", &c.RendezvousURL) // historical name
	envStr("RENDEZVOUS_FILE", &c.RendezvousFile)
	envInt("CODE_EXPIRY_SEC", &c.CodeExpirySec)
	envStr("CORE_CMD", &c.CoreCmd)
	if v, ok := os.LookupEnv("PAXECT_CORE"); ok {
		c.CoreCmd = v
	}
	envStr("AEAD_CMD", &c.AEADCmd)
	envStr("AEAD_PASS", &c.AEADPass)
	envStr("AEAD_PASS_FILE", &c.AEADPassFile)
}

// EnsureDirs creates the user-visible and transport directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Inbox, c.Outbox, c.SharedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
