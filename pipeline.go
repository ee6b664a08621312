package link

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/PAXECT-Interface/paxect-link-plugin/auditlog"
	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
)

// pipeline watches the inbox and runs files through the collaborator
// chain: policy gate, optional AEAD, codec, checksum sidecar on the
// way out; checksum verify, codec, optional AEAD into the outbox on
// the way in.
type pipeline struct {
	cfg      *Config
	policy   *PolicyStore
	log      *auditlog.Logger
	hostname string
	core     coreCodec
	aead     *aeadCodec

	retry backoff.BackOff

	// deferUntil delays retries of files whose collaborator failed;
	// blocked and badChecksum keep the audit log from repeating
	// the same verdict every poll while a file sits untouched.
	deferUntil  map[string]time.Time
	blocked     map[string]bool
	badChecksum map[string]time.Time
}

func newPipeline(cfg *Config, policy *PolicyStore, log *auditlog.Logger) (*pipeline, error) {
	var aead *aeadCodec
	if policy.Snapshot().EnableAEAD {
		var err error
		aead, err = newAEADCodec(cfg)
		if err != nil {
			return nil, err
		}
	}
	return &pipeline{
		cfg:         cfg,
		policy:      policy,
		log:         log,
		hostname:    osutil.Hostname(),
		core:        newCoreCodec(cfg.CoreCmd),
		aead:        aead,
		retry:       backoff.NewConstantBackOff(time.Duration(cfg.BackoffSec * float64(time.Second))),
		deferUntil:  make(map[string]time.Time),
		blocked:     make(map[string]bool),
		badChecksum: make(map[string]time.Time),
	}, nil
}

// run polls the inbox every PollSec. A directory watcher shortens the
// wait when something lands; the poll remains the source of truth.
func (p *pipeline) run(ctx context.Context) {
	wake := make(chan struct{}, 1)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if watcher.Add(p.cfg.Inbox) == nil {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case wake <- struct{}{}:
						default:
						}
					case <-watcher.Errors:
					}
				}
			}()
		}
	}

	interval := time.Duration(p.cfg.PollSec * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		p.scan(ctx)
	}
}

// scan processes every candidate in the inbox once. A failure on one
// file never stops the others.
func (p *pipeline) scan(ctx context.Context) {
	entries, err := os.ReadDir(p.cfg.Inbox)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") ||
			strings.HasSuffix(name, ".part") ||
			strings.HasSuffix(name, ".tmp") ||
			strings.HasSuffix(name, ".sha256") ||
			strings.HasSuffix(name, ".aead") {
			// Sidecars ride with their .freq; .aead files are
			// encode intermediates, never inputs
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	pol := p.policy.Snapshot()
	for _, name := range names {
		select {
		case <-ctx.Done():
			return
		default:
		}
		path := filepath.Join(p.cfg.Inbox, name)
		if until, ok := p.deferUntil[path]; ok && time.Now().Before(until) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		if reason := pol.GateFile(p.hostname, name, info.Size()); reason != "" {
			p.block(path, name, reason, pol)
			continue
		}
		delete(p.blocked, path)

		if strings.HasSuffix(name, ".freq") {
			p.deliver(ctx, path, pol)
		} else {
			p.encode(ctx, path, pol)
		}
	}
}

// block logs a policy rejection once per file and optionally moves it
// to quarantine.
func (p *pipeline) block(path, name, reason string, pol Policy) {
	if !p.blocked[path] {
		p.log.Event("warn", "policy_block", name, "", reason)
		p.blocked[path] = true
	}
	if pol.QuarantineOnPolicyBlock {
		qdir := filepath.Join(p.cfg.BaseDir, "quarantine")
		if os.MkdirAll(qdir, 0o755) == nil {
			if os.Rename(path, filepath.Join(qdir, name)) == nil {
				delete(p.blocked, path)
			}
		}
	}
}

// backoffFile pushes the next attempt on path out by the backoff interval.
func (p *pipeline) backoffFile(path string) {
	p.deferUntil[path] = time.Now().Add(p.retry.NextBackOff())
}

// encode runs the outbound chain on one plaintext file:
// AEAD (optional) then codec, then the checksum sidecar.
func (p *pipeline) encode(ctx context.Context, path string, pol Policy) {
	work := path
	if p.aead != nil {
		work = path + ".aead"
	}
	out := work + ".freq"
	if _, err := os.Stat(out); err == nil {
		// Already encoded and kept (auto_delete off)
		return
	}

	if p.aead != nil {
		if err := p.aead.seal(ctx, path, work); err != nil {
			p.log.Event("error", "aead_encrypt_error", filepath.Base(path), "", err.Error())
			p.backoffFile(path)
			return
		}
		p.log.Event("info", "aead_encrypt", filepath.Base(path), filepath.Base(work), "")
	}

	if err := p.core.encode(ctx, work, out); err != nil {
		p.log.Event("error", "encode_error", filepath.Base(work), "", err.Error())
		if p.aead != nil {
			os.Remove(work)
		}
		p.backoffFile(path)
		return
	}

	digest, err := fileSHA256(out)
	if err != nil {
		p.log.Event("error", "encode_error", filepath.Base(out), "", err.Error())
		os.Remove(out)
		p.backoffFile(path)
		return
	}
	if err := osutil.WriteFileAtomic(out+".sha256", []byte(digest+"\n"), 0o644); err != nil {
		p.log.Event("error", "encode_error", filepath.Base(out), "", err.Error())
		os.Remove(out)
		p.backoffFile(path)
		return
	}
	p.log.Event("info", "encode", filepath.Base(path), filepath.Base(out), "sha256="+digest)
	delete(p.deferUntil, path)

	if pol.AutoDelete {
		os.Remove(path)
		if p.aead != nil {
			os.Remove(work)
		}
	}
}

// deliver runs the inbound chain on one .freq artifact: sidecar
// verify, codec decode, optional AEAD open into the outbox.
func (p *pipeline) deliver(ctx context.Context, path string, pol Policy) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, ".freq")

	final := filepath.Join(p.cfg.Outbox, stem)
	wantAEAD := strings.HasSuffix(stem, ".aead")
	if wantAEAD {
		final = filepath.Join(p.cfg.Outbox, strings.TrimSuffix(stem, ".aead"))
	}
	if _, err := os.Stat(final); err == nil {
		return
	}

	if !p.verifySidecar(path, base) {
		return
	}

	if wantAEAD && p.aead == nil {
		p.log.Event("error", "aead_decrypt_error", base, "", "aead artifact but no aead configured")
		p.backoffFile(path)
		return
	}

	// Decode behind a .part name so the outbox never shows a
	// half-written file
	decodeDst := final
	if wantAEAD {
		decodeDst = filepath.Join(p.cfg.Outbox, stem)
	}
	part := decodeDst + ".part"
	if err := p.core.decode(ctx, path, part); err != nil {
		p.log.Event("error", "decode_error", base, "", err.Error())
		p.backoffFile(path)
		return
	}

	if wantAEAD {
		finalPart := final + ".part"
		if err := p.aead.open(ctx, part, finalPart); err != nil {
			p.log.Event("error", "aead_decrypt_error", base, "", err.Error())
			os.Remove(part)
			p.backoffFile(path)
			return
		}
		os.Remove(part)
		if err := os.Rename(finalPart, final); err != nil {
			os.Remove(finalPart)
			p.backoffFile(path)
			return
		}
		p.log.Event("info", "aead_decrypt", stem, filepath.Base(final), "")
	} else {
		if err := os.Rename(part, final); err != nil {
			os.Remove(part)
			p.backoffFile(path)
			return
		}
	}

	p.log.Event("info", "decode", base, filepath.Base(final), "")
	delete(p.deferUntil, path)

	if pol.AutoDelete {
		os.Remove(path)
		os.Remove(path + ".sha256")
	}
}

// verifySidecar checks the .sha256 sidecar when present. A mismatch
// is logged once per file version and the artifact is left in place
// for operator triage.
func (p *pipeline) verifySidecar(path, base string) bool {
	sidecar := path + ".sha256"
	want, err := os.ReadFile(sidecar)
	if err != nil {
		// No sidecar: accepted, integrity is best-effort
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if seen, ok := p.badChecksum[path]; ok && seen.Equal(info.ModTime()) {
		return false
	}

	got, err := fileSHA256(path)
	if err != nil {
		return false
	}
	wantHex := strings.ToLower(strings.TrimSpace(string(want)))
	if !hmac.Equal([]byte(wantHex), []byte(got)) {
		p.log.Event("error", "checksum_mismatch", base, "", fmt.Sprintf("sidecar %s disagrees", filepath.Base(sidecar)))
		p.badChecksum[path] = info.ModTime()
		return false
	}
	delete(p.badChecksum, path)
	return true
}

// fileSHA256 returns the lowercase hex digest of a file's contents.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
