package link

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// subprocessTimeout bounds every collaborator invocation. The codec
// and AEAD tools are opaque executables; a hung one must not stall
// the pipeline.
const subprocessTimeout = 10 * time.Second

// runCollaborator executes one collaborator command, capturing stderr
// for the audit trail. On any failure the partial output file is
// removed; collaborator output is never partially consumable.
func runCollaborator(ctx context.Context, argv []string, env []string, partialOut string) error {
	if len(argv) == 0 {
		return fmt.Errorf("collaborator command not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, subprocessTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if partialOut != "" {
			os.Remove(partialOut)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

// splitCommand turns a configured command line into argv.
func splitCommand(cmdline string) []string {
	return strings.Fields(cmdline)
}

// coreCodec drives the external codec binary with the
// encode/decode -i/-o contract.
type coreCodec struct {
	cmdline []string
}

func newCoreCodec(cmdline string) coreCodec {
	return coreCodec{cmdline: splitCommand(cmdline)}
}

func (c coreCodec) encode(ctx context.Context, in, out string) error {
	argv := append(append([]string(nil), c.cmdline...), "encode", "-i", in, "-o", out)
	return runCollaborator(ctx, argv, nil, out)
}

func (c coreCodec) decode(ctx context.Context, in, out string) error {
	argv := append(append([]string(nil), c.cmdline...), "decode", "-i", in, "-o", out)
	return runCollaborator(ctx, argv, nil, out)
}

// aeadCodec drives the authenticated-encryption binary. The
// passphrase travels in the subprocess environment, never on the
// command line.
type aeadCodec struct {
	cmdline []string
	pass    string
}

// newAEADCodec resolves the passphrase source. Returns nil when no
// AEAD command is configured.
func newAEADCodec(cfg *Config) (*aeadCodec, error) {
	if cfg.AEADCmd == "" {
		return nil, nil
	}
	pass := cfg.AEADPass
	if pass == "" && cfg.AEADPassFile != "" {
		data, err := os.ReadFile(cfg.AEADPassFile)
		if err != nil {
			return nil, fmt.Errorf("aead passphrase file: %w", err)
		}
		pass = strings.TrimSpace(string(data))
	}
	if pass == "" {
		return nil, fmt.Errorf("aead configured without a passphrase")
	}
	return &aeadCodec{cmdline: splitCommand(cfg.AEADCmd), pass: pass}, nil
}

func (a *aeadCodec) seal(ctx context.Context, in, out string) error {
	argv := append(append([]string(nil), a.cmdline...), "encrypt", "-i", in, "-o", out)
	return runCollaborator(ctx, argv, []string{"PAXECT_AEAD_PASS=" + a.pass}, out)
}

func (a *aeadCodec) open(ctx context.Context, in, out string) error {
	argv := append(append([]string(nil), a.cmdline...), "decrypt", "-i", in, "-o", out)
	return runCollaborator(ctx, argv, []string{"PAXECT_AEAD_PASS=" + a.pass}, out)
}
