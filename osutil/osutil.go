// Package osutil collects the small host-facing helpers the link
// daemon needs: atomic file writes, the local IP probe and UTC
// timestamps in the wire format shared with peers.
package osutil

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// TimeLayout is the timestamp format used in presence files, peer
// manifests and the audit log.
const TimeLayout = "2006-01-02 15:04:05 UTC"

// NowUTC returns the current time formatted with TimeLayout.
func NowUTC() string {
	return time.Now().UTC().Format(TimeLayout)
}

// WriteFileAtomic writes data to path via a temporary sibling file.
// The temporary file is fsynced before the rename so a crash never
// leaves a half-written file under the final name.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// LocalIP probes the routing table for the outward-facing address by
// opening a UDP socket to a public address. No packet is sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// Hostname returns the local hostname, falling back to a pid-tagged
// placeholder rather than failing.
func Hostname() string {
	hn, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("node-%d", os.Getpid())
	}
	return hn
}
