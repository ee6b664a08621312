// Package presence implements filesystem rendezvous for the link
// daemon. A node announces itself by publishing a .presence file in
// the shared directory and keeps a per-node inbox there for the
// filesystem transport. Peers discover each other by scanning the
// shared directory for presence files other than their own.
//
// This plays the role a UDP beacon plays on a LAN: a tiny periodic
// announcement that carries just enough to connect back.
package presence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
)

const suffix = ".presence"

// Record is the announcement one node publishes.
type Record struct {
	NodeID string `json:"node_id"`
	Inbox  string `json:"inbox"`
	TS     string `json:"ts"`
}

// InboxDir returns the transport inbox directory for a node id under
// the shared directory.
func InboxDir(sharedDir, nodeID string) string {
	return filepath.Join(sharedDir, nodeID, "inbox")
}

// Publish creates the node's inbox directory and writes its presence
// file atomically.
func Publish(sharedDir, nodeID string) (Record, error) {
	inbox := InboxDir(sharedDir, nodeID)
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return Record{}, err
	}
	rec := Record{
		NodeID: nodeID,
		Inbox:  inbox,
		TS:     osutil.NowUTC(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return Record{}, err
	}
	path := filepath.Join(sharedDir, nodeID+suffix)
	if err := osutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Remove deletes the node's presence file. The inbox directory is
// left behind so in-flight messages are not lost.
func Remove(sharedDir, nodeID string) error {
	err := os.Remove(filepath.Join(sharedDir, nodeID+suffix))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Scan lists presence records in the shared directory, excluding
// selfID. Unreadable or unparseable presence files are skipped.
func Scan(sharedDir, selfID string) ([]Record, error) {
	entries, err := os.ReadDir(sharedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		if strings.TrimSuffix(name, suffix) == selfID {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sharedDir, name))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.NodeID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
