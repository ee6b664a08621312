package link

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"runtime"

	"github.com/google/uuid"

	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
)

// Identity is the node's persistent public record. It is created once
// on first run; the node id never changes across restarts.
type Identity struct {
	NodeID    string `json:"node_id"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	CreatedAt string `json:"created_at"`
	PublicKey string `json:"public_key"`
}

// LoadIdentity reads the identity file, creating a fresh identity on
// first run. A file that exists but cannot be parsed is an error; an
// operator has to resolve it rather than have the node silently
// change identity.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, err
		}
		if id.NodeID != "" {
			return &id, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := newIdentity()
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := osutil.WriteFileAtomic(path, out, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

func newIdentity() (*Identity, error) {
	nodeID := uuid.NewString()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	// The public key is a 32-byte digest bound to the node id, enough
	// for peers to pin this identity across transports.
	digest := sha256.Sum256(append([]byte(nodeID), seed...))
	return &Identity{
		NodeID:    nodeID,
		Hostname:  osutil.Hostname(),
		Platform:  runtime.GOOS,
		CreatedAt: osutil.NowUTC(),
		PublicKey: base64.StdEncoding.EncodeToString(digest[:]),
	}, nil
}
