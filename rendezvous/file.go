package rendezvous

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/PAXECT-Interface/paxect-link-plugin/osutil"
)

// FileBackend keeps the whole store in one JSON map on disk. It is
// meant for nodes that already share a filesystem; a process-local
// mutex serializes read-modify-write cycles.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend returns a file store rooted at path. The file is
// created on first publish.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) load() (map[string]Code, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Code), nil
		}
		return nil, err
	}
	codes := make(map[string]Code)
	if err := json.Unmarshal(data, &codes); err != nil {
		// A corrupt store is treated as empty; the next publish
		// rewrites it whole.
		return make(map[string]Code), nil
	}
	return codes, nil
}

func (f *FileBackend) save(codes map[string]Code) error {
	data, err := json.Marshal(codes)
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(f.path, data, 0o600)
}

// sweep drops expired entries in place.
func sweep(codes map[string]Code, now time.Time) {
	for k, c := range codes {
		if c.Expired(now) {
			delete(codes, k)
		}
	}
}

// Publish stores c, sweeping expired entries first.
func (f *FileBackend) Publish(c Code) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	codes, err := f.load()
	if err != nil {
		return err
	}
	sweep(codes, time.Now())
	codes[c.Code] = c
	return f.save(codes)
}

// Lookup returns the entry for code, ErrExpired if its lifetime has
// passed or ErrNotFound when absent.
func (f *FileBackend) Lookup(code string) (*Code, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	codes, err := f.load()
	if err != nil {
		return nil, err
	}
	c, ok := codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return &c, nil
}

// Remove deletes code from the store. Removing an absent code is not
// an error.
func (f *FileBackend) Remove(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	codes, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := codes[code]; !ok {
		return nil
	}
	delete(codes, code)
	return f.save(codes)
}
