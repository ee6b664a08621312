package rendezvous

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPBackend talks to a rendezvous server over the three-endpoint
// wire: POST /publish, GET /lookup/<code>, DELETE /remove/<code>.
type HTTPBackend struct {
	base   string
	client *http.Client
}

// NewHTTPBackend returns a client for the server at base, e.g.
// "http://relay.example:8666".
func NewHTTPBackend(base string) *HTTPBackend {
	return &HTTPBackend{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish POSTs the entry to the server.
func (h *HTTPBackend) Publish(c Code) error {
	body, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	resp, err := h.client.Post(h.base+"/publish", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous publish: %s", resp.Status)
	}
	return nil
}

// Lookup fetches the entry for code. A 404 maps to ErrNotFound; an
// entry past its lifetime maps to ErrExpired.
func (h *HTTPBackend) Lookup(code string) (*Code, error) {
	resp, err := h.client.Get(h.base + "/lookup/" + url.PathEscape(code))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("rendezvous lookup: %s", resp.Status)
	}
	var c Code
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, err
	}
	if c.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return &c, nil
}

// Remove deletes code on the server.
func (h *HTTPBackend) Remove(code string) error {
	req, err := http.NewRequest(http.MethodDelete, h.base+"/remove/"+url.PathEscape(code), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("rendezvous remove: %s", resp.Status)
	}
	return nil
}
