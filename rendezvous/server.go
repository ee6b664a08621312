package rendezvous

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Server is the self-hostable HTTP rendezvous store. Entries live in
// memory; expired entries are swept on publish like the file backend,
// and a lookup of an expired entry deletes it and answers 404. Access
// logging is deliberately absent: codes are secrets and must not end
// up in request logs.
type Server struct {
	mu    sync.Mutex
	codes map[string]Code
	srv   *http.Server
}

// NewServer returns a server that will listen on addr, e.g. ":8666".
func NewServer(addr string) *Server {
	s := &Server{codes: make(map[string]Code)}

	r := mux.NewRouter()
	r.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/lookup/{code}", s.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/remove/{code}", s.handleRemove).Methods(http.MethodDelete)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var c Code
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.Code == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sweep(s.codes, time.Now())
	s.codes[c.Code] = c
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	s.mu.Lock()
	c, ok := s.codes[code]
	if ok && c.Expired(time.Now()) {
		delete(s.codes, code)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&c)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		return err
	}
}
