package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/nio-server/core"
	"github.com/searchktools/nio-server/core/codec"
	"github.com/searchktools/nio-server/core/observability"
	"github.com/searchktools/nio-server/core/pools"
)

// Source is what the admin endpoint reports on; *core.Server satisfies it
type Source interface {
	Stats() *observability.Statistics
	PoolStats() core.PoolStats
	PoolStatsText() string
	Loops() []core.LoopStats
	Accepted() uint64
	Rejected() uint64
}

// Server serves statistics over HTTP/1.1 and cleartext HTTP/2
type Server struct {
	addr   string
	source Source
	server *http.Server
	h2     *http2.Server

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// Config contains admin server configuration
type Config struct {
	Addr                 string
	Source               Source
	MaxConcurrentStreams uint32
	IdleTimeout          time.Duration
}

var errClosed = errors.New("admin server is closed")

// NewServer creates the admin server. Nothing listens until ListenAndServe.
func NewServer(cfg Config) *Server {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 64
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	s := &Server{
		addr:   cfg.Addr,
		source: cfg.Source,
	}

	s.h2 = &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		IdleTimeout:          cfg.IdleTimeout,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(s.routes(), s.h2),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the h2c-wrapped statistics handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /stats/pools", s.handlePools)
	mux.HandleFunc("GET /stats/loops", s.handleLoops)
	mux.HandleFunc("GET /stats/runtime", s.handleRuntime)
	mux.HandleFunc("POST /stats/reset", s.handleReset)
	return mux
}

// ListenAndServe binds the configured address and serves until Close
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts admin connections on ln
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errClosed
	}
	s.ln = ln
	s.mu.Unlock()

	log.Printf("📊 Admin endpoint on %s (h2c)", ln.Addr())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown gracefully stops the admin server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.server.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Stats().Snapshot()
	c, ok := s.codecFor(w, r)
	if !ok {
		return
	}
	if c.Name() == "json" {
		s.write(w, c, snap)
		return
	}
	s.write(w, c, snap.AsMap())
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, s.source.PoolStatsText())
		return
	}
	s.writeDocument(w, r, s.source.PoolStats())
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	s.writeDocument(w, r, map[string]any{
		"loops":    s.source.Loops(),
		"accepted": s.source.Accepted(),
		"rejected": s.source.Rejected(),
	})
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	s.writeDocument(w, r, pools.GetGCStats())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	stats := s.source.Stats()
	counter := r.URL.Query().Get("counter")

	switch counter {
	case "connections":
		stats.ResetConnections()
	case "requests":
		stats.ResetRequests()
	case "errors":
		stats.ResetErrors()
	case "latency":
		stats.ResetLatency()
	case "", "all":
		stats.ResetConnections()
		stats.ResetRequests()
		stats.ResetErrors()
		stats.ResetLatency()
	default:
		http.Error(w, fmt.Sprintf("unknown counter %q", counter), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDocument encodes a JSON-tagged value, going through a generic map
// for protobuf
func (s *Server) writeDocument(w http.ResponseWriter, r *http.Request, v any) {
	c, ok := s.codecFor(w, r)
	if !ok {
		return
	}
	if c.Name() == "json" {
		s.write(w, c, v)
		return
	}

	m, err := toMap(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.write(w, c, m)
}

func (s *Server) codecFor(w http.ResponseWriter, r *http.Request) (codec.Codec, bool) {
	c, err := codec.ForFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return c, true
}

func (s *Server) write(w http.ResponseWriter, c codec.Codec, v any) {
	data, err := c.Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.Write(data)
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
