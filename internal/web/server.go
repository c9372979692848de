package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"polymarket-relay/internal/market"
	"polymarket-relay/pkg/types"
)

// URLResolver maps venue URLs to market and token IDs.
type URLResolver interface {
	Resolve(ctx context.Context, rawURL string) (*types.ResolveResult, error)
}

// Server serves the monitoring endpoints:
//
//	GET /api/health      — liveness JSON, 200 when upstream is connected, 503 otherwise
//	GET /api/metrics     — full JSON pipeline snapshot
//	GET /api/resolve?url — venue URL → market/token resolution
type Server struct {
	addr      string
	collector *Collector
	resolver  URLResolver
	logger    *slog.Logger

	httpSrv *http.Server
	ln      net.Listener
}

// NewServer creates the monitoring server. resolver may be nil, in which
// case /api/resolve answers 503.
func NewServer(host string, port int, collector *Collector, resolver URLResolver, logger *slog.Logger) *Server {
	return &Server{
		addr:      fmt.Sprintf("%s:%d", host, port),
		collector: collector,
		resolver:  resolver,
		logger:    logger.With("component", "web"),
	}
}

// Start begins serving. Listening happens here so a taken port surfaces as
// an error.
func (s *Server) Start() error {
	if s.httpSrv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/resolve", s.handleResolve)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server failed", "err", err)
		}
	}()

	s.logger.Info("monitoring server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.collector.Health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, h)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.collector.Collect())
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		s.writeError(w, http.StatusServiceUnavailable, "resolver unavailable")
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	result, err := s.resolver.Resolve(r.Context(), rawURL)
	if err != nil {
		if errors.Is(err, market.ErrMarketNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
