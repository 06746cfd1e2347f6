package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Snapshot returns the value rendered by /status. Implementations must be
// safe to call from the serving goroutine at any time.
type Snapshot func() any

type Server struct {
	addr     string
	metrics  *Metrics
	snapshot Snapshot
	log      *zap.Logger

	srv *http.Server
	ln  net.Listener
}

func NewServer(addr string, metrics *Metrics, snapshot Snapshot, log *zap.Logger) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("addr is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{addr: addr, metrics: metrics, snapshot: snapshot, log: log}, nil
}

// Start binds the listener synchronously so address errors surface to the
// caller, then serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, handlers.CompressHandler(h))
	}
	handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}))
	handle("/status", http.HandlerFunc(s.serveStatus))

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           handlers.RecoveryHandler()(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	go func() {
		s.log.Info("status server listening", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Warn("status server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var payload any = map[string]string{"status": "running"}
	if s.snapshot != nil {
		payload = s.snapshot()
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("encode status", zap.Error(err))
	}
}
