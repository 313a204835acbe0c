// Package api exposes the gate over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/gate"
)

// Version is reported by /health.
var Version = "dev"

// Server is the riskgate HTTP server.
type Server struct {
	cfg    *config.Config
	gate   *gate.Gate
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// NewServer binds the listener and builds the handler chain.
func NewServer(cfg *config.Config, g *gate.Gate, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, gate: g, logger: logger}

	// Bind to 127.0.0.1 by default (localhost only).
	bind := cfg.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, actualPort, err := listenAutoPort(bind, cfg.Server.Port, logger)
	if err != nil {
		return nil, fmt.Errorf("binding port: %w", err)
	}
	cfg.Server.Port = actualPort
	s.ln = ln

	// No WriteTimeout: the audit stream is long-lived.
	s.srv = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s, nil
}

// Handler returns the routed handler with middleware and tracing applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{gate: s.gate, logger: s.logger}
	h.register(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	mux.Handle("GET /metrics", s.gate.Metrics().Handler())

	var handler http.Handler = mux
	handler = hardenHeaders(handler)
	handler = logging(s.logger)(handler)
	handler = recovery(s.logger)(handler)
	handler = requestID(handler)
	return otelhttp.NewHandler(handler, "riskgate",
		otelhttp.WithTracerProvider(s.gate.Tracer().Provider()),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	addr := net.JoinHostPort(bind, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		// When port is 0, the OS assigns a random port.
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(tryPort)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE)
}

// Port returns the actual port the server is bound to.
func (s *Server) Port() int {
	return s.cfg.Server.Port
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("riskgate server starting",
		"addr", s.ln.Addr().String(),
		"metrics", s.cfg.Telemetry.Metrics,
		"tracing", s.cfg.Telemetry.Tracing,
	)
	return s.srv.Serve(s.ln)
}

// Shutdown gracefully stops the server. The gate is closed by its owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.srv.Shutdown(ctx)
}
