package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/tracing"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int // actual port after binding, useful with :0
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string
	// Handler holds the assembled API handler.
	Handler *Handler
	// Tracer wraps every request in a server span when non-nil.
	Tracer trace.Tracer
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
}

// NewServer creates the HTTP server. The listener is opened here so an
// Addr with port 0 resolves to a concrete port before Start; use Port()
// to read it. WriteTimeout stays zero because the SSE endpoints hold
// their responses open.
func NewServer(cfg ServerConfig) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	var root http.Handler = cfg.Handler.Routes()
	if cfg.Tracer != nil {
		root = tracing.Middleware(cfg.Tracer, root)
	}

	// SSE handlers hold their connections open, which would stall a
	// graceful Shutdown forever. Cancelling the base context on shutdown
	// ends every stream loop so the connections can drain.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           root,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	return &Server{
		listener: listener,
		port:     port,
		server:   srv,
	}, nil
}

// Start serves HTTP on the listener. It blocks until Stop is called or
// the server fails; a clean shutdown returns nil.
func (s *Server) Start() error {
	log.Info(log.CatWebhook, "http server listening", "addr", s.listener.Addr().String())
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server, waiting for in-flight requests
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatWebhook, "http server stopping")
	return s.server.Shutdown(ctx)
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
