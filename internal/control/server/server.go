// Package server exposes the control plane over local HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shini4i/bandwhich-bridge/internal/control/protocol"
)

const (
	// DefaultHost keeps the control plane reachable from this machine only.
	DefaultHost = "127.0.0.1"

	readHeaderTimeout = 5 * time.Second
)

// RequestHandler is called for each decoded and validated request.
// It should return a response to send back to the client.
type RequestHandler func(ctx context.Context, req *protocol.Request) *protocol.Response

type requestIDKey struct{}

// RequestID returns the correlation ID attached to ctx by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Server serves control-plane requests on a TCP address.
type Server struct {
	addr    string
	handler RequestHandler
	router  *mux.Router

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
	starting   bool // Guards against TOCTOU race during Start()
	started    bool
	done       chan struct{}
	serveErr   error
}

// NewServer creates a server for addr ("host:port").
// Panics if handler is nil to prevent runtime panic when processing requests.
func NewServer(addr string, handler RequestHandler) *Server {
	if handler == nil {
		panic("server: NewServer called with nil handler")
	}

	s := &Server{
		addr:    addr,
		handler: handler,
		done:    make(chan struct{}),
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.HandleFunc("/", s.handleRequest).Methods(http.MethodPost)
	s.router = r

	return s
}

// Handler returns the HTTP handler serving the control plane.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening and serving in the background.
// Returns an error if the server is already running or starting.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server cannot be restarted")
	}
	s.starting = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.running = true
	s.starting = false
	s.started = true
	s.mu.Unlock()

	slog.Info("Server started", "addr", listener.Addr().String())

	go s.serve(httpServer, listener)
	return nil
}

func (s *Server) serve(httpServer *http.Server, listener net.Listener) {
	defer close(s.done)

	err := httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		slog.Error("Server error", "error", err)
	}

	s.mu.Lock()
	s.serveErr = err
	s.running = false
	s.mu.Unlock()
}

// Stop gracefully shuts down the server, waiting for in-flight requests
// until ctx expires. Stopping a server that is not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpServer := s.httpServer
	s.mu.Unlock()

	if err := httpServer.Shutdown(ctx); err != nil {
		if closeErr := httpServer.Close(); closeErr != nil {
			slog.Error("Failed to close server", "error", closeErr)
		}
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	<-s.done
	slog.Info("Server stopped")
	return nil
}

// Addr returns the address the server listens on, or the configured
// address before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Done is closed once the server has stopped serving.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the server, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := RequestID(ctx)

	req, err := protocol.DecodeRequest(r.Body)
	if err != nil {
		slog.Warn("Invalid request", "request_id", id, "error", err)
		s.write(w, id, protocol.NewErrorResponse(http.StatusBadRequest, protocol.ErrCodeInvalidRequest, "invalid JSON"))
		return
	}

	if err := req.Validate(); err != nil {
		slog.Warn("Invalid parameters", "request_id", id, "method", req.Method, "error", err)
		s.write(w, id, protocol.NewErrorResponse(http.StatusBadRequest, protocol.ErrCodeInvalidParams, err.Error()))
		return
	}

	slog.Debug("Request received", "request_id", id, "method", req.Method)
	s.write(w, id, s.handler(ctx, req))
}

func (s *Server) write(w http.ResponseWriter, id string, resp *protocol.Response) {
	if resp == nil {
		resp = protocol.NewEmptyResponse()
	}
	if err := resp.Write(w); err != nil {
		slog.Warn("Failed to send response", "request_id", id, "error", err)
	}
}

// requestIDMiddleware echoes the caller's X-Request-ID or assigns a new one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(protocol.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(protocol.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}
