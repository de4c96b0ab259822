package lifecycle

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zmlAEQ/odis-domains/pkg/logger"
)

// HTTPServer runs an http.Handler as a Service.
type HTTPServer struct {
	name string
	addr string
	h    http.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func NewHTTPServer(name, addr string, h http.Handler) *HTTPServer {
	return &HTTPServer{name: name, addr: addr, h: h}
}

func (s *HTTPServer) Name() string { return s.name }

// Start binds the listener before returning so bind errors surface here.
func (s *HTTPServer) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.h, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("http_server", map[string]any{"service": s.name, "result": "error", "err": err.Error()})
		}
	}()
	logger.InfoJ("http_server", map[string]any{"service": s.name, "result": "listening", "addr": ln.Addr().String()})
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Addr is the bound address once started.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}
