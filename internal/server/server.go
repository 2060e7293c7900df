// Package server serves observers and the control API over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"mesh-emulator/internal/commands"
	eb "mesh-emulator/internal/eventBus"
	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
)

// Server mounts /ws, /metrics and the command endpoints.
type Server struct {
	addr string
	pub  *eb.Publisher
	ctl  commands.Controller
	coll *metrics.Collector
	log  logging.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New builds a server. ctl may be nil, in which case only observers and
// metrics are served.
func New(addr string, pub *eb.Publisher, ctl commands.Controller, coll *metrics.Collector, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{addr: addr, pub: pub, ctl: ctl, coll: coll, log: log.With(logging.String("component", "server"))}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsHandler)
	mux.Handle("GET /metrics", s.coll.Handler())
	if s.ctl != nil {
		commands.Register(mux, s.ctl)
	}
	return withRequestID(mux)
}

// withRequestID tags every request context with an id for the logs.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context())
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Listen binds the server address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()
	return nil
}

// Addr is the bound address once Listen succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully. Listen is
// called first when needed.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	bound := s.ln != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info(ctx, "server started", logging.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errc; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}
