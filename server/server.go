package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/loxvm/vm"
)

// Server hosts the eval service over Connect. Handlers also accept the
// gRPC and gRPC-Web protocols on the same port.
type Server struct {
	sessions *SessionStore
	mux      *http.ServeMux
	log      commonlog.Logger

	stopSweeper func()
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	compileFunc   vm.CompileFunc
	vmOptions     []vm.Option
	sweepInterval time.Duration
	sessionTTL    time.Duration
}

// WithCompileFunc sets the compiler each session VM uses.
func WithCompileFunc(fn vm.CompileFunc) ServerOption {
	return func(c *serverConfig) { c.compileFunc = fn }
}

// WithVMOptions adds options applied to every session VM.
func WithVMOptions(opts ...vm.Option) ServerOption {
	return func(c *serverConfig) { c.vmOptions = append(c.vmOptions, opts...) }
}

// WithSessionTTL sets how long an idle session lives and how often idle
// sessions are swept.
func WithSessionTTL(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.sessionTTL = ttl
	}
}

// New creates a Server.
func New(opts ...ServerOption) *Server {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		sessionTTL:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	newVM := func() *vm.VM {
		vmOpts := append([]vm.Option{vm.WithCompiler(cfg.compileFunc)}, cfg.vmOptions...)
		return vm.New(vmOpts...)
	}

	s := &Server{
		sessions: NewSessionStore(newVM),
		mux:      http.NewServeMux(),
		log:      commonlog.GetLogger("loxvm.server"),
	}

	evalSvc := NewEvalService(s.sessions)
	s.mux.Handle(EvaluateProcedure, connect.NewUnaryHandler(EvaluateProcedure, evalSvc.Evaluate))
	s.mux.Handle(CloseSessionProcedure, connect.NewUnaryHandler(CloseSessionProcedure, evalSvc.CloseSession))
	s.mux.Handle(CheckSyntaxProcedure, connect.NewUnaryHandler(CheckSyntaxProcedure, evalSvc.CheckSyntax))

	s.stopSweeper = s.sessions.StartSweeper(cfg.sweepInterval, cfg.sessionTTL)

	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Noticef("eval server listening on %s", addr)
		s.log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, EvaluateProcedure)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the sweeper and closes every session.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	s.sessions.CloseAll()
}
