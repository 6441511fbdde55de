// Package api serves the notification HTTP surface.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "notifyd/pkg/logx"
)

// Config is the resolved HTTP configuration (durations already parsed).
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	DispatchTimeout   time.Duration
	CORSOrigins       []string
	Pprof             PprofConfig
	Version           string
	// Health, when set, turns /health into "degraded" on error.
	Health func() error
}

// Server runs the router on a TCP listener until its context ends.
type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	mu   sync.Mutex
	addr string
}

func NewServer(cfg Config, n Notifier, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log = log.With(logx.String("comp", "api"))
	return &Server{cfg: cfg, handler: Router(cfg, n, log), log: log}
}

// Addr is the bound listen address, empty until Run has listened.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler exposes the router (tests, embedding).
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens and serves until ctx is done, then shuts down gracefully.
// It returns context.Canceled on a requested stop.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	serveDone := make(chan struct{})
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-ctx.Done():
		case <-serveDone:
			return
		}
		cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(cctx); err != nil {
			s.log.Warn("api shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}()

	s.log.Info("api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof.Enabled && s.cfg.Pprof.Token != ""),
	)
	err := srv.Serve(ln)
	close(serveDone)
	<-shutdownDone

	if ctx.Err() != nil {
		s.log.Info("api stopped")
		return context.Canceled
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}
