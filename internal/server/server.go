package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/loykin/cmdloop/internal/fault"
	"github.com/loykin/cmdloop/internal/metrics"
	"github.com/loykin/cmdloop/internal/protocol"
	"github.com/loykin/cmdloop/internal/registry"
	"github.com/loykin/cmdloop/internal/runlog"
	"github.com/loykin/cmdloop/internal/scheduler"
)

const (
	DefaultListen          = "127.0.0.1:65432"
	DefaultMaxConns        = 64
	DefaultAcceptRate      = 200
	DefaultReadTimeout     = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Config controls the control listener.
type Config struct {
	Listen          string
	MaxConns        int
	AcceptRate      float64 // accepts per second, burst MaxConns
	ReadTimeout     time.Duration
	MaxFrameBytes   int
	ShutdownTimeout time.Duration
	// RunTimeout is the longest a run already in flight may take. Closers are
	// not closed before it finishes, up to this bound.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.AcceptRate <= 0 {
		c.AcceptRate = DefaultAcceptRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = protocol.DefaultMaxFrame
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Deps are the collaborators a Server drives. Closers are closed last during
// shutdown (history sinks, the status API).
type Deps struct {
	Registry *registry.Registry
	Outputs  *runlog.Store
	Loop     *scheduler.Loop
	Closers  []io.Closer
	Logger   *slog.Logger
}

// Server accepts control connections and owns the service lifecycle: the
// scheduler loop runs for as long as Run does.
type Server struct {
	cfg     Config
	deps    Deps
	handler *Handler
	log     *slog.Logger
	limiter *rate.Limiter
	slots   chan struct{}

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		handler: &Handler{Registry: deps.Registry, Outputs: deps.Outputs, MaxFrameBytes: cfg.MaxFrameBytes, Logger: l},
		log:     l,
		limiter: rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.MaxConns),
		slots:   make(chan struct{}, cfg.MaxConns),
		conns:   make(map[net.Conn]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Listen binds the control address. Run calls it when needed; calling it
// first lets the caller learn Addr before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown asks Run to stop. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run serves until ctx is cancelled or a client sends stop, then shuts down
// and returns the combined shutdown error.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	if err := s.deps.Outputs.Init(); err != nil {
		_ = s.ln.Close()
		return fmt.Errorf("create output root: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.deps.Loop != nil {
		s.deps.Loop.Start(runCtx)
	}
	s.log.Info("control server listening", "addr", s.ln.Addr().String())

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(runCtx)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutdown requested", "cause", ctx.Err())
	case <-s.stopCh:
		s.log.Info("shutdown requested by client")
	}
	s.Shutdown()
	cancel()
	return s.shutdown(acceptDone)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			<-s.slots
			return
		}
		conn, err := s.ln.Accept()
		if err != nil {
			<-s.slots
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			<-s.slots
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.untrack(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		return false
	default:
	}
	s.conns[c] = struct{}{}
	metrics.AddActiveConns(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	metrics.AddActiveConns(-1)
	_ = c.Close()
}

// serveConn handles sequential exchanges until EOF, a protocol error, the
// idle deadline, or shutdown.
func (s *Server) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.log.With("remote", remote)
	log.Debug("connection opened")
	defer log.Debug("connection closed")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		// shutdown may have cut the deadline just before it was re-armed
		if s.stopping() {
			return
		}
		var req protocol.Request
		if err := protocol.ReadJSON(conn, s.cfg.MaxFrameBytes, &req); err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				log.Debug("connection idle, closing")
			default:
				metrics.IncProtocolError()
				log.Warn("protocol error, closing connection", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		resp, stop := s.handler.Handle(context.Background(), req)
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
		err := protocol.WriteJSON(conn, s.cfg.MaxFrameBytes, resp)
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			log.Warn("response too large", "action", req.Action, "error", err)
			err = protocol.WriteJSON(conn, s.cfg.MaxFrameBytes, errorResponse(
				fault.New(fault.KindProtocol, fault.ReasonTooLarge, "response exceeds %d bytes", s.cfg.MaxFrameBytes)))
		}
		if err != nil {
			log.Warn("write response failed", "action", req.Action, "error", err)
			return
		}
		if stop {
			s.Shutdown()
			return
		}
		if s.stopping() {
			return
		}
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) shutdown(acceptDone <-chan struct{}) error {
	var errs error
	shutdownStart := time.Now()
	deadline := shutdownStart.Add(s.cfg.ShutdownTimeout)

	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
	}
	<-acceptDone

	// unblock idle readers; a request being answered still gets its response
	s.mu.Lock()
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	if s.deps.Loop != nil {
		s.deps.Loop.Stop()
	}

	handlersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(handlersDone)
	}()
	if !waitChan(handlersDone, time.Until(deadline)) {
		s.log.Warn("connections still open at shutdown timeout, closing")
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}

	// the closers include the history sinks the in-flight run reports to
	if s.deps.Loop != nil {
		loopDeadline := deadline
		if d := shutdownStart.Add(s.cfg.RunTimeout); d.After(loopDeadline) {
			loopDeadline = d
		}
		if !waitChan(s.deps.Loop.Done(), time.Until(loopDeadline)) {
			s.log.Warn("scheduler still running a command at shutdown timeout")
		}
	}

	if err := s.deps.Registry.Persist(); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, c := range s.deps.Closers {
		errs = multierr.Append(errs, c.Close())
	}
	if errs != nil {
		s.log.Error("shutdown completed with errors", "error", errs)
	} else {
		s.log.Info("shutdown complete")
	}
	return errs
}

func waitChan(ch <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
