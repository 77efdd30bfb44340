package cmdloop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/loykin/cmdloop/internal/config"
	"github.com/loykin/cmdloop/internal/executor"
	"github.com/loykin/cmdloop/internal/history/factory"
	"github.com/loykin/cmdloop/internal/httpapi"
	"github.com/loykin/cmdloop/internal/logger"
	"github.com/loykin/cmdloop/internal/metrics"
	"github.com/loykin/cmdloop/internal/registry"
	"github.com/loykin/cmdloop/internal/runlog"
	"github.com/loykin/cmdloop/internal/scheduler"
	"github.com/loykin/cmdloop/internal/server"
	"github.com/loykin/cmdloop/internal/store"
	"github.com/loykin/cmdloop/pkg/client"
)

// Re-export core types for external consumers.

type Config = config.Config

type LogConfig = logger.Config

type Client = client.Client

type ClientConfig = client.Config

// LoadConfig reads a TOML config file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewLogger builds the service logger described by cfg. Console output goes
// to console; the closer releases the log file.
func NewLogger(cfg *Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	return logger.Setup(cfg.LoggerConfig(), console)
}

// NewClient returns a control protocol client.
func NewClient(c ClientConfig) *Client { return client.New(c) }

// Service is a fully wired cmdloop server: registry, scheduler loop, control
// listener and the optional status API and history sinks.
type Service struct {
	cfg      *Config
	log      *slog.Logger
	reg      *registry.Registry
	loop     *scheduler.Loop
	srv      *server.Server
	httpAddr net.Addr
}

// Open loads the persisted registry and binds every listener. Nothing runs
// until Run is called.
func Open(cfg *Config, log *slog.Logger) (svc *Service, err error) {
	if log == nil {
		log = slog.Default()
	}
	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				err = multierr.Append(err, closers[i].Close())
			}
		}
	}()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	outputs := runlog.New(cfg.Executor.OutputDir)
	if err := outputs.Init(); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}

	var state registry.Store = registry.FileStore{Path: cfg.Registry.StateFile}
	if cfg.Registry.StateDSN != "" {
		db, err := store.Open(cfg.Registry.StateDSN)
		if err != nil {
			return nil, fmt.Errorf("registry state: %w", err)
		}
		closers = append(closers, db)
		state = db
	}

	reg := registry.New(
		state,
		registry.NewDenylist(cfg.Registry.Denylist),
		registry.Options{
			DefaultInterval: cfg.Registry.DefaultInterval,
			MaxInterval:     cfg.Registry.MaxInterval,
			Prepare:         func(_, slug string) error { return outputs.Prepare(slug) },
			Logger:          log.With("component", "registry"),
		},
	)
	if err := reg.Load(); err != nil {
		return nil, err
	}

	execOpts := executor.Options{
		Timeout: cfg.Executor.Timeout,
		Shell:   cfg.Executor.Shell,
		WorkDir: cfg.Executor.WorkDir,
		Env:     cfg.Executor.Env,
		Logger:  log.With("component", "executor"),
	}
	if len(cfg.History.DSNs) > 0 {
		fan, err := factory.NewFanout(cfg.History.DSNs, log.With("component", "history"))
		if err != nil {
			return nil, err
		}
		closers = append(closers, fan)
		execOpts.Sink = fan
	}

	ex := executor.New(outputs, execOpts)
	loop := scheduler.New(reg, ex, log.With("component", "scheduler"))

	svc = &Service{cfg: cfg, log: log, reg: reg, loop: loop}
	if cfg.HTTP.Listen != "" {
		router := httpapi.NewRouter(reg, outputs, loop, cfg.HTTP.BasePath, cfg.Metrics.Enabled)
		hs, addr, err := httpapi.NewServer(cfg.HTTP.Listen, router)
		if err != nil {
			return nil, fmt.Errorf("status api listen %s: %w", cfg.HTTP.Listen, err)
		}
		// closed before the history sinks
		closers = append([]io.Closer{hs}, closers...)
		svc.httpAddr = addr
		log.Info("status api listening", "addr", addr.String())
	}

	svc.srv = server.New(server.Config{
		Listen:          cfg.Server.Listen,
		MaxConns:        cfg.Server.MaxConns,
		AcceptRate:      cfg.Server.AcceptRate,
		ReadTimeout:     cfg.Server.ReadTimeout,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RunTimeout:      ex.MaxRunDuration(),
	}, server.Deps{
		Registry: reg,
		Outputs:  outputs,
		Loop:     loop,
		Closers:  closers,
		Logger:   log.With("component", "server"),
	})
	if err := svc.srv.Listen(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Run serves until ctx is done or a client sends stop.
func (s *Service) Run(ctx context.Context) error { return s.srv.Run(ctx) }

// Shutdown asks a running service to stop.
func (s *Service) Shutdown() { s.srv.Shutdown() }

// Addr is the bound control address.
func (s *Service) Addr() net.Addr { return s.srv.Addr() }

// HTTPAddr is the bound status API address, nil when disabled.
func (s *Service) HTTPAddr() net.Addr { return s.httpAddr }

// Programs returns the registered commands.
func (s *Service) Programs() []string { return s.reg.List() }
