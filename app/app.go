package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/searchktools/nio-server/config"
	"github.com/searchktools/nio-server/core"
	"github.com/searchktools/nio-server/core/admin"
	"github.com/searchktools/nio-server/core/http"
	"github.com/searchktools/nio-server/core/middleware"
	"github.com/searchktools/nio-server/core/pools"
)

const defaultShutdownTimeout = 10 * time.Second

// App wires configuration, the dispatch engine and the admin endpoint
type App struct {
	cfg    *config.Config
	server *core.Server
	admin  *admin.Server
	async  *pools.WorkerPool
}

// New creates an application instance serving handler
func New(cfg *config.Config, handler core.RequestHandler) (*App, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}

	core.SetDebug(cfg.Debug)
	prev := pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GCPercent, MemoryLimit: cfg.MemoryLimit})
	if cfg.GCPercent > 0 {
		log.Printf("♻️  GOGC %d (was %d)", cfg.GCPercent, prev)
	}

	p := middleware.NewPipeline()
	if cfg.AccessLog {
		p.Use(middleware.Logger())
	}
	if cfg.RateLimit > 0 {
		p.Use(middleware.RateLimiter(cfg.RateLimit))
	}
	handler = p.Then(handler)

	a := &App{cfg: cfg}
	if cfg.AsyncWorkers > 0 {
		a.async = pools.NewWorkerPool(cfg.AsyncWorkers, cfg.AsyncWorkers*64)
		handler = core.AsyncHandler(a.async, handler)
		opts.HandlerPool = a.async
	}

	a.server, err = core.NewServer(opts, handler)
	if err != nil {
		if a.async != nil {
			a.async.Close()
		}
		return nil, err
	}

	if cfg.AdminAddr != "" {
		a.admin = admin.NewServer(admin.Config{Addr: cfg.AdminAddr, Source: a.server})
	}
	return a, nil
}

// Options translates the configuration into engine options
func Options(cfg *config.Config) (core.Options, error) {
	balance, err := core.ParseBalance(cfg.Balance)
	if err != nil {
		return core.Options{}, err
	}
	framing, err := http.ParseFraming(cfg.Framing)
	if err != nil {
		return core.Options{}, err
	}

	return core.Options{
		Addrs:            cfg.Addrs,
		Workers:          cfg.Workers,
		Balance:          balance,
		ReusePort:        cfg.ReusePort,
		HandoffQueue:     cfg.HandoffQueue,
		ReadBuffer:       cfg.ReadBuffer,
		MaxBufferedBytes: cfg.MaxBufferedBytes,
		MaxHeaderBytes:   cfg.MaxHeaderBytes,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		IdleTimeout:      cfg.IdleTimeout,
		Framing:          framing,
	}, nil
}

// Server returns the underlying dispatch engine
func (a *App) Server() *core.Server {
	return a.server
}

// Run starts serving and blocks until SIGINT or SIGTERM, then shuts down
// gracefully.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is done
func (a *App) RunContext(ctx context.Context) error {
	log.Printf("🚀 nio-server starting [%s]", a.cfg.Env)
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}

	adminErr := make(chan error, 1)
	if a.admin != nil {
		go func() { adminErr <- a.admin.ListenAndServe() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("Signal received. Shutting down...")
	case err := <-adminErr:
		if err != nil {
			runErr = fmt.Errorf("admin endpoint: %w", err)
		}
	}

	return errors.Join(runErr, a.shutdown())
}

func (a *App) shutdown() error {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.admin != nil {
		errs = append(errs, a.admin.Shutdown(ctx))
	}
	errs = append(errs, a.server.Shutdown(ctx))
	if a.async != nil {
		a.async.Close()
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Printf("👋 Shutdown complete")
	return nil
}

// Exit runs the app and exits the process on failure
func (a *App) Exit() {
	if err := a.Run(); err != nil {
		log.Printf("❌ %v", err)
		os.Exit(1)
	}
}
