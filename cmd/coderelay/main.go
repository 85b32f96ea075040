// Command coderelay is a personal coding-agent worker: it owns one
// app-server subprocess and exposes its streaming RPC to clients as a
// durable REST + SSE surface with interactive approvals.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/api"
	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/fanout"
	"github.com/coderelay/coderelay/internal/logging"
	"github.com/coderelay/coderelay/internal/session"
	"github.com/coderelay/coderelay/internal/store"
)

var version = "dev"

func main() {
	logging.Setup()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("coderelay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	if err := store.Migrate(sqlDB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB, cfg.Retention)
	reg := fanout.NewRegistry(st, cfg.Queue)

	gw := agent.New(agent.Config{
		Command:     cfg.Agent.Command,
		Args:        cfg.Agent.Args,
		Dir:         cfg.Agent.Cwd,
		CallTimeout: cfg.Agent.Timeout,
	})

	orch := session.New(st, gw, reg, session.Options{
		TerminalTTL: cfg.TTL,
	})

	// Jobs orphaned by a crash are failed before the listener opens so
	// replay reads observe complete logs.
	if err := orch.Recover(context.Background()); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orch.Run(ctx, gw.Notifications())
	}()

	router := api.NewRouter(api.RouterConfig{
		Orchestrator: orch,
		Token:        cfg.Token,
	})

	// h2c lets SSE streams multiplex with API calls over one cleartext
	// HTTP/2 connection.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("coderelay listening",
			"addr", cfg.Addr,
			"version", version,
			"db", cfg.DBPath,
			"auth", cfg.Token != "",
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	// Drain order: fail live jobs (subscribers see the terminal events),
	// close remaining subscriptions, stop the HTTP server, stop the
	// agent subprocess.
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	orch.Shutdown(drainCtx)
	if err := server.Shutdown(drainCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	gw.Stop()
	<-runDone

	slog.Info("bye")
	return nil
}
