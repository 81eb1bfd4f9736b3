// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/realm/lib/config"
	"github.com/bureau-foundation/realm/lib/control"
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/eventlog"
	"github.com/bureau-foundation/realm/lib/launcher"
	"github.com/bureau-foundation/realm/lib/manager"
	"github.com/bureau-foundation/realm/lib/metrics"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/policy"
	"github.com/bureau-foundation/realm/lib/process"
	"github.com/bureau-foundation/realm/lib/resolver"
	"github.com/bureau-foundation/realm/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath     string
		rootURL        string
		socketPath     string
		metricsAddress string
		logLevel       string
		checkOnly      bool
		showVersion    bool
	)

	flags := pflag.NewFlagSet("realm-manager", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to realm.yaml (default $REALM_CONFIG)")
	flags.StringVar(&rootURL, "root-url", "", "URL of the root component (overrides root_url)")
	flags.StringVar(&socketPath, "socket", "", "control socket path (overrides control.socket_path)")
	flags.StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address (overrides metrics.address)")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.BoolVar(&checkOnly, "check", false, "validate the configuration and exit")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("realm-manager %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if rootURL != "" {
		cfg.RootURL = rootURL
	}
	if socketPath != "" {
		cfg.Control.SocketPath = socketPath
	}
	if metricsAddress != "" {
		cfg.Metrics.Address = metricsAddress
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if checkOnly {
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("REALM_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// serve runs the manager and its surfaces until ctx is done, then
// shuts the realm down.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	files := &resolver.FileResolver{Dirs: cfg.Manifests.Dirs, Logger: logger}
	fileCache := resolver.NewCache(files)
	resolvers := resolver.NewRegistry()
	if err := resolvers.Register("file", fileCache, "file"); err != nil {
		return err
	}

	launchers := make(map[string]launcher.Launcher, len(cfg.BuiltinRunners))
	for _, runner := range cfg.BuiltinRunners {
		exec, err := launcher.NewExec(launcher.ExecConfig{
			RunDir: cfg.Launcher.RunDir,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
			Logger: logger.With("runner", runner),
		})
		if err != nil {
			return fmt.Errorf("runner %s: %w", runner, err)
		}
		launchers[runner] = exec
	}

	rules, err := policy.New(cfg.Policy)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	builtins := make([]decl.CapabilityDecl, len(cfg.BuiltinCapabilities))
	for i, builtin := range cfg.BuiltinCapabilities {
		builtins[i] = decl.CapabilityDecl{Kind: decl.Kind(builtin.Kind), Name: builtin.Name, Path: builtin.Path}
	}

	events := event.NewRegistry(event.Config{
		SyncTimeout: cfg.Events.SyncTimeout,
		Buffer:      cfg.Events.Buffer,
		Logger:      logger,
	})
	m, err := manager.New(manager.Config{
		RootURL:             cfg.RootURL,
		Resolvers:           resolvers,
		Launchers:           launchers,
		BuiltinRunners:      cfg.BuiltinRunners,
		BuiltinCapabilities: builtins,
		Policy:              rules,
		Events:              events,
		Logger:              logger,
		ResolveTimeout:      cfg.Resolver.Timeout,
		StopTimeout:         cfg.Lifecycle.StopTimeout,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	server := control.NewServer(cfg.Control.SocketPath, logger)
	control.Register(server, m, logger)
	group.Go(func() error { return server.Serve(groupCtx) })

	if cfg.Manifests.Watch {
		group.Go(func() error {
			return files.Watch(groupCtx, fileCache, nil)
		})
	}

	if cfg.Metrics.Address != "" {
		if err := startMetrics(groupCtx, group, cfg.Metrics.Address, m, logger); err != nil {
			return err
		}
	}

	if cfg.Events.LogPath != "" {
		if err := startEventLog(groupCtx, group, cfg.Events, m, logger); err != nil {
			return err
		}
	}

	logger.Info("realm manager running",
		"root_url", cfg.RootURL,
		"socket", cfg.Control.SocketPath,
		"environment", cfg.Environment,
		"version", version.Info(),
	)

	// Resolve the root up front so a bad root URL is reported at
	// startup rather than on the first request.
	if _, err := m.ListChildren(groupCtx, moniker.Root()); err != nil {
		logger.Error("resolving root failed", "root_url", cfg.RootURL, "error", err)
	}

	serveErr := group.Wait()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.StopTimeout+5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		logger.Error("realm shutdown incomplete", "error", err)
	}
	return serveErr
}

func startMetrics(ctx context.Context, group *errgroup.Group, address string, m *manager.Manager, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	eventMetrics, err := metrics.New(registry)
	if err != nil {
		return err
	}
	registry.MustRegister(metrics.NewTreeCollector(m.Tree()))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stream := m.Subscribe(event.Options{Buffer: 1024})
	group.Go(func() error {
		defer stream.Close()
		eventMetrics.Run(ctx, stream)
		return nil
	})
	group.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	logger.Info("serving metrics", "address", listener.Addr().String())
	return nil
}

// startEventLog records every event to the configured log. A log left
// by a previous run is kept as <path>.1.
func startEventLog(ctx context.Context, group *errgroup.Group, events config.EventsConfig, m *manager.Manager, logger *slog.Logger) error {
	compression, err := eventlog.ParseCompression(events.LogCompression)
	if err != nil {
		return err
	}
	if _, err := os.Stat(events.LogPath); err == nil {
		if err := os.Rename(events.LogPath, events.LogPath+".1"); err != nil {
			return fmt.Errorf("rotating event log: %w", err)
		}
	}
	file, err := os.OpenFile(events.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}

	stream := m.Subscribe(event.Options{Buffer: 4096})
	writer := eventlog.NewWriter(file, compression, eventlog.DefaultBatchSize)
	group.Go(func() error {
		defer file.Close()
		defer stream.Close()
		return eventlog.Record(ctx, stream, writer, eventlog.RecorderConfig{Logger: logger})
	})
	logger.Info("recording events", "path", events.LogPath, "compression", compression.String())
	return nil
}
