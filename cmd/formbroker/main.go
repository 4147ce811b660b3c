package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/formbroker/internal/api"
	"github.com/mattjoyce/formbroker/internal/broker"
	"github.com/mattjoyce/formbroker/internal/cache"
	"github.com/mattjoyce/formbroker/internal/catalog"
	"github.com/mattjoyce/formbroker/internal/config"
	"github.com/mattjoyce/formbroker/internal/dispatch"
	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/formstore"
	"github.com/mattjoyce/formbroker/internal/launch"
	"github.com/mattjoyce/formbroker/internal/lock"
	"github.com/mattjoyce/formbroker/internal/log"
	"github.com/mattjoyce/formbroker/internal/protocol"
	"github.com/mattjoyce/formbroker/internal/queue"
	"github.com/mattjoyce/formbroker/internal/registry"
	"github.com/mattjoyce/formbroker/internal/render"
	"github.com/mattjoyce/formbroker/internal/scheduler"
	"github.com/mattjoyce/formbroker/internal/storage"
	"github.com/mattjoyce/formbroker/internal/tui"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			os.Exit(0)
		}
		os.Exit(runStart(args))
	case "monitor":
		if hasHelpFlag(args) {
			printMonitorHelp()
			os.Exit(0)
		}
		os.Exit(runMonitor(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "providers":
		os.Exit(runProviders(args))
	case "version":
		fmt.Printf("formbroker version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`formbroker - host-side form orchestration broker

Usage:
  formbroker <command> [flags]

Commands:
  start             Start the broker in the foreground
  monitor           Live terminal view of a running broker
  providers         List discovered provider bundles
  config check      Validate configuration and provider manifests
  config lock       Authorize current config (update integrity hashes)
  version           Show version information
  help              Show this help message
`)
}

func printStartHelp() {
	fmt.Println("Usage: formbroker start [--config PATH]")
	fmt.Println("Start the broker in the foreground.")
}

func printMonitorHelp() {
	fmt.Println("Usage: formbroker monitor [--api-url URL] [--api-key KEY]")
	fmt.Println("Tail the broker's event stream. FORMBROKER_API_KEY is used when --api-key is empty.")
}

func printProvidersHelp() {
	fmt.Println("Usage: formbroker providers [--config PATH]")
	fmt.Println("List provider bundles found under providers_dir.")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig resolves path, discovering it when empty.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return nil, "", fmt.Errorf("failed to discover config: %w", err)
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func discoverProviders(dir string, logger func(level, msg string, args ...any)) (*catalog.Catalog, error) {
	cat, err := catalog.Discover(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("provider discovery failed in %s: %w", dir, err)
	}
	return cat, nil
}

// deliverSink forwards process callbacks to the broker once it exists. The
// launch binder needs a sink before the broker that owns it is built.
type deliverSink struct {
	target atomic.Pointer[broker.Broker]
}

func (s *deliverSink) Deliver(from form.ProviderKey, cb *protocol.Callback) {
	if b := s.target.Load(); b != nil {
		b.Deliver(from, cb)
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("formbroker starting", "version", version, "config", path, "device_id", cfg.Service.DeviceID)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath, lock.Owner{DeviceID: cfg.Service.DeviceID, ConfigPath: path})
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) && held.Holder != nil {
			logger.Error("another formbroker instance is running", "path", pidLockPath, "pid", held.Holder.PID, "device_id", held.Holder.DeviceID, "config", held.Holder.ConfigPath)
			return 1
		}
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	if prev := pidLock.Previous(); prev != nil {
		logger.Warn("previous instance did not shut down cleanly", "pid", prev.PID, "device_id", prev.DeviceID, "started_at", prev.StartedAt)
		if prev.DeviceID != "" && prev.DeviceID != cfg.Service.DeviceID {
			logger.Warn("device id changed since the last run; persisted form ids keep the old device hash", "previous", prev.DeviceID, "current", cfg.Service.DeviceID)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	cat, err := discoverProviders(cfg.ProvidersDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	})
	if err != nil {
		logger.Error("provider discovery failed", "error", err)
		return 1
	}
	logger.Info("provider discovery complete", "count", len(cat.Providers()))

	hub := events.NewHub(256)
	q := queue.New(db)
	sched := scheduler.New(cfg, q, hub, logger)
	disp := dispatch.New(cfg.Dispatch.TaskDelayOrDefault())

	sink := &deliverSink{}
	binder := launch.NewBinder(launch.Options{
		Resolver:     cat,
		Sink:         sink,
		RendererKey:  render.RendererKey,
		RendererPath: cfg.Renderer.Entrypoint,
		RendererArgs: cfg.Renderer.Args,
		StopGrace:    cfg.Connection.StopGrace,
	})
	defer binder.Close()

	reg := registry.New(cfg.Service.DeviceID, registry.Limits{
		MaxFormsPerUser:   cfg.Quota.MaxFormsPerUser,
		MaxTempForms:      cfg.Quota.MaxTempForms,
		MaxFormsPerClient: cfg.Quota.MaxFormsPerClient,
	})

	b, err := broker.New(broker.Options{
		Registry:     reg,
		Resolver:     cat,
		Store:        formstore.New(db),
		Cache:        cache.New(cfg.Cache.Size),
		Binder:       binder,
		Poster:       disp,
		Timers:       sched,
		Queue:        q,
		Events:       hub,
		Grace:        cfg.Connection.DisconnectGrace,
		AwaitTimeout: cfg.Connection.AwaitTimeout,
	})
	if err != nil {
		logger.Error("failed to build broker", "error", err)
		return 1
	}
	defer b.Close()
	sink.target.Store(b)

	disp.Start(ctx)
	defer disp.Stop()

	restored, err := b.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore forms", "error", err)
		return 1
	}
	logger.Info("forms restored", "count", restored)

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.RunRefreshes(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("refresh: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, b, cat, q, log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("formbroker running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("formbroker stopped")
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Broker API base URL")
	apiKey := fs.String("api-key", "", "API bearer key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	key := *apiKey
	if key == "" {
		key = os.Getenv("FORMBROKER_API_KEY")
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "Error: --api-key or FORMBROKER_API_KEY is required")
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(*apiURL, key))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}

func runProviders(args []string) int {
	if hasHelpFlag(args) {
		printProvidersHelp()
		return 0
	}
	fs := flag.NewFlagSet("providers", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	cat, err := discoverProviders(cfg.ProvidersDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	providers := cat.Providers()
	if len(providers) == 0 {
		fmt.Printf("No providers found in %s\n", cfg.ProvidersDir)
		return 0
	}
	for _, p := range providers {
		fmt.Printf("%-32s v%-3d forms=%-3d %s\n", p.Bundle, p.Version, len(p.Forms), p.Description)
	}
	return 0
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	return filepath.Join(filepath.Dir(dbPath), dbBase[:len(dbBase)-len(ext)]+".pid")
}
