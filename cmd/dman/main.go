package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dman/internal/bridge"
	"dman/internal/config"
	"dman/internal/download"
	"dman/internal/engine"
	"dman/internal/intercept"
	"dman/internal/logging"
	"dman/internal/notify"
	"dman/internal/opener"
	"dman/internal/server"
	"dman/internal/store"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel))
	logging.SetUnsafePayloads(cfg.UnsafeLogPayloads)
	lg := logging.Logger

	if cfg.StoreKind() == "sqlite" {
		// Ensure DB directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
			log.Fatalf("create db dir: %v", err)
		}
	}
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.OpenBackend(startCtx, cfg.StoreURL, cfg.AbsDBPath)
	if err != nil {
		startCancel()
		log.Fatalf("open store: %v", err)
	}
	snap, found, err := st.LoadSnapshot(startCtx)
	startCancel()
	if err != nil {
		// A broken snapshot should not keep the service down.
		lg.Error("snapshot_load_failed", "error", err)
	}

	// The engine outlives any single request; only shutdown kills it.
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	br := bridge.New(lg)
	notifier := notify.NewDispatcher(br, notify.LogBackend{Logger: lg}, lg)

	mgr := download.NewManager(download.Options{
		Browser:        br,
		Notifier:       notifier,
		Store:          st,
		Dial:           newDialer(engineCtx, cfg, lg),
		PendingTimeout: cfg.PendingTimeout,
		NotifyTimeout:  cfg.NotifyTimeout,
		SaveDelay:      cfg.SaveDelay,
		Logger:         lg,
	})
	if found {
		mgr.Restore(snap)
	}
	mgr.Start()

	// A missing engine is reported, not fatal: the dashboard can reconnect
	// once it is installed.
	if err := engine.Check(cfg.EnginePath); err != nil {
		lg.Warn("engine_unavailable", "path", cfg.EnginePath, "error", err)
	} else if err := mgr.Reconnect(engineCtx); err != nil {
		lg.Warn("engine_connect_failed", "error", err)
	}

	icp := intercept.New(br, mgr, lg)
	br.SetChangeHandler(func(ctx context.Context, ch intercept.Change) {
		if _, err := icp.Handle(ctx, ch); err != nil && !errors.Is(err, intercept.ErrNoPath) {
			lg.Warn("intercept_failed", "native_id", ch.Native, "error", err)
		}
	})

	handler := server.New(mgr, server.Options{
		Browser:      br,
		Opener:       opener.New(lg),
		StatInterval: cfg.StatInterval,
		Logger:       lg,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // websocket feeds stay open
		IdleTimeout:       60 * time.Second,
	}

	// Start server
	go func() {
		logging.LogServerStart(cfg.Addr, cfg.Summary())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()
	logging.LogServerShutdown("shutdown signal received; draining", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	handler.Close()
	br.Close()
	// Manager writes its final snapshot on Close, so the store goes after it.
	if err := mgr.Close(); err != nil {
		logging.LogServerShutdown("manager close", err)
	}
	stopEngine()
	if err := st.Close(); err != nil {
		logging.LogServerShutdown("store close", err)
	}
	notifier.Close()
	logging.LogServerShutdown("shutdown complete", nil)
}

// loadConfig layers defaults, the config file, the env file and process
// environment, then explicit flags.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("dman", flag.ContinueOnError)
	var (
		configPath string
		envFile    string
		host       string
		port       int
		dbPath     string
		storeURL   string
		enginePath string
		logLevel   string
	)
	fs.StringVar(&configPath, "config", "", "Path to a TOML or YAML config file")
	fs.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file with DMAN_* overrides")
	fs.StringVar(&host, "host", "", "Host address to bind (default 127.0.0.1)")
	fs.IntVar(&port, "port", 0, "Server port (default 8765)")
	fs.StringVar(&dbPath, "db", "", "Path to SQLite database (default: OS data dir: dman/dman.db)")
	fs.StringVar(&storeURL, "store", "", "Snapshot store URL: sqlite://path or redis://host:port/db")
	fs.StringVar(&enginePath, "engine", "", "Path to the download engine binary")
	fs.StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = host
		case "port":
			cfg.Port = port
		case "db":
			cfg.DBPath = dbPath
		case "store":
			cfg.StoreURL = storeURL
		case "engine":
			cfg.EnginePath = enginePath
		case "log-level":
			cfg.LogLevel = logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ResolveDBPath(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDialer starts the engine under ctx rather than the caller's context,
// so a reconnect from a short HTTP request does not kill the process.
func newDialer(ctx context.Context, cfg *config.Config, lg *slog.Logger) download.Dialer {
	return func(context.Context) (download.Engine, error) {
		p, err := engine.Start(ctx, cfg.EnginePath, cfg.EngineArgs, lg.With("component", "engine"))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
