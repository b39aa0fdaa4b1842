// Command clawcontrol runs the task coordination daemon: the board API,
// the recurring-task scheduler, and the cron mirror.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/clawcontrol/internal/agent"
	"github.com/basket/clawcontrol/internal/bus"
	"github.com/basket/clawcontrol/internal/config"
	"github.com/basket/clawcontrol/internal/gateway"
	"github.com/basket/clawcontrol/internal/mirror"
	"github.com/basket/clawcontrol/internal/notify"
	clawotel "github.com/basket/clawcontrol/internal/otel"
	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/recurring"
	"github.com/basket/clawcontrol/internal/telemetry"
	"github.com/basket/clawcontrol/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"clawcontrol","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func main() {
	home := flag.String("home", "", "data directory (default: $CLAWCONTROL_HOME or ~/.clawcontrol)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("clawcontrol", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cfg config.Config
		err error
	)
	if *home != "" {
		cfg, err = config.LoadFrom(*home)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter agents", "home", cfg.HomeDir)
		cfg, err = config.LoadFrom(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	if cfg.AuthToken == "" {
		// Without a configured token the API would be unreachable. The
		// logger masks credentials, so print the generated one directly.
		cfg.AuthToken = uuid.NewString()
		logger.Warn("auth_token not configured; generated an ephemeral one for this run")
		fmt.Printf("ephemeral auth token: %s\n", cfg.AuthToken)
	}

	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Printf("clawcontrol %s listening on %s (home %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	eventBus := bus.New()

	otelProvider, err := clawotel.Init(ctx, clawotel.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "clawcontrol.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	registry := agent.NewRegistry(store, logger)
	if err := registry.Seed(ctx, cfg.Agents); err != nil {
		fatalStartup(logger, "E_AGENT_SEED", err)
	}

	notifier := notify.New(logger, cfg.Remotes, "http://"+cfg.BindAddr, otelProvider.Metrics)

	wf := workflow.NewService(store, eventBus, notifier, logger,
		registry.LeadID, cfg.AssignmentRules, cfg.CompletionKeywords, otelProvider.Metrics)

	engine := recurring.NewEngine(store, eventBus, logger, otelProvider.Metrics)

	mir, err := mirror.New(store, eventBus, cfg.Remotes, logger, otelProvider.Tracer, otelProvider.Metrics)
	if err != nil {
		fatalStartup(logger, "E_MIRROR_INIT", err)
	}
	// Local template mutations propagate to the remote endpoints off the
	// request path.
	engine.SetMutationHook(mir.Dispatch)

	scheduler := recurring.NewScheduler(recurring.SchedulerConfig{
		Engine:   engine,
		Logger:   logger,
		Interval: cfg.SchedulerInterval(),
	})
	scheduler.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "interval", cfg.SchedulerInterval().String())

	if interval := cfg.SyncInterval(); interval > 0 {
		go runPeriodicSync(ctx, mir, interval, logger)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				fresh, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "path", ev.Path, "error", err)
					continue
				}
				// Bind address and store layout need a restart; log the
				// fingerprint so drift is visible.
				logger.Info("config reloaded", "fingerprint", fresh.Fingerprint())
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Workflow:          wf,
		Recurring:         engine,
		Mirror:            mir,
		Registry:          registry,
		Notifier:          notifier,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           otelProvider.Metrics,
	})
	handler := gateway.NewCORSMiddleware(cfg.CORS)(
		gateway.RequestSizeLimitMiddleware(0)(gw.Handler()))

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	scheduler.Stop()
	logger.Info("shutdown complete")
}

// runPeriodicSync pulls remote crons on a fixed cadence and pushes local
// state back afterwards.
func runPeriodicSync(ctx context.Context, mir *mirror.Service, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcomes := mir.SyncFromRemotes(ctx)
			if len(outcomes) > 0 {
				logger.Info("periodic cron sync", "synced", len(outcomes))
			}
			mir.Dispatch(nil)
		}
	}
}

// writeDefaultConfig bootstraps a first-run home with a lead agent so the
// board is usable immediately.
func writeDefaultConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg := config.Config{
		BindAddr:                 "127.0.0.1:18890",
		LogLevel:                 "info",
		SchedulerIntervalSeconds: 60,
		Agents: []config.AgentEntry{
			{ID: "main", Name: "Main", Role: "LEAD", Description: "Lead agent and default reviewer", Avatar: "🧭"},
		},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
