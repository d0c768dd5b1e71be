// concierged is the Concierge daemon: a multi-tenant assistant for small
// bookings businesses. It serves the chat and proposal API, drives the
// model's tool loop, and runs the background maintenance jobs.
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
	"strings"
	"syscall"
	"time"

	"github.com/harborline/concierge/internal/audit"
	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/config"
	"github.com/harborline/concierge/internal/conflict"
	"github.com/harborline/concierge/internal/cron"
	"github.com/harborline/concierge/internal/gateway"
	"github.com/harborline/concierge/internal/guard"
	"github.com/harborline/concierge/internal/llm"
	"github.com/harborline/concierge/internal/orchestrator"
	otelPkg "github.com/harborline/concierge/internal/otel"
	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/telemetry"
	"github.com/harborline/concierge/internal/tools"
	"github.com/harborline/concierge/internal/trust"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the daemon
  %s status          Check daemon health (/healthz)
  %s version         Print version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONCIERGE_HOME          Data directory (default: ~/.concierge)
  GEMINI_API_KEY          Required for the google provider
  ANTHROPIC_API_KEY       Required for the anthropic provider
  OPENAI_API_KEY          Required for the openai provider
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
	}

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	go otelPkg.NewObserver(metrics).Run(ctx, eventBus)

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	auditor, err := audit.NewLogger(store, cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditor.Close()

	// Tool surface: read tools run inline, write tools become proposals
	// whose executors are bound into the trust registry.
	toolReg := tools.NewRegistry()
	trustReg := trust.NewRegistry()
	if err := tools.RegisterReadTools(toolReg, store); err != nil {
		fatalStartup(logger, "E_TOOLS_INIT", err)
	}
	if err := tools.RegisterWriteTools(toolReg, trustReg, store, conflict.NewGuard()); err != nil {
		fatalStartup(logger, "E_TOOLS_INIT", err)
	}

	trustEngine := trust.NewEngine(store, trustReg, trust.Options{
		ExpiryInternal:  cfg.ProposalExpiry("internal"),
		ExpiryPublic:    cfg.ProposalExpiry("public"),
		ExecutorTimeout: time.Duration(cfg.Guard.ExecutorTimeoutSeconds) * time.Second,
	}, logger)

	provider := buildProvider(ctx, cfg, logger)
	guards := guard.NewRegistry(guard.LimitsFromConfig(cfg.Guard), eventBus)

	orch := orchestrator.New(store, toolReg, trustEngine, guards, provider, eventBus,
		orchestrator.SettingsFromConfig(&cfg), cfg.PERSONA, logger)
	orch.SetAuditor(auditor)

	// Persona hot reload.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start, persona edits need a restart", "error", err)
	} else {
		go orch.WatchPersona(ctx, watcher.Events(), func() (string, error) {
			b, err := os.ReadFile(config.PersonaPath(cfg.HomeDir))
			return string(b), err
		})
	}

	scheduler, err := cron.NewScheduler(cron.Config{
		Store:                 store,
		Trust:                 trustEngine,
		Guards:                guards,
		Logger:                logger,
		SweepSpec:             cfg.Proposals.SweepIntervalCron,
		RetentionMessagesDays: cfg.RetentionMessagesDays,
		RetentionAuditDays:    cfg.RetentionAuditLogDays,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	rateLimit := gateway.NewRateLimitMiddleware(cfg.RateLimit, cfg.Tenants)
	rateLimit.StartEviction(ctx, 10*time.Minute, time.Hour)

	srv := gateway.New(gateway.Config{
		Store:             store,
		Orchestrator:      orch,
		Bus:               eventBus,
		Auth:              gateway.NewAuthMiddleware(cfg.Tenants),
		RateLimit:         rateLimit,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.BindAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return 0
}

// buildProvider wires the primary completion provider plus failover chain.
func buildProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) llm.Provider {
	primary := llm.NewGenkitProvider(ctx, cfg.LLM)
	if len(cfg.LLM.FallbackProviders) == 0 {
		return primary
	}
	var fallbacks []llm.Provider
	for _, name := range cfg.LLM.FallbackProviders {
		fbCfg := cfg.LLM
		fbCfg.Provider = name
		fb := llm.NewGenkitProvider(ctx, fbCfg)
		if !fb.Live() {
			logger.Warn("fallback provider has no API key, skipping", "provider", name)
			continue
		}
		fallbacks = append(fallbacks, fb)
	}
	if len(fallbacks) == 0 {
		return primary
	}
	return llm.NewFailoverProvider(primary, fallbacks,
		cfg.LLM.FailoverThreshold,
		time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second)
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}
