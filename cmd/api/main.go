package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/beacon-iot/edgegate/internal/api/routes"
	"github.com/beacon-iot/edgegate/internal/config"
	"github.com/beacon-iot/edgegate/internal/database"
	"github.com/beacon-iot/edgegate/internal/discovery"
	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/privacy"
	"github.com/beacon-iot/edgegate/internal/server"
	"github.com/beacon-iot/edgegate/internal/services"
	"github.com/beacon-iot/edgegate/internal/version"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Name, version.Full())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	setupLogging(cfg)
	log := logger.Log()
	log.WithField("version", version.Full()).WithField("gateway_id", cfg.Gateway.ID).Info("Starting EdgeGate")

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("Gateway exited with error")
	}
}

// setupLogging logs to both stdout and a rotated file under the log directory.
func setupLogging(cfg config.Config) {
	var out io.Writer = os.Stdout
	if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "edgegate.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}
	logger.Init(cfg.Debug, out)
}

func run(cfg config.Config) error {
	log := logger.Log()
	metrics.Register(prometheus.DefaultRegisterer)

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	store := services.NewPolicyStore(db, cfg.DatabasePath)
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close policy store")
		}
	}()

	exprs, err := services.NewExpressionCompiler()
	if err != nil {
		return fmt.Errorf("expression compiler: %w", err)
	}
	validator, err := services.NewPolicyValidator(exprs)
	if err != nil {
		return err
	}
	hasher, err := privacy.NewDeviceHasherWithScheme(cfg.Gateway.ID, cfg.Gateway.SaltScheme)
	if err != nil {
		return fmt.Errorf("device hasher: %w", err)
	}

	notifier := services.NewNotificationService(cfg.Gateway.ID, cfg.Notifications.URLs)

	pool := discovery.NewPool(discovery.PoolOptions{
		APIVersion:     cfg.Backend.APIVersion,
		SweepInterval:  cfg.Backend.HealthCheckInterval,
		ProbeTimeout:   cfg.Backend.ConnectionTimeout,
		OnHealthChange: notifier.BackendHealthChanged,
	})
	if n := pool.AddStatic(cfg.Backend.StaticNodes); n == 0 {
		log.Warn("No usable static backend nodes configured")
	}
	client := discovery.NewClient(pool, discovery.ClientOptions{
		CallTimeout:      cfg.Backend.CallTimeout,
		MaxAttempts:      cfg.Backend.MaxAttempts,
		RetryBackoff:     cfg.Backend.RetryBackoff,
		NoEndpointWait:   cfg.Backend.NoEndpointWait,
		Authorize:        services.NewGatewayAuthorizer(cfg.Gateway.ID, cfg.Gateway.Secret),
		MaxResponseBytes: cfg.Backend.MaxResponseBytes,
	})

	ledger := services.NewLedgerService(client, cfg.Gateway, hasher)

	var sink services.AuditSink
	if cfg.Backend.ForwardAudit {
		sink = ledger
	}
	audit := services.NewAuditService(sink, 0)

	enforcer, err := services.NewPolicyEnforcer(store, hasher, services.EnforcerOptions{
		GatewayID:       cfg.Gateway.ID,
		DefaultDecision: models.AccessDecision(cfg.Policy.DefaultDecision),
		RefreshInterval: cfg.Policy.RefreshInterval,
		Expressions:     exprs,
		Recorder:        audit,
	})
	if err != nil {
		return fmt.Errorf("decision engine: %w", err)
	}

	syncSvc := services.NewPolicySyncService(ledger, store, validator, services.SyncOptions{
		IncludeDisabled: cfg.Policy.IncludeDisabled,
		Invalidator:     enforcer,
		Notifier:        notifier,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := services.NewScheduler(services.SchedulerDeps{
		Pool:   pool,
		Store:  store,
		Sync:   syncSvc,
		Ledger: ledger,
		Audit:  audit,
	}, services.SchedulerOptions{
		SyncInterval:      cfg.Policy.SyncInterval,
		CleanupInterval:   cfg.Policy.CleanupInterval,
		HeartbeatInterval: cfg.Backend.HeartbeatInterval,
		DiscoveryDomains:  cfg.Backend.DiscoveryDomains,
	})

	srv, err := server.New(cfg, routes.Deps{
		Pool:      pool,
		Store:     store,
		Enforcer:  enforcer,
		Validator: validator,
		Sync:      syncSvc,
		Ledger:    ledger,
		Audit:     audit,
	})
	if err != nil {
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	runErr := srv.Run(ctx)

	log.Info("Shutting down")
	stop()
	scheduler.Stop()

	unregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ledger.UnregisterGateway(unregisterCtx); err != nil {
		log.WithError(err).Warn("Gateway unregistration failed")
	}
	notifier.Wait()

	return runErr
}
