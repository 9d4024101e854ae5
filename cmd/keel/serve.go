package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/basisworks/keel/pkg/api"
	"github.com/basisworks/keel/pkg/audit"
	"github.com/basisworks/keel/pkg/auth"
	"github.com/basisworks/keel/pkg/basis"
	"github.com/basisworks/keel/pkg/config"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/engine"
	"github.com/basisworks/keel/pkg/escalation"
	"github.com/basisworks/keel/pkg/observability"
	"github.com/basisworks/keel/pkg/orchestrator"
	"github.com/basisworks/keel/pkg/semantic"
	"github.com/basisworks/keel/pkg/trust"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	envFile := cmd.String("env-file", "", "Load environment from this file before reading config")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(stderr, "%s cannot load %s: %v\n", glyphFail, *envFile, err)
			return 2
		}
	} else {
		// Best-effort .env for local development.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%s configuration: %v\n", glyphFail, err)
		return 2
	}
	logger := newLogger(cfg.LogLevel)

	if err := serve(context.Background(), cfg, logger, stdout); err != nil {
		fmt.Fprintf(stderr, "%s %v\n", glyphFail, err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openDB opens the configured relational database. SQLite is capped to one
// connection: the driver serializes writers anyway and a single connection
// avoids SQLITE_BUSY under concurrent appends.
func openDB(cfg *config.Config) (*sql.DB, error) {
	driver := cfg.DBDriver
	if driver == "sqlite" {
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func buildStores(cfg *config.Config, db *sql.DB) (audit.Store, trust.Store, error) {
	if cfg.DBDriver == "postgres" {
		as, err := audit.NewPostgresStore(db)
		if err != nil {
			return nil, nil, err
		}
		ts, err := trust.NewPostgresStore(db)
		if err != nil {
			return nil, nil, err
		}
		return as, ts, nil
	}
	as, err := audit.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	ts, err := trust.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	return as, ts, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	auditStore, trustStore, err := buildStores(cfg, db)
	if err != nil {
		return err
	}

	// Telemetry first so everything downstream can attach spans.
	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel",
		ServiceVersion: Version,
		Environment:    os.Getenv("KEEL_ENV"),
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	auditSvc, err := audit.NewService(audit.Config{
		Store:  auditStore,
		Logger: logger.With("component", "audit"),
	})
	if err != nil {
		return err
	}

	var keyring *trust.Keyring
	if cfg.SigningKeyPath != "" {
		keyring, err = trust.LoadKeyring(cfg.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("signing key: %w", err)
		}
	} else {
		keyring, err = trust.GenerateKeyring()
		if err != nil {
			return err
		}
		logger.Warn("no KEEL_SIGNING_KEY_PATH configured, using an ephemeral keyring; " +
			"receipts and export manifests will not verify across restarts")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	trustSvc, err := trust.NewService(trust.Config{
		Store:   trustStore,
		Redis:   rdb,
		Keyring: keyring,
		Auditor: audit.NewTrustRecorder(auditSvc),
		Logger:  logger.With("component", "trust"),
	})
	if err != nil {
		return err
	}

	semanticSvc, err := semantic.NewService(semantic.Config{
		PreValidatorBudget:  cfg.PreValidatorBudget,
		PreTotalBudget:      cfg.PreCheckCap,
		PostValidatorBudget: cfg.PostValidatorBudget,
		PostTotalBudget:     cfg.PostCheckCap,
	}, semantic.WithServiceLogger(logger.With("component", "semantic")))
	if err != nil {
		return err
	}

	eng, err := engine.New(
		engine.WithCapabilityChecker(orchestrator.CapabilityAdapter{Trust: trustSvc}),
		engine.WithLogger(logger.With("component", "engine")),
	)
	if err != nil {
		return err
	}

	receiptSigner, err := keyring.ForPurpose(trust.PurposeEscalation)
	if err != nil {
		return err
	}
	escalations := escalation.NewManager(
		escalation.WithSigner(receiptSigner),
		escalation.WithAuditor(audit.NewEscalationRecorder(auditSvc)),
		escalation.WithLogger(logger.With("component", "escalation")),
	)

	// Policy bundles come from the bundle directory, hot-reloaded on change.
	loader := basis.NewDirLoader(cfg.BundleDir, basis.WithLogger(logger.With("component", "basis")))
	if err := loader.Load(); err != nil {
		return fmt.Errorf("load bundles: %w", err)
	}
	go func() {
		if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("bundle watcher stopped", "error", err)
		}
	}()
	defer loader.Close()
	logger.Info("policy bundles loaded", "dir", cfg.BundleDir, "count", loader.Snapshot().Len())

	profiles := map[string]config.TenantProfile{}
	if cfg.ProfilePath != "" {
		profiles, err = config.LoadProfiles(cfg.ProfilePath)
		if err != nil {
			return fmt.Errorf("tenant profiles: %w", err)
		}
	}
	perTenant := make(map[string]orchestrator.Settings, len(profiles))
	for id, p := range profiles {
		perTenant[id] = orchestrator.Settings{
			Strategy:      engine.Strategy(p.ConflictStrategy),
			DefaultAction: contracts.DecisionAction(p.DefaultAction),
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Engine:      eng,
		Semantic:    semanticSvc,
		Trust:       trustSvc,
		Audit:       auditSvc,
		Escalations: escalations,
		Policies:    loader,
		Telemetry:   telemetry,
		Defaults: orchestrator.Settings{
			Strategy:      engine.Strategy(cfg.ConflictStrategy),
			DefaultAction: contracts.DecisionAction(cfg.DefaultAction),
		},
		PerTenant: perTenant,
		Logger:    logger.With("component", "orchestrator"),
	})
	if err != nil {
		return err
	}

	// Retention janitor: tenant profiles override the process defaults.
	janitor, err := audit.NewJanitor(auditSvc, func(context.Context) ([]audit.RetentionPolicy, error) {
		policies := make([]audit.RetentionPolicy, 0, len(profiles))
		for id, p := range profiles {
			rp := audit.RetentionPolicy{
				TenantID: id,
				CleanupConfig: audit.CleanupConfig{
					ArchiveAfterDays: cfg.ArchiveAfterDays,
					RetentionDays:    cfg.RetentionDays,
				},
			}
			if p.ArchiveAfterDays > 0 {
				rp.ArchiveAfterDays = p.ArchiveAfterDays
			}
			if p.RetentionDays > 0 {
				rp.RetentionDays = p.RetentionDays
			}
			policies = append(policies, rp)
		}
		return policies, nil
	}, cfg.CleanupCron, logger.With("component", "retention"))
	if err != nil {
		return err
	}
	janitor.Start(ctx)
	defer janitor.Stop()

	// Expire overdue escalations once a minute.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := escalations.CheckTimeouts(ctx); err != nil {
					logger.Warn("escalation sweep", "error", err)
				}
			}
		}
	}()

	exportSigner, err := keyring.ForPurpose(trust.PurposeExport)
	if err != nil {
		return err
	}
	sink, err := audit.NewSink(ctx, sinkConfig(cfg))
	if err != nil {
		return fmt.Errorf("export sink: %w", err)
	}
	exporter, err := audit.NewExporter(auditSvc, exportSigner, sink)
	if err != nil {
		return err
	}

	if cfg.JWTSecret == "" {
		logger.Warn("no KEEL_JWT_SECRET configured; every API request will be rejected")
	}
	clientLimiter := api.NewClientLimiter(50, 100)
	defer clientLimiter.Close()
	var tenantLimiter *api.TenantLimiter
	if rdb != nil {
		tenantLimiter = api.NewTenantLimiter(rdb, 200, 400)
	}

	server, err := api.NewServer(api.ServerConfig{
		Orchestrator:  orch,
		Audit:         auditSvc,
		Exporter:      exporter,
		Trust:         trustSvc,
		Escalations:   escalations,
		Validator:     auth.NewValidator(cfg.JWTSecret),
		ClientLimiter: clientLimiter,
		TenantLimiter: tenantLimiter,
		Ready: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
		Logger: logger.With("component", "api"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "driver", cfg.DBDriver)
		fmt.Fprintf(stdout, "%s keel listening on %s\n", glyphOK, cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func sinkConfig(cfg *config.Config) audit.SinkConfig {
	switch cfg.ExportSink {
	case "s3":
		return audit.SinkConfig{
			Kind: "s3",
			S3: audit.S3Config{
				Bucket: cfg.ExportBucket,
				Prefix: "keel",
			},
		}
	case "gcs":
		return audit.SinkConfig{
			Kind:      "gcs",
			GCSBucket: cfg.ExportBucket,
			GCSPrefix: "keel",
		}
	default:
		return audit.SinkConfig{Kind: "file", Dir: cfg.ExportDir}
	}
}
