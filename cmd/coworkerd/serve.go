package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/api"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/artifacts"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/audit"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/auth"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/config"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/coworker"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/dispatch"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/governance"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/lifecycle"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/llm"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/observability"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/orchestrator"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/router"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/server"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/store"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/versioning"
)

const (
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
	idempotencyTTL   = 24 * time.Hour
	ledgerEntries    = 10000
)

// runServe wires every subsystem and serves until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting coworkerd",
		"version", versioning.Version,
		"lite_mode", cfg.LiteMode(),
		"llm_provider", cfg.LLMProvider,
	)

	// 1. Storage
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var (
		turns conversation.Store = store.NewConversationStore(db)
		rdb   *redis.Client
	)
	if cfg.RedisAddr != "" {
		rcs := store.NewRedisConversationStore(store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Retained: cfg.HistoryWindow * 4,
		})
		if err := rcs.Ping(ctx); err != nil {
			_ = rcs.Close()
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rcs.Close() }()
		turns = rcs

		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = rdb.Close() }()
		logger.Info("conversation history in redis", "addr", cfg.RedisAddr)
	}

	// 2. Telemetry
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Environment = cfg.Environment
	obsCfg.ServiceVersion = versioning.Version
	obs, err := observability.New(ctx, obsCfg,
		observability.WithSLOTracker(observability.NewSLOTracker(observability.DefaultSLOTargets()...)))
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// 3. Audit trail
	archive, err := artifacts.NewStore(ctx, artifacts.Config{
		Kind:     artifacts.Kind(cfg.AuditArchive),
		DataDir:  filepath.Join(cfg.DataDir, "audit"),
		Bucket:   cfg.AuditBucket,
		Prefix:   cfg.AuditPrefix,
		Region:   cfg.AWSRegion,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return fmt.Errorf("audit archive: %w", err)
	}
	records := store.NewAuditRecordStore(db)
	chain := audit.NewStoreLogger(store.NewAuditStore(store.WithMaxEntries(ledgerEntries)))
	durable := audit.NewSQLSink(records, archive)
	auditor := audit.Loggers{audit.NewLogger(), chain, durable}
	batchSink := audit.Sinks{chain, durable}

	// 4. Domain
	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}
	logger.Info("approval policy loaded",
		"auto_approved", policy.AutoApproved(),
		"never_auto", policy.NeverAuto(),
	)
	normalizer := actions.DefaultNormalizer()
	schemas, err := actions.NewSchemaRegistry()
	if err != nil {
		return fmt.Errorf("action schemas: %w", err)
	}

	generator, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	guarded := llm.NewGuard(generator, cfg.GenerationTimeout, llm.NewCircuitBreaker(cfg.LLMProvider, breakerThreshold, breakerReset)).
		WithObservability(obs)

	orch := orchestrator.New(registry,
		router.New(registry, guarded, cfg.RoutingTimeout),
		guarded, turns, conversation.NewLocker(),
		orchestrator.Config{
			HistoryWindow:     cfg.HistoryWindow,
			GenerationTimeout: cfg.GenerationTimeout,
			Vocabulary:        normalizer.Vocabulary(),
		})

	manager := lifecycle.NewManager(normalizer, policy,
		lifecycle.WithRepository(store.NewActionStore(db)),
		lifecycle.WithAuditor(auditor),
		lifecycle.WithTerminalRetention(cfg.ActionRetention),
	)

	var exec dispatch.Executor
	if cfg.PlaybookURL != "" {
		exec = dispatch.NewPlaybookExecutor(cfg.PlaybookURL, dispatch.WithBearerToken(cfg.PlaybookToken))
		logger.Info("dispatching to playbook runner", "url", cfg.PlaybookURL)
	} else {
		exec = dispatch.NewLogExecutor(logger)
		logger.Warn("PLAYBOOK_URL not set, approved actions are only logged")
	}
	dispatchCfg := dispatch.Config{
		Concurrency:   cfg.DispatchConcurrency,
		Timeout:       cfg.ExecutionTimeout,
		RatePerSecond: cfg.DispatchRPS,
	}
	dispatcher := dispatch.New(exec, manager, dispatchCfg,
		dispatch.WithSchemas(schemas),
		dispatch.WithAuditSink(batchSink),
		dispatch.WithObservability(obs),
	)

	svc := coworker.New(registry, orch, manager, dispatcher,
		coworker.WithAuditor(auditor),
		coworker.WithObservability(obs),
		coworker.WithLogger(logger.With("component", "coworker")),
	)
	if _, err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restore approval tray: %w", err)
	}

	// 5. HTTP
	var limiter auth.LimiterStore = auth.NewMemoryLimiterStore()
	if rdb != nil {
		limiter = auth.NewRedisLimiterStore(rdb)
	}
	validator := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)
	if validator == nil {
		logger.Warn("JWT_SECRET not set, trusting X-Tenant-ID headers")
	}

	srv := server.New(svc, registry, audit.NewExporter(records), auditor, obs, server.Options{
		Validator:    validator,
		Limiter:      limiter,
		TenantPolicy: auth.Policy{RPM: cfg.RateLimitRPS * 60, Burst: cfg.RateLimitBurst},
		GlobalRPS:    cfg.IPRateLimitRPS,
		GlobalBurst:  cfg.IPRateBurst,
		CORSOrigins:  cfg.CORSOrigins,
		Idempotency:  api.NewSQLIdempotencyStore(db, idempotencyTTL),
		Logger:       logger,
	})
	srv.AddReadinessCheck("database", pingCheck(db))
	if rdb != nil {
		srv.AddReadinessCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	return srv.ListenAndServe(ctx, ":"+cfg.Port)
}

func pingCheck(db *sql.DB) server.ReadinessCheck {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

func loadPolicy(cfg *config.Config) (*governance.Policy, error) {
	if cfg.ApprovalPolicy == "" {
		return governance.DefaultPolicy(), nil
	}
	return governance.LoadPolicyFile(cfg.ApprovalPolicy)
}

func newGenerator(cfg *config.Config) (llm.Generator, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		baseURL := cfg.LLMServiceURL
		if baseURL == llm.DefaultOpenAIURL {
			baseURL = ""
		}
		return llm.NewAnthropicGenerator(cfg.LLMAPIKey, cfg.LLMModel, baseURL)
	case "openai":
		return llm.NewOpenAIClient(cfg.LLMServiceURL, cfg.LLMAPIKey, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unsupported LLM_PROVIDER %q", cfg.LLMProvider)
	}
}
