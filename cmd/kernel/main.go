// Command kernel runs the release-orchestration kernel: the Request
// Surface, its background Scheduler, and every domain collaborator they
// share, wired together the way cmd/helm wires the legacy server —
// DATABASE_URL switches between a durable Postgres topology and an
// in-memory one for local development, every durable component gets an
// explicit Init(ctx) call before it serves a request, and shutdown is a
// plain SIGINT/SIGTERM wait.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foundryrelease/kernel/pkg/api"
	"github.com/foundryrelease/kernel/pkg/audit"
	"github.com/foundryrelease/kernel/pkg/auth"
	"github.com/foundryrelease/kernel/pkg/config"
	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/idempotency"
	"github.com/foundryrelease/kernel/pkg/manifest"
	"github.com/foundryrelease/kernel/pkg/multisig"
	"github.com/foundryrelease/kernel/pkg/observability"
	"github.com/foundryrelease/kernel/pkg/policy"
	"github.com/foundryrelease/kernel/pkg/publish"
	"github.com/foundryrelease/kernel/pkg/scheduler"
	"github.com/foundryrelease/kernel/pkg/signer"

	_ "github.com/lib/pq" // postgres driver
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	obsProvider, err := observability.New(ctx, &observability.Config{
		ServiceName:  "foundryrelease-kernel",
		Environment:  cfg.OTELEnvironment,
		OTLPEndpoint: cfg.OTELEndpoint,
		SampleRate:   cfg.OTELSampleRate,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTELEnabled,
		Insecure:     cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("kernel: init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obsProvider.Shutdown(shutdownCtx)
	}()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("kernel: connect postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("kernel: ping postgres: %w", err)
		}
		logger.Info("kernel: postgres connected")
		defer db.Close()
	} else {
		logger.Info("kernel: database_url unset, running in-memory")
	}

	gw, registryKid, err := buildSigningGateway(cfg)
	if err != nil {
		return err
	}
	registry := signer.NewRegistry(gw, 5*time.Minute)

	backend, err := buildPolicyBackend(cfg)
	if err != nil {
		return err
	}
	gate := policy.NewGate(backend, true)

	sampler := buildSamplingPolicy(cfg.AuditSamplingPolicy)

	var chain audit.Chain
	if cfg.DatabaseURL != "" {
		pc := audit.NewPostgresChain(db, gw, registry, registryKid, sampler)
		if err := pc.Init(ctx); err != nil {
			return fmt.Errorf("kernel: init audit chain: %w", err)
		}
		chain = pc
	} else {
		chain = audit.NewMemoryChain(gw, registry, registryKid, sampler)
	}

	var manifestStore manifest.Store
	if cfg.DatabaseURL != "" {
		ms := manifest.NewPostgresStore(db)
		if err := ms.Init(ctx); err != nil {
			return fmt.Errorf("kernel: init manifest store: %w", err)
		}
		manifestStore = ms
	} else {
		manifestStore = manifest.NewMemoryStore()
	}
	engine := manifest.NewEngine(manifestStore, gate, registry, gw, chain, registryKid)

	var msStore multisig.Store
	if cfg.DatabaseURL != "" {
		pms := multisig.NewPostgresStore(db)
		if err := pms.Init(ctx); err != nil {
			return fmt.Errorf("kernel: init multisig store: %w", err)
		}
		msStore = pms
	} else {
		msStore = multisig.NewMemoryStore()
	}
	approvers := splitEnvList("MULTISIG_APPROVERS")
	coordinator := multisig.NewCoordinator(msStore, chain, engine, approvers, cfg.MultisigRequired, cfg.EmergencyRatificationWindow)

	var pubStore publish.Store
	if cfg.DatabaseURL != "" {
		pps := publish.NewPostgresStore(db)
		if err := pps.Init(ctx); err != nil {
			return fmt.Errorf("kernel: init publish store: %w", err)
		}
		pubStore = pps
	} else {
		pubStore = publish.NewMemoryStore()
	}
	publishers := buildPublishers()
	driver := publish.NewDriver(pubStore, engine, chain, publishers)
	driver.MaxAttempts = cfg.PublishMaxAttempts
	engine.Publisher = driver

	var idemStore idempotency.Store
	var sweeper scheduler.IdempotencySweeper
	if cfg.DatabaseURL != "" {
		ss := idempotency.NewSQLStore(db, idempotency.DialectPostgres, cfg.IdempotencyTTL)
		if err := ss.Init(ctx); err != nil {
			return fmt.Errorf("kernel: init idempotency store: %w", err)
		}
		idemStore = ss
		sweeper = newRedisGuardedSweeper(ss)
	} else {
		idemStore = idempotency.NewMemoryStore(cfg.IdempotencyTTL, 100000)
	}

	jwtKeySet, err := auth.NewInMemoryKeySet()
	if err != nil {
		return fmt.Errorf("kernel: init jwt keyset: %w", err)
	}
	validator := auth.NewJWTValidator(jwtKeySet)

	trust := &api.TrustKeysHandler{Registry: registry, Kids: []string{registryKid}}
	if err := trust.Warm(ctx); err != nil {
		return fmt.Errorf("kernel: warm trust keys: %w", err)
	}

	server := &api.Server{
		Engine:      engine,
		Coordinator: coordinator,
		Publisher:   driver,
		Chain:       chain,
		Exporter:    audit.NewExporter(chain),
		Trust:       trust,
		Registry:    registry,
	}

	mux := server.Routes()

	var handler http.Handler = mux
	handler = auth.NewMiddleware(validator)(handler)
	if idemStore != nil {
		handler = idempotency.Middleware(idemStore, tenantIDFromContext)(handler)
	}
	handler = api.NewTenantRateLimiter(20, 40).Middleware(handler)
	handler = api.NewGlobalRateLimiter(50, 100).Middleware(handler)
	handler = auth.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	drivers := []scheduler.Driver{
		scheduler.NewPublishRetryDriver(driver),
		scheduler.NewEmergencyRatificationDriver(coordinator),
	}
	if sweeper != nil {
		drivers = append(drivers, scheduler.NewIdempotencySweepDriver(sweeper))
	}
	sched := scheduler.New(drivers...)

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go sched.Run(schedCtx)

	go func() {
		logger.Info("kernel: serving", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("kernel: server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("kernel: shutting down")
	cancelSched()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildSigningGateway picks the LocalGateway dev signer or the
// HTTPGateway adapter to a production KMS/HSM-backed signing proxy,
// refusing to start with a dev signer when the deployment requires one.
func buildSigningGateway(cfg *config.Config) (signer.Gateway, string, error) {
	if cfg.RequireSigningProxy || cfg.RequireKMS {
		if cfg.SigningGatewayURL == "" {
			return nil, "", fmt.Errorf("kernel: SIGNING_GATEWAY_URL is required when REQUIRE_SIGNING_PROXY or REQUIRE_KMS is set")
		}
		gw := signer.NewHTTPGateway(signer.HTTPConfig{URL: cfg.SigningGatewayURL})
		return gw, "kernel-primary", nil
	}

	gw := signer.NewLocalGateway()
	if err := gw.GenerateKey("kernel-primary"); err != nil {
		return nil, "", fmt.Errorf("kernel: generate dev signing key: %w", err)
	}
	return gw, "kernel-primary", nil
}

func buildPolicyBackend(cfg *config.Config) (policy.Backend, error) {
	switch cfg.PolicyBackend {
	case "opa":
		if cfg.OPAURL == "" {
			return nil, fmt.Errorf("kernel: OPA_URL is required when POLICY_BACKEND=opa")
		}
		return policy.NewOPABackend(policy.OPAConfig{URL: cfg.OPAURL, PolicyVersion: "v1"}), nil
	default:
		return policy.NewLocalBackend("v1", map[string]bool{}), nil
	}
}

func buildSamplingPolicy(raw string) *audit.SamplingPolicy {
	if raw == "" {
		return nil
	}
	rates := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		var rate float64
		if _, err := fmt.Sscanf(kv[1], "%f", &rate); err != nil {
			continue
		}
		rates[kv[0]] = rate
	}
	return audit.NewSamplingPolicy(rates)
}

// buildPublishers wires the repo/marketplace/delivery HTTP publishers
// from their target URL env vars. A target with no URL configured is
// simply absent from the driver's publisher map — tasks scheduled
// against it fail fatally with "no publisher registered", which is the
// correct behavior for a target the deployment never configured.
func buildPublishers() []publish.Publisher {
	var pubs []publish.Publisher
	if url := os.Getenv("PUBLISH_REPO_URL"); url != "" {
		pubs = append(pubs, publish.NewHTTPPublisher(contracts.TargetRepo, url, nil))
	}
	if url := os.Getenv("PUBLISH_MARKETPLACE_URL"); url != "" {
		pubs = append(pubs, publish.NewHTTPPublisher(contracts.TargetMarketplace, url, nil))
	}
	if url := os.Getenv("PUBLISH_DELIVERY_URL"); url != "" {
		pubs = append(pubs, publish.NewHTTPPublisher(contracts.TargetDelivery, url, nil))
	}
	return pubs
}

func splitEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func tenantIDFromContext(r *http.Request) string {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		return ""
	}
	return tenantID
}

// redisGuardedSweeper wraps the SQL idempotency store's Sweep in a
// Redis lock so that a multi-instance deployment runs the sweep from
// exactly one instance per tick instead of every instance racing to
// delete the same expired rows.
type redisGuardedSweeper struct {
	inner *idempotency.SQLStore
	rdb   *redis.Client
}

func newRedisGuardedSweeper(ss *idempotency.SQLStore) scheduler.IdempotencySweeper {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return ss
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &redisGuardedSweeper{inner: ss, rdb: rdb}
}

func (s *redisGuardedSweeper) Sweep(ctx context.Context) (int64, error) {
	ok, err := s.rdb.SetNX(ctx, "kernel:idempotency-sweep:lock", "1", 30*time.Second).Result()
	if err != nil {
		// Redis unreachable: fail open and run the sweep locally rather
		// than let expired idempotency rows pile up unbounded.
		return s.inner.Sweep(ctx)
	}
	if !ok {
		return 0, nil
	}
	defer s.rdb.Del(ctx, "kernel:idempotency-sweep:lock")
	return s.inner.Sweep(ctx)
}
