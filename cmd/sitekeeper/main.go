package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sitekeeper/sitekeeper/cmd/sitekeeper/cli"
	"github.com/sitekeeper/sitekeeper/internal/app"
	"github.com/sitekeeper/sitekeeper/internal/audit"
	audithttp "github.com/sitekeeper/sitekeeper/internal/audit/http"
	"github.com/sitekeeper/sitekeeper/internal/auth"
	"github.com/sitekeeper/sitekeeper/internal/facilities"
	"github.com/sitekeeper/sitekeeper/internal/gate"
	"github.com/sitekeeper/sitekeeper/internal/lockout"
	"github.com/sitekeeper/sitekeeper/internal/observability"
	"github.com/sitekeeper/sitekeeper/internal/platform/cache"
	"github.com/sitekeeper/sitekeeper/internal/platform/db"
	"github.com/sitekeeper/sitekeeper/internal/rbac"
	"github.com/sitekeeper/sitekeeper/internal/session"
	"github.com/sitekeeper/sitekeeper/internal/shared"
	"github.com/sitekeeper/sitekeeper/internal/users"
	"github.com/sitekeeper/sitekeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "jobs" {
		if err := runJobsCommand(ctx, cfg, args[1:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("sitekeeper stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 10, ConnectTimeout: 10 * time.Second})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLog := newAuditLog(cfg, pool, metrics, logger)

	policy := lockout.NewPolicy(cfg.Lockout(), attemptStore(cfg, redisClient), auditLog, logger)
	sessionCfg := cfg.Session()
	registry := session.NewRegistry(sessionCfg, auditLog, logger)

	userRepo := users.NewRepository(pool)
	rbacService := rbac.NewService(userRepo, facilities.NewSiteLookup(pool), auditLog, logger)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	httpsRequired := func() bool { return cfg.IsProduction() && registry.Config().RequireHTTPS }
	cookies := shared.NewCookieJarFunc(cfg.SessionCookie, httpsRequired)
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	authService := auth.NewService(userRepo, policy, registry, auth.BcryptHasher{}, auditLog, logger)

	queueOpts := cache.AsynqOpts(redisClient)
	inspector := asynq.NewInspector(queueOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Cookies:            cookies,
		CSRFManager:        csrfManager,
		Gate:               gate.New(gate.Config{LandingPath: cfg.LandingPath}, registry, cookies, auditLog, logger),
		AuthHandler:        auth.NewHandler(logger, authService, cookies, csrfManager, cfg.LandingPath),
		SecurityHandler:    auth.NewSecurityHandler(logger, policy, registry),
		AuditHandler:       audithttp.NewHandler(logger, auditLog),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService),
		RBACMiddleware:     rbacMiddleware,
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		RequireHTTPS:       httpsRequired,
	})

	worker, err := newWorker(cfg, queueOpts, registry, policy, metrics, logger)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newAuditLog(cfg *app.Config, pool *pgxpool.Pool, metrics *observability.Metrics, logger *slog.Logger) *audit.Log {
	opts := []audit.Option{audit.WithSink(metrics.AuditSink())}
	if cfg.AuditPersist {
		opts = append(opts, audit.WithSink(audit.NewPGSink(pool)))
	}
	return audit.NewLog(logger, opts...)
}

func attemptStore(cfg *app.Config, client *redis.Client) lockout.AttemptStore {
	if cfg.LockoutStore == app.LockoutStoreRedis {
		return lockout.NewRedisStore(client, "sitekeeper:lockout")
	}
	return lockout.NewMemoryStore()
}

func newWorker(cfg *app.Config, opts asynq.RedisClientOpt, registry *session.Registry, policy *lockout.Policy, metrics *observability.Metrics, logger *slog.Logger) (*jobs.Worker, error) {
	cleanup := &jobs.SessionCleanupJob{Sessions: registry, Gauge: metrics, Metrics: metrics.Jobs(), Logger: logger}
	prune := &jobs.LockoutPruneJob{Policy: policy, Metrics: metrics.Jobs(), Logger: logger}

	// Both sweeps touch process-local state, so each instance schedules them
	// onto its own queue.
	localQueue := jobs.InstanceQueue(cfg.InstanceID)
	local := []asynq.Option{asynq.Queue(localQueue)}
	cron := []jobs.CronRegistration{
		{Spec: cfg.CleanupCron, Task: jobs.NewSessionCleanupTask(), Options: local},
	}
	if cfg.LockoutStore == app.LockoutStoreMemory {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.CleanupCron, Task: jobs.NewLockoutPruneTask(), Options: local})
	}
	return jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:  opts,
		Logger:     logger,
		LocalQueue: localQueue,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSessionCleanup, Handler: cleanup.Handle},
			{Type: jobs.TaskLockoutPrune, Handler: prune.Handle},
		},
		Cron: cron,
	})
}

func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: sitekeeper jobs <trigger NAME|stats|scheduled>")
	}
	jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("usage: sitekeeper jobs trigger NAME")
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s as %s\n", info.Type, info.ID)
	case "stats":
		stats, err := jobsCLI.InspectQueue()
		if err != nil {
			return err
		}
		return cli.PrintStats(os.Stdout, stats)
	case "scheduled":
		tasks, err := jobsCLI.ListScheduled(20)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
	return nil
}
