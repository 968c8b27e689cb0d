package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/coinbridge/backend/internal/auth"
	"github.com/coinbridge/backend/internal/config"
	"github.com/coinbridge/backend/internal/controller"
	"github.com/coinbridge/backend/internal/events"
	"github.com/coinbridge/backend/internal/exchange"
	"github.com/coinbridge/backend/internal/handlers"
	"github.com/coinbridge/backend/internal/jobs"
	"github.com/coinbridge/backend/internal/ledger"
	"github.com/coinbridge/backend/internal/middleware"
	"github.com/coinbridge/backend/internal/models"
	"github.com/coinbridge/backend/internal/monitor"
	"github.com/coinbridge/backend/internal/repository"
	"github.com/coinbridge/backend/internal/risk"
	"github.com/coinbridge/backend/internal/router"
	syncsvc "github.com/coinbridge/backend/internal/sync"
)

// reserveEmitter defers reserve credits to the ledger service, which is
// constructed after the controller (breaks the init cycle between the two).
type reserveEmitter struct {
	mu  stdsync.Mutex
	svc controller.Emitter
}

func (e *reserveEmitter) set(svc controller.Emitter) {
	e.mu.Lock()
	e.svc = svc
	e.mu.Unlock()
}

func (e *reserveEmitter) Credit(ctx context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, category, platform string, metadata json.RawMessage) (*models.AppliedResult, error) {
	e.mu.Lock()
	svc := e.svc
	e.mu.Unlock()
	if svc == nil {
		panic("ledger not wired")
	}
	return svc.Credit(ctx, txID, accountID, c, amount, category, platform, metadata)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Cannot reach Redis", "addr", cfg.RedisAddr(), "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	nc, err := events.Connect(cfg.NatsURL)
	if err != nil {
		slog.Error("Cannot reach NATS", "url", cfg.NatsURL, "error", err)
		os.Exit(1)
	}
	var pub events.Publisher
	if nc != nil {
		defer nc.Close()
		pub = nc
	} else {
		slog.Warn("NATS_URL not set, event publishing disabled")
	}
	bus := events.NewBus(pub, logger)

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	txRepo := repository.NewTransactionRepo(pool)
	syncRepo := repository.NewSyncRepo(pool)
	snapshotRepo := repository.NewSnapshotRepo(pool)
	paramsRepo := repository.NewParamsRepo(pool)
	rateRepo := repository.NewRateRepo(pool)
	riskRepo := repository.NewRiskRepo(pool)

	// Controller and ledger reference each other through narrow interfaces;
	// the emitter is bound once the ledger exists.
	emitter := &reserveEmitter{}
	ctrl := controller.NewController(paramsRepo, snapshotRepo, emitter, bus, logger)
	if err := ctrl.Prime(ctx); err != nil {
		slog.Error("Failed to load control parameters", "error", err)
		os.Exit(1)
	}

	evaluator := risk.NewEvaluator(risk.NewRedisWindow(rdb), txRepo, riskRepo, accountRepo, logger)
	ledgerSvc := ledger.NewService(pool, accountRepo, txRepo, evaluator, riskRepo, ctrl, bus, logger)
	emitter.set(ledgerSvc)

	exchangeMgr := exchange.NewManager(rateRepo, txRepo, cfg.ExchangeInterval, logger)

	adapter := syncsvc.NewAdapterClient(cfg.Platforms, cfg.PlatformSecrets)
	coordinator := syncsvc.NewCoordinator(ledgerSvc, accountRepo, syncRepo, riskRepo, adapter, bus, syncsvc.Options{
		OfflineWindow:          cfg.OfflineWindow,
		OfflineAccrualFraction: cfg.OfflineAccrualFraction,
		ImmediateSyncThreshold: cfg.ImmediateSyncThreshold,
	}, logger)

	economyMonitor := monitor.NewMonitor(txRepo, accountRepo, snapshotRepo, bus, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	// Jobs: controller insert func is set after the River client is created
	// (breaks the init cycle).
	var insertMu stdsync.Mutex
	var insertFn jobs.InsertControllerFunc
	insertController := func(ctx context.Context, args jobs.ControllerArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, args)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewSyncCycleWorker(coordinator, logger))
	river.AddWorker(workers, jobs.NewDegradedRetryWorker(coordinator, logger))
	river.AddWorker(workers, jobs.NewMonitorWorker(economyMonitor, insertController, logger))
	river.AddWorker(workers, jobs.NewControllerWorker(ctrl, logger))
	river.AddWorker(workers, jobs.NewExchangeRecomputeWorker(exchangeMgr, logger))
	river.AddWorker(workers, jobs.NewDailyResetWorker(accountRepo, logger))

	periodic := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.MonitorInterval),
			func() (river.JobArgs, *river.InsertOpts) { return jobs.MonitorArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.ExchangeInterval),
			func() (river.JobArgs, *river.InsertOpts) { return jobs.ExchangeRecomputeArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) { return jobs.DailyResetArgs{}, nil },
			nil,
		),
	}
	for name := range cfg.PlatformSecrets {
		platform := name
		periodic = append(periodic,
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.SyncInterval),
				func() (river.JobArgs, *river.InsertOpts) { return jobs.SyncCycleArgs{Platform: platform}, nil },
				nil,
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.DegradedRetryInterval),
				func() (river.JobArgs, *river.InsertOpts) { return jobs.DegradedRetryArgs{Platform: platform}, nil },
				nil,
			),
		)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, args jobs.ControllerArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	// HTTP surface
	econHandler := &handlers.EconomyHandler{
		Ledger:   ledgerSvc,
		Sync:     coordinator,
		Accounts: accountRepo,
		Status:   syncRepo,
		Params:   ctrl,
		Rates:    exchangeMgr,
		Logger:   logger,
	}
	adminHandler := &handlers.AdminHandler{
		Controller: ctrl,
		Review:     riskRepo,
		Audit:      txRepo,
		Logger:     logger,
	}

	apiRouter := router.New(
		econHandler,
		adminHandler,
		authHandler,
		middleware.PlatformAuth(cfg.PlatformSecrets),
		middleware.OperatorAuth(authSvc),
	)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Platform", "X-Signature"},
		AllowCredentials: false,
	}).Handler(apiRouter)

	server := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Port,
		Handler: corsHandler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return riverClient.Start(gctx)
	})

	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown failed", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Warn("River shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
