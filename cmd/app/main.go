package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"recurring-payments/internal/config"
	"recurring-payments/internal/domain/ports/adapter"
	pg "recurring-payments/internal/infra/db/postgres"
	"recurring-payments/internal/infra/logging"
	"recurring-payments/internal/infra/metrics"
	red "recurring-payments/internal/infra/redis"
	"recurring-payments/internal/infra/sched"
	"recurring-payments/internal/infra/web"
	"recurring-payments/internal/infra/worker"
	"recurring-payments/internal/usecase"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	go pg.ReportPoolStats(ctx, pool, 15*time.Second)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Repositories and custody ledger ----
	subRepo := pg.NewSubscriptionRepo(pool)
	permitRepo := pg.NewPermitRepo(pool)
	authorityRepo := pg.NewAuthorityRepo(pool)
	eventRepo := pg.NewEventLogRepo(pool)
	instructionRepo := pg.NewBillingInstructionRepo(pool)
	ledger := pg.NewLedger(pool, logger)
	tm := pg.NewTxManager(pool)

	// ---- Use cases ----
	policy := cfg.Policy()
	clock := adapter.SystemClock{}
	subUC := usecase.NewSubscriptionUseCase(policy, subRepo, permitRepo, authorityRepo,
		eventRepo, tm, ledger, clock, logger)
	payUC := usecase.NewPaymentUseCase(policy, authorityRepo, eventRepo, tm, ledger, clock, logger)
	billingUC := usecase.NewBillingUseCase(policy, subRepo, instructionRepo, tm, logger)
	authorityUC := usecase.NewAuthorityUseCase(authorityRepo, permitRepo, tm, ledger, clock, logger)

	// ---- Billing scheduler ----
	pool2 := worker.NewPool(cfg.Server.Workers, logger)
	pool2.Start(ctx)
	defer pool2.Stop()
	billingWorker := sched.NewBillingWorker(cfg.Scheduler, cfg.Redis.LockTTL,
		subRepo, instructionRepo, subUC, locker, pool2, clock, logger)
	go func() { _ = billingWorker.Run(ctx) }()

	// ---- HTTP ----
	authMgr := web.NewAuthManager(cfg.Security.JWTSecret, !cfg.Runtime.Dev, "", 30*time.Minute)
	srv := web.NewServer(payUC, subUC, billingUC, authorityUC, ledger, authMgr,
		rateLimiter, cfg.Billing.NativeAsset, cfg.Security.OperatorToken, logger)

	router := chi.NewRouter()
	srv.RegisterRoutes(router)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}
