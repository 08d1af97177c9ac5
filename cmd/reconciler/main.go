package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/ecole-peg-api/api/swagger"
	"github.com/noah-isme/ecole-peg-api/internal/handler"
	internalmiddleware "github.com/noah-isme/ecole-peg-api/internal/middleware"
	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/internal/repository"
	"github.com/noah-isme/ecole-peg-api/internal/service"
	"github.com/noah-isme/ecole-peg-api/pkg/cache"
	"github.com/noah-isme/ecole-peg-api/pkg/config"
	"github.com/noah-isme/ecole-peg-api/pkg/database"
	"github.com/noah-isme/ecole-peg-api/pkg/jobs"
	"github.com/noah-isme/ecole-peg-api/pkg/logger"
	reqidmiddleware "github.com/noah-isme/ecole-peg-api/pkg/middleware/requestid"
	"github.com/noah-isme/ecole-peg-api/pkg/storage"
)

// @title Ecole PEG Reconciler
// @version 1.0.0
// @description Operations API of the session and enrollment status reconciler
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "reconciler")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close() //nolint:errcheck

	var redisClient *redis.Client
	if cfg.Invoices.CacheEnabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, invoice cache disabled", "error", err)
			redisClient = nil
		}
	}

	loc := cfg.Location()
	metricsSvc := service.NewMetricsService()

	sessionRepo := repository.NewSessionRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Invoices.CacheTTL, logr, redisClient != nil)
	invoiceSvc := service.NewInvoiceService(invoiceRepo, cacheSvc, cfg.Invoices.CacheTTL, nil, loc, logr)
	reconciler := service.NewReconcilerService(sessionRepo, enrollmentRepo, metricsSvc, loc, logr)
	dispatcher := service.NewChangeDispatcher(reconciler, invoiceSvc, metricsSvc, logr)
	tokenSvc := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer, TTL: cfg.JWT.Expiration})

	queue := jobs.NewQueue("reconcile", dispatcher.Handle, jobs.QueueConfig{
		Workers:    cfg.Reconcile.Workers,
		BufferSize: cfg.Reconcile.QueueSize,
		Logger:     logr,
	})
	reconciler.UseQueue(queue)
	dispatcher.UseQueue(queue)
	queue.Start(ctx)

	scheduler := jobs.NewScheduler(loc, cfg.Reconcile.SweepTimeout, logr)
	if cfg.Reconcile.SweepEnabled {
		if err := scheduler.Register("sweep", cfg.Reconcile.SweepSchedule, func(ctx context.Context) error {
			_, err := reconciler.Sweep(ctx)
			return err
		}); err != nil {
			logr.Sugar().Fatalw("invalid sweep schedule", "schedule", cfg.Reconcile.SweepSchedule, "error", err)
		}
	}
	if files, err := storage.NewLocalStorage(cfg.Rosters.StorageDir); err != nil {
		logr.Sugar().Warnw("roster storage unavailable, cleanup disabled", "error", err)
	} else {
		rosters := service.NewRosterService(sessionRepo, enrollmentRepo, files, loc, logr)
		if err := scheduler.Register("roster-cleanup", cfg.Rosters.CleanupSchedule, func(ctx context.Context) error {
			_, err := rosters.Cleanup(ctx, cfg.Rosters.Retention)
			return err
		}); err != nil {
			logr.Sugar().Fatalw("invalid roster cleanup schedule", "schedule", cfg.Rosters.CleanupSchedule, "error", err)
		}
	}
	scheduler.Start()

	listenerDone := make(chan struct{})
	if cfg.Reconcile.ListenerEnabled {
		listener := database.NewListener(database.DSN(cfg.Database), database.ListenerConfig{
			Channels:     service.Channels(),
			MinReconnect: cfg.Reconcile.ListenerMinReconnect,
			MaxReconnect: cfg.Reconcile.ListenerMaxReconnect,
			Logger:       logr.Named("listener"),
			OnReconnect: func(ctx context.Context) {
				if _, err := reconciler.Sweep(ctx); err != nil {
					logr.Warn("post-reconnect sweep failed", zap.Error(err))
				}
			},
		}, dispatcher.Notify)
		go func() {
			defer close(listenerDone)
			if err := listener.Run(ctx); err != nil {
				logr.Error("listener exited", zap.Error(err))
			}
		}()
	} else {
		close(listenerDone)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/metrics"))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	opsHandler := handler.NewOpsHandler(reconciler, logr)
	admin := r.Group(cfg.APIPrefix+"/admin", internalmiddleware.JWT(tokenSvc), internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.POST("/sessions/:id/reconcile", opsHandler.ReconcileSession)
	admin.POST("/enrollments/:id/reconcile", opsHandler.ReconcileEnrollment)
	admin.POST("/sweep", opsHandler.Sweep)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("server shutdown failed", zap.Error(err))
	}
	scheduler.Stop()
	<-listenerDone
	queue.Stop()
	logr.Info("reconciler stopped")
}
