package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/noah-isme/ecole-peg-api/internal/repository"
	"github.com/noah-isme/ecole-peg-api/internal/service"
	"github.com/noah-isme/ecole-peg-api/pkg/config"
	"github.com/noah-isme/ecole-peg-api/pkg/database"
	"github.com/noah-isme/ecole-peg-api/pkg/logger"
	"github.com/noah-isme/ecole-peg-api/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "ecolectl")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close() //nolint:errcheck

	files, err := storage.NewLocalStorage(cfg.Rosters.StorageDir)
	if err != nil {
		log.Fatalf("failed to prepare roster storage: %v", err)
	}

	loc := cfg.Location()
	sessionRepo := repository.NewSessionRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)

	// No queue: the CLI reconciles inline before exiting.
	reconciler := service.NewReconcilerService(sessionRepo, enrollmentRepo, nil, loc, logr)
	cli := &commandLine{
		out: os.Stdout,
		migrate: func(ctx context.Context, command string, args ...string) error {
			return database.Migrate(ctx, db.DB, command, args...)
		},
		sessions:    service.NewSessionService(sessionRepo, repository.NewCourseRepository(db), reconciler, nil, loc, logr),
		enrollments: service.NewEnrollmentService(enrollmentRepo, repository.NewStudentRepository(db), reconciler, nil, nil, loc, logr),
		reconciler:  reconciler,
		rosters:     service.NewRosterService(sessionRepo, enrollmentRepo, files, loc, logr),
		invoices:    service.NewInvoiceService(repository.NewInvoiceRepository(db), nil, cfg.Invoices.CacheTTL, nil, loc, logr),
		tokens:      service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer, TTL: cfg.JWT.Expiration}),
	}

	if err := cli.run(ctx, os.Args); err != nil {
		if errors.Is(err, errHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}
