// Command dealflowd runs the workflow runtime as a long-lived daemon: it
// opens the Postgres-backed store/mailbox/wake service, registers every
// domain machine, and runs the scheduler's poll loop until SIGINT/SIGTERM,
// the way the teacher's cmd/indexer runs services/indexer as a daemon.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/dealflow/internal/clock"
	"github.com/R3E-Network/dealflow/internal/config"
	"github.com/R3E-Network/dealflow/internal/domain/investment"
	"github.com/R3E-Network/dealflow/internal/domain/nda"
	"github.com/R3E-Network/dealflow/internal/domain/production"
	"github.com/R3E-Network/dealflow/internal/engine"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/migrate"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/scheduler"
	"github.com/R3E-Network/dealflow/internal/workflow"
	"github.com/R3E-Network/dealflow/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("dealflowd").Fatal("load config: ", err)
	}
	log := logger.New(cfg.Log)
	log.Logger = log.Logger.WithField("app", "dealflowd").Logger

	sqlDB, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer sqlDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("ping database")
	}
	if err := migrate.Apply(sqlDB); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	db := sqlx.NewDb(sqlDB, "postgres")

	store := eventlog.NewPostgresStore(db)
	bus := mailbox.NewPostgresBus(db)
	wakes := clock.NewPostgresWakeService(db)
	clk := clock.RealClock{}

	// Real provider integrations (e-sign, payments, notifications) are out
	// of scope for this runtime; the in-memory providers stand in until a
	// concrete vendor is chosen.
	bundle := providers.Bundle{
		Entities:      providers.NewMemoryEntities(),
		Documents:     providers.NewMemoryDocuments(),
		Templates:     providers.NewMemoryTemplates(),
		Payments:      providers.NewMemoryPayments(),
		Signatures:    providers.NewMemorySignatures(),
		Notifications: providers.NewMemoryNotifications(),
	}

	ndaMachine, err := nda.New()
	if err != nil {
		log.WithError(err).Fatal("build nda machine")
	}
	productionMachine, err := production.New()
	if err != nil {
		log.WithError(err).Fatal("build production machine")
	}
	investmentMachine, err := investment.New()
	if err != nil {
		log.WithError(err).Fatal("build investment machine")
	}

	machines := map[eventlog.Kind]workflow.Machine{
		eventlog.KindNDA:        ndaMachine,
		eventlog.KindProduction: productionMachine,
		eventlog.KindInvestment: investmentMachine,
	}

	sched := scheduler.New(store, bus, bundle, machines, wakes, clk, log, scheduler.Config{
		PollInterval:  cfg.SchedulerPollInterval,
		GCRetention:   cfg.MailboxRetention,
		SnapshotEvery: int64(cfg.SnapshotInterval),
	})
	// eng is constructed here so its lifetime matches the scheduler it
	// drives; an HTTP/gRPC front end would take it as a constructor argument
	// instead of building its own. No such front end exists yet.
	eng := engine.New(store, bus, bundle, machines, sched, log)
	log.WithField("kinds", len(machines)).Info("engine ready")
	_ = eng

	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	if err := sched.Stop(context.Background()); err != nil {
		log.WithError(err).Warn("scheduler stop")
	}
}
