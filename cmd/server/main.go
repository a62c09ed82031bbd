// Command server runs the reminder scheduler service: the HTTP API, the
// SQLite-backed queue store, and the background batch scheduler that fires at
// the daily anchor with an hourly safety sweep.
//
// Configuration is environment-driven (optionally via a .env file in dev);
// see internal/config for every knob and its default.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reminder-backend/internal/config"
	httpapi "github.com/tbourn/go-reminder-backend/internal/http"
	"github.com/tbourn/go-reminder-backend/internal/notify"
	"github.com/tbourn/go-reminder-backend/internal/observability"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/scheduler"
	"github.com/tbourn/go-reminder-backend/internal/services"
	"github.com/tbourn/go-reminder-backend/internal/sysutil"
	"github.com/tbourn/go-reminder-backend/internal/timeutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	sc := cfg.Scheduler
	zone, err := timeutil.NewZone(sc.Timezone, sc.AnchorHour, sc.AnchorMinute)
	if err != nil {
		log.Fatal().Err(err).Str("tz", sc.Timezone).Msg("invalid timezone")
	}

	batch := services.NewBatchService(db, zone,
		&services.SnapshotDirectory{DB: db},
		notify.NewWebhookChannel("ops", sc.OpsWebhookURL, sc.WebhookTimeout),
		notify.NewWebhookChannel("escalation", sc.EscalationWebhookURL, sc.WebhookTimeout),
	)
	batch.PendingStatuses = sc.PendingStatuses
	batch.FollowUpStage = sc.FollowUpStage
	batch.ViewingStopStatuses = sc.ViewingStopStatuses
	batch.GraceWindow = sc.GraceWindow
	batch.EscalationAfterDays = sc.EscalationAfterDays
	batch.RunLockWait = sc.RunLockWait
	batch.DeepLinkTemplate = sc.DeepLinkTemplate

	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, zone, batch, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	sched := scheduler.New(batch, zone, sc.SweepInterval)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
		stop()
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	<-schedDone
	log.Info().Msg("server stopped")
}
