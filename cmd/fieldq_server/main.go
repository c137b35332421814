package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opengisch/fieldq/internal/admission"
	"github.com/opengisch/fieldq/internal/component"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/secrets"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/opengisch/fieldq/internal/web"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.ServiceName)

	if cfg.TraceURL != "" {
		shutdownTracer, err := tracer.Init(ctx, cfg.ServiceName, cfg.TraceURL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer shutdownTracer(ctx)
	}

	database, err := db.New(ctx)
	if err != nil {
		log.Fatalf("db initialization error: %v", err)
	}
	defer database.Close()

	if err := database.Migrate("internal/db/migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	store, err := component.GetStorage()
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}
	defer store.Close()

	events, err := component.GetQueue(cfg.QueueType)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}
	defer events.Shutdown()

	shaCache, err := component.GetCache(ctx, cfg.CacheType)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}
	defer shaCache.Close()

	dequeueCfg, err := config.GetDequeue()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	jobRepo := repository.NewJobRepository(database)
	deltaRepo := repository.NewDeltaRepository(database)
	projectRepo := repository.NewProjectRepository(database)
	secretRepo := repository.NewSecretRepository(database)
	accountRepo := repository.NewAccountRepository(database)

	gate := admission.NewGate(accountRepo)
	resolver := secrets.NewResolver(secretRepo, shaCache)
	jobService := web.NewJobService(jobRepo, deltaRepo, projectRepo, gate, events, dequeueCfg.ApplyDeltasLimit)
	deltaService := web.NewDeltaService(deltaRepo, projectRepo, jobService, store, shaCache)
	server := web.NewServer(jobService, deltaService, resolver)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.APIAddr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Log.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
}
