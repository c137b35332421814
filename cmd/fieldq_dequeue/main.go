package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opengisch/fieldq/internal/component"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/db"
	"github.com/opengisch/fieldq/internal/db/repository"
	"github.com/opengisch/fieldq/internal/dequeue"
	"github.com/opengisch/fieldq/internal/launcher"
	"github.com/opengisch/fieldq/internal/launcher/containerd"
	"github.com/opengisch/fieldq/internal/launcher/docker"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/secrets"
	"github.com/opengisch/fieldq/internal/tracer"
)

func main() {
	singleShot := flag.Bool("single-shot", false, "run one scheduler iteration and exit")
	metricsAddr := flag.String("metrics-addr", ":9090", "prometheus metrics listen address")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.ServiceName + "-dequeue")

	if cfg.TraceURL != "" {
		shutdownTracer, err := tracer.Init(ctx, cfg.ServiceName+"-dequeue", cfg.TraceURL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer shutdownTracer(context.Background())
	}

	dequeueCfg, err := config.GetDequeue()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	database, err := db.New(ctx)
	if err != nil {
		log.Fatalf("db initialization error: %v", err)
	}
	defer database.Close()

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

	tokenCache, err := component.GetCache(ctx, cfg.CacheType)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}
	defer tokenCache.Close()

	var launch launcher.Launcher
	switch dequeueCfg.LauncherType {
	case "containerd":
		launch, err = containerd.New(dequeueCfg.SeccompProfile)
	default:
		launch, err = docker.New(dequeueCfg.SeccompProfile)
	}
	if err != nil {
		log.Fatalf("launcher initialization error: %v", err)
	}

	jobRepo := repository.NewJobRepository(database)
	deltaRepo := repository.NewDeltaRepository(database)
	projectRepo := repository.NewProjectRepository(database)
	secretRepo := repository.NewSecretRepository(database)
	resolver := secrets.NewResolver(secretRepo, tokenCache)

	loop := dequeue.NewLoop(dequeueCfg, database, jobRepo, deltaRepo, projectRepo,
		launch, resolver, store, events)

	if *singleShot {
		if err := loop.RunOnce(ctx); err != nil {
			log.Fatalf("dequeue iteration failed: %v", err)
		}
		return
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	if err := loop.Run(ctx); err != nil {
		log.Fatalf("dequeue loop failed: %v", err)
	}
}
