package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opengisch/fieldq/internal/component"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/internal/worker"
	"github.com/opengisch/fieldq/internal/worker/gis"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <%s|%s|%s> [flags] <project-id>\n",
		os.Args[0], worker.CommandPackage, worker.CommandApplyDelta, worker.CommandProcessProjectfile)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	overwriteConflicts := flags.Bool("overwrite-conflicts", false, "apply conflicting deltas over the current feature state")
	if err := flags.Parse(os.Args[2:]); err != nil {
		usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.GetWorker()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init("fieldq-worker")

	store, err := component.GetStorage()
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}

	runner := worker.NewRunner(cfg, store, gis.NewJSONToolkit())
	code := runner.Execute(ctx, command, *overwriteConflicts)
	store.Close()
	os.Exit(code)
}
