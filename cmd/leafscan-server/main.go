package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/leafscan"
	"github.com/menta2k/leafscan/internal/config"
	"github.com/menta2k/leafscan/internal/logging"
	"github.com/menta2k/leafscan/internal/server"
	"github.com/menta2k/leafscan/pkg/pipeline"
	"github.com/menta2k/leafscan/pkg/publish"
)

func main() {
	configPath := flag.String("config", "", "config file (.json or .yaml)")
	address := flag.String("address", "", "listen address (default from config)")
	releaseMode := flag.Bool("release", false, "Run in release mode")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if *address != "" {
		cfg.Server.Address = *address
	}

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	if *releaseMode {
		log.Info("Starting gin in release mode")
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner, err := leafscan.NewFromConfig(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer scanner.Close()

	sweeperDone := scanner.StartSweeper(ctx)

	dispatcher := pipeline.NewDispatcher(scanner.Pipeline(), cfg.Server.Workers, cfg.Server.QueueSize)
	dispatcher.Run()
	defer dispatcher.Stop()

	opts := server.Options{
		Checks: scanner.HealthChecks(),
		Logger: log.WithField("component", "server"),
	}

	if cfg.Publish.Enabled {
		pub, err := publish.Connect(cfg.Publish, log.WithField("component", "mqtt"))
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer pub.Close()
		opts.Publisher = pub
	}

	if cfg.Server.SentryDSN != "" {
		reporter, err := server.NewSentryReporter(cfg.Server.SentryDSN, leafscan.GetVersion())
		if err != nil {
			log.Fatalf("Failed to initialize sentry: %v", err)
		}
		defer reporter.Close()
		opts.Reporter = reporter
	}

	srv := server.New(cfg.Server, scanner.Pipeline(), dispatcher, opts)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("Server stopped: %v", err)
	}

	stop()
	<-sweeperDone
}
