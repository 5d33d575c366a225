package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sms-relay/relay"
)

func main() {
	var configPath string
	var serverURL string
	var dbPath string
	var settingsPath string
	var listenAddr string
	var debug bool
	var retryInterval int
	var pingInterval int
	var retryConcurrency int
	var maxAttempts int

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&serverURL, "server-url", "", "Collection backend base URL.")
	flag.StringVar(&dbPath, "db", "relay.db", "SQLite database path.")
	flag.StringVar(&settingsPath, "settings", "settings.yaml", "Connection settings file path.")
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:8787", "Local HTTP surface bind address.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.IntVar(&retryInterval, "retry-interval", 30, "Retry coordinator period in seconds.")
	flag.IntVar(&pingInterval, "ping-interval", 15, "Heartbeat period in seconds.")
	flag.IntVar(&retryConcurrency, "retry-concurrency", 4, "Concurrent deliveries per retry run.")
	flag.IntVar(&maxAttempts, "max-attempts", 0, "Dead-letter ceiling per queued event (0 = retry forever).")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional), CLI flags override.
	fileCfg := &relay.FileConfig{}
	if configPath != "" {
		cfg, err := relay.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(2)
		}
		fileCfg = cfg
	}
	if visited["server-url"] || fileCfg.ServerURL == "" {
		fileCfg.ServerURL = serverURL
	}
	if visited["db"] || fileCfg.DB == "" {
		fileCfg.DB = dbPath
	}
	if visited["settings"] || fileCfg.SettingsPath == "" {
		fileCfg.SettingsPath = settingsPath
	}
	if visited["listen"] || fileCfg.ListenAddr == "" {
		fileCfg.ListenAddr = listenAddr
	}
	if visited["debug"] {
		fileCfg.Debug = debug
	}
	if visited["retry-interval"] || fileCfg.RetryIntervalSeconds == 0 {
		fileCfg.RetryIntervalSeconds = retryInterval
	}
	if visited["ping-interval"] || fileCfg.PingIntervalSeconds == 0 {
		fileCfg.PingIntervalSeconds = pingInterval
	}
	if visited["retry-concurrency"] || fileCfg.RetryConcurrency == 0 {
		fileCfg.RetryConcurrency = retryConcurrency
	}
	if visited["max-attempts"] {
		fileCfg.MaxAttempts = maxAttempts
	}

	if strings.TrimSpace(fileCfg.ServerURL) == "" {
		fmt.Fprintln(os.Stderr, "missing server URL (use --server-url or config server_url)")
		os.Exit(2)
	}

	log := newLogger(fileCfg.Debug)
	defer func() { _ = log.Sync() }()

	db, err := relay.OpenDB(fileCfg.DB)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	store := relay.NewStore(db)
	defer store.Close()

	settings, err := relay.NewFileSettingsStore(fileCfg.SettingsPath)
	if err != nil {
		log.Fatalf("open settings: %v", err)
	}

	apiClient := relay.NewApiClient(fileCfg.ServerURL, seconds(fileCfg.RequestTimeoutSeconds), log)
	deliverer := relay.NewBreakerClient(apiClient)

	ingestor := relay.NewIngestor(store, deliverer, settings, log)
	coordinator := relay.NewCoordinator(fileCfg.CoordinatorConfig(), store, deliverer, settings, log)
	heartbeat := relay.NewHeartbeat(deliverer, settings, seconds(fileCfg.PingIntervalSeconds), log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(ctx)
	go heartbeat.Run(ctx)

	api := relay.NewAPI(store, ingestor, apiClient, settings, log)
	srv := &http.Server{
		Addr:    fileCfg.ListenAddr,
		Handler: api.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("sms-relay started",
		"listen", fileCfg.ListenAddr,
		"server", fileCfg.ServerURL,
		"db", fileCfg.DB)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newLogger(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(2)
	}
	return logger.Sugar()
}
