package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"
	"tonix/internal/cache"
	"tonix/internal/config"
	"tonix/internal/events"
	"tonix/internal/handlers"
	"tonix/internal/limiter"
	"tonix/internal/metrics"
	"tonix/internal/models"
	"tonix/internal/services"
	"tonix/internal/storage"
)

const nonceRetention = 24 * time.Hour

func main() {
	configPath := flag.String("config", os.Getenv("TONIX_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logging with a rotating file
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}
	logFile := &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   true,
	}
	defer logger.Init("tonix", cfg.Logging.Verbose, false, logFile).Close()

	// 3. Deploy the ledger
	rnd, err := randomness(cfg)
	if err != nil {
		logger.Fatalf("Failed to set up randomness: %v", err)
	}
	service, err := services.NewLotteryService(
		models.DeployParams{Owner: cfg.Ledger.Owner, TicketPrice: cfg.Ledger.TicketPrice},
		services.Config{
			Randomness:     rnd,
			Policy:         services.PrizePolicy{Reserve: cfg.Ledger.Reserve, FeeBps: cfg.Ledger.FeeBps},
			HistoryLimit:   cfg.Ledger.HistoryLimit,
			InitialBalance: cfg.Ledger.InitialBalance,
		},
	)
	if err != nil {
		logger.Fatalf("Failed to deploy lottery: %v", err)
	}
	store := service.Store()

	// 4. Attach ledger listeners
	m := metrics.New()
	store.Subscribe(m)
	hub := events.NewHub(nil)
	store.Subscribe(hub)

	opts := handlers.Options{
		Recorder:   m,
		SourceKind: cfg.Source.Kind,
		Events:     http.HandlerFunc(hub.ServeWS),
	}
	if cfg.Storage.Driver != "" {
		archive, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			logger.Fatalf("Failed to open archive: %v", err)
		}
		defer archive.Close()
		store.Subscribe(archive)
		opts.Archive = archive
		logger.Infof("Archiving rounds to %s", cfg.Storage.Driver)
	}

	// 5. Balance cache and admission limiter for the read endpoints
	fetch := cache.LedgerBalance(store)
	if cfg.Source.Kind == "remote" {
		fetch = cache.NewRemoteSource(cfg.Source.URL, cfg.Source.APIKey, cfg.Server.Network, nil).Fetcher()
	}
	opts.Balances = cache.New(fetch,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithAttempts(cfg.Cache.Attempts),
		cache.WithBaseDelay(cfg.Cache.BaseDelay),
		cache.WithFetchTimeout(cfg.Cache.FetchTimeout),
		cache.WithRecorder(m),
	)
	opts.Limiter = limiter.New(cfg.Limiter.Requests, cfg.Limiter.Window, limiter.WithIdleTTL(cfg.Limiter.IdleTTL))
	opts.Nonces = handlers.NewNonceGuard(nonceRetention)

	// 6. Start the background janitors
	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.Limiter.SweepSchedule, func() {
		if n := opts.Limiter.Sweep(); n > 0 {
			logger.Infof("Dropped %d idle rate limit buckets", n)
		}
	}); err != nil {
		logger.Fatalf("Invalid limiter sweep schedule %q: %v", cfg.Limiter.SweepSchedule, err)
	}
	if _, err := jobs.AddFunc(cfg.Cache.SweepSchedule, func() {
		if n := opts.Balances.Sweep(cfg.Cache.Retention); n > 0 {
			logger.Infof("Dropped %d stale balance entries", n)
		}
	}); err != nil {
		logger.Fatalf("Invalid cache sweep schedule %q: %v", cfg.Cache.SweepSchedule, err)
	}
	if _, err := jobs.AddFunc("@hourly", func() {
		if n := opts.Nonces.Sweep(); n > 0 {
			logger.Infof("Forgot sequence numbers of %d idle accounts", n)
		}
	}); err != nil {
		logger.Fatalf("Failed to schedule nonce sweep: %v", err)
	}
	jobs.Start()
	defer jobs.Stop()

	// 7. Set up the Gin router
	r := gin.Default()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Fatalf("Invalid trusted proxies: %v", err)
	}
	r.GET("/metrics", gin.WrapH(m.Handler()))
	handlers.NewHTTPHandler(service, opts).RegisterRoutes(r)

	// 8. Run the server until interrupted
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infof("Server starting on %s (lottery %s)", cfg.Server.Addr, store.Address())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to run server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
}

func randomness(cfg *config.Config) (services.Randomness, error) {
	if cfg.Ledger.Randomness == "seeded" {
		seeded, err := services.NewSeededRandomness([]byte(cfg.Ledger.SeedSecret))
		if err != nil {
			return nil, err
		}
		return seeded, nil
	}
	return services.CryptoRandomness{}, nil
}
