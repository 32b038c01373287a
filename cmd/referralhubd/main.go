// Command referralhubd runs the referral engine's background daemon: the
// program and usage expiration sweeps, the nightly leaderboard exports, and
// the metrics endpoint. The request-path services are a library embedded by
// the platform's API tier, not served from here.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"referralhub/analytics"
	"referralhub/config"
	"referralhub/link"
	"referralhub/lock"
	"referralhub/models"
	"referralhub/observability"
	"referralhub/observability/logging"
	"referralhub/shortlink"
	"referralhub/sweep"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup("referralhubd", cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		logger.Error("database connection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	locker := lock.NewRedis(redisClient, "referralhub:lock:")

	shortLinks, err := shortlink.NewClient(shortlink.ClientConfig{
		Endpoint:          cfg.ShortLink.BaseURL,
		APIKey:            cfg.ShortLink.APIKey,
		RequestsPerSecond: cfg.ShortLink.RequestsPerSecond,
		Burst:             cfg.ShortLink.Burst,
	})
	if err != nil {
		logger.Error("shortlink client init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The program expiry sweep cascades into link cancellation, so the sweep
	// host carries the link service.
	links, err := link.NewService(link.Config{
		DB:           db,
		ShortLinks:   shortLinks,
		ClaimBaseURL: cfg.Claims.BaseURL,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("link service init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	aggregator, err := analytics.NewAggregator(db)
	if err != nil {
		logger.Error("analytics init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runnerCfg := sweep.RunnerConfig{
		Locks:      locker,
		Budget:     cfg.Sweep.Budget.Duration,
		LockBuffer: cfg.Sweep.LockBuffer.Duration,
		Logger:     logger,
		Metrics:    observability.Sweeps(),
	}
	programExpiry, err := sweep.NewProgramExpiry(db, links, runnerCfg, cfg.Sweep.BatchSize)
	if err != nil {
		logger.Error("program expiry sweep init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	usageExpiry, err := sweep.NewUsageExpiry(db, runnerCfg, cfg.Sweep.BatchSize)
	if err != nil {
		logger.Error("usage expiry sweep init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	scheduler := sweep.NewScheduler(cfg.Sweep.Interval.Duration, logger, programExpiry, usageExpiry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	scheduler.Start(ctx)
	go exportReports(ctx, aggregator, cfg.Reports.Dir, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("referralhubd started", slog.String("listen", cfg.ListenAddress))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	scheduler.Wait()
	logger.Info("referralhubd stopped")
}

// exportReports writes a daily leaderboard snapshot for both roles.
func exportReports(ctx context.Context, aggregator *analytics.Aggregator, dir string, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, role := range []analytics.Role{analytics.RoleReferrer, analytics.RoleReferee} {
				file, err := aggregator.WriteReport(ctx, dir, role, now)
				if err != nil {
					logger.Error("leaderboard export failed",
						slog.String("role", string(role)), slog.String("error", err.Error()))
					continue
				}
				logger.Info("leaderboard export written",
					slog.String("role", string(role)),
					slog.String("csv", file.CSVPath),
					slog.Int("rows", file.Count))
			}
		}
	}
}
