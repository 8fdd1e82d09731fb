package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rewired-gh/quantflow/internal/alert"
	"github.com/rewired-gh/quantflow/internal/analytics"
	"github.com/rewired-gh/quantflow/internal/api"
	"github.com/rewired-gh/quantflow/internal/backtest"
	"github.com/rewired-gh/quantflow/internal/config"
	"github.com/rewired-gh/quantflow/internal/ingest"
	"github.com/rewired-gh/quantflow/internal/logger"
	"github.com/rewired-gh/quantflow/internal/metrics"
	"github.com/rewired-gh/quantflow/internal/models"
	"github.com/rewired-gh/quantflow/internal/replay"
	"github.com/rewired-gh/quantflow/internal/resampler"
	"github.com/rewired-gh/quantflow/internal/service"
	"github.com/rewired-gh/quantflow/internal/storage"
	"github.com/rewired-gh/quantflow/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Setup(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	rec := metrics.New()

	timeframes, _ := cfg.ParsedTimeframes()
	rs, err := resampler.New(store, timeframes, resampler.WithMetrics(rec))
	if err != nil {
		logger.Fatal("Failed to initialize resampler: %v", err)
	}
	pipeline := ingest.New(store, rs, ingest.Config{
		BufferSize:   cfg.Ingest.BufferSize,
		BatchSize:    cfg.Ingest.BatchSize,
		BatchTimeout: cfg.Ingest.BatchTimeout,
	}, rec)

	svc, err := service.New(store, serviceOptions(cfg))
	if err != nil {
		logger.Fatal("Failed to initialize analytics service: %v", err)
	}

	engineOpts := []alert.Option{
		alert.WithMetrics(rec),
		alert.WithHistorySize(cfg.Alerts.HistorySize),
	}
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		engineOpts = append(engineOpts, alert.WithNotifier(telegramClient))
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	engine := alert.NewEngine(svc, engineOpts...)
	for _, r := range cfg.Alerts.Rules {
		rule, err := engine.AddRule(models.AlertRule{
			Name:      r.Name,
			Condition: r.Condition,
			Symbol:    r.Symbol,
			Enabled:   r.Enabled,
		})
		if err != nil {
			logger.Fatal("Invalid alert rule %q: %v", r.Name, err)
		}
		logger.Debug("Loaded alert rule %s (%s): %s", rule.Name, rule.ID, rule.Condition)
	}

	server := api.NewServer(api.NewHandler(svc, engine), rec,
		api.WithAddr(cfg.HTTP.Addr),
		api.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.ShutdownTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Run(ctx)
	}()

	if cfg.Alerts.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Alert engine started (interval: %v, rules: %d)", cfg.Alerts.CheckInterval, len(engine.Rules()))
			engine.Run(ctx, cfg.Alerts.CheckInterval)
		}()
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, engine)
	}

	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server: %v", err)
	}

	if cfg.Replay.Path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runReplay(ctx, cfg.Replay, pipeline)
		}()
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, cleaning up...")

	if err := server.Stop(context.Background()); err != nil {
		logger.Error("Failed to stop HTTP server: %v", err)
	}
	wg.Wait()
	rs.Shutdown()
	logger.Info("Service stopped")
}

func runReplay(ctx context.Context, cfg config.ReplayConfig, pipeline *ingest.Pipeline) {
	r, err := replay.New(cfg.Speed)
	if err != nil {
		logger.Error("Replay disabled: %v", err)
		return
	}
	_, err = r.ReplayFile(ctx, cfg.Path, func(ctx context.Context, t models.Tick) error {
		return pipeline.Ingest(ctx, t.Timestamp, t.Symbol, t.Price, t.Size)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Replay failed: %v", err)
	}
}

func serviceOptions(cfg *config.Config) service.Options {
	tf, err := models.ParseTimeframe(cfg.Alerts.Timeframe)
	if err != nil {
		tf = models.TF1m
	}
	kalman := analytics.DefaultKalmanConfig()
	kalman.Delta = cfg.Analytics.Kalman.Delta
	kalman.ObservationNoise = cfg.Analytics.Kalman.ObservationNoise

	return service.Options{
		Window:              cfg.Analytics.Window,
		PeriodsPerYear:      cfg.Analytics.PeriodsPerYear,
		MinRegressionPoints: cfg.Analytics.MinRegressionPoints,
		MinADFPoints:        cfg.Analytics.MinADFPoints,
		Lookback:            cfg.Analytics.Lookback,
		Kalman:              kalman,
		Backtest: backtest.Config{
			EntryZ:         cfg.Backtest.EntryZ,
			ExitZ:          cfg.Backtest.ExitZ,
			Window:         cfg.Backtest.Window,
			UnitSize:       cfg.Backtest.UnitSize,
			StartingEquity: cfg.Backtest.StartingEquity,
		},
		Pairs:          cfg.Pairs,
		AlertTimeframe: tf,
		StaleAfter:     cfg.Alerts.StaleAfter,
	}
}
