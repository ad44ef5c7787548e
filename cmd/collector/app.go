package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/services/backfill"
	"binance-oi-collector/internal/services/binance"
	"binance-oi-collector/internal/services/collector"
	"binance-oi-collector/internal/services/error_handler"
	"binance-oi-collector/internal/services/gap_scanner"
	"binance-oi-collector/internal/services/notifier"
	"binance-oi-collector/internal/services/publisher"
	"binance-oi-collector/internal/services/scheduler"
	"binance-oi-collector/internal/utils"
	"binance-oi-collector/pkg/postgres"
	"binance-oi-collector/pkg/ratelimit"
	"binance-oi-collector/pkg/redis"
)

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return cfg, nil
}

// newLogger builds the JSON logger, teeing into {data}/logs/collector.log
// when file logging is enabled. The returned closer is never nil.
func newLogger(cfg *config.Config) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logger.SetLevel(level)

	if !cfg.Log.FileEnabled {
		return logger, nopCloser{}, nil
	}
	dir := filepath.Join(cfg.Storage.DataDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "collector.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return logger, f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// app holds everything a collecting command needs.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	clock   utils.Clock
	symbols []string

	limiter    *ratelimit.RequestLimiter
	client     *binance.Client
	partitions repository.PartitionRepository
	tasks      repository.TaskStateRepository
	history    repository.ExecutionHistoryRepository
	recorder   *error_handler.Recorder
	scanner    *gap_scanner.Scanner
	collector  *collector.Collector
	scheduler  *scheduler.Scheduler

	db          *postgres.DB
	redis       *redis.Client
	stopLimiter context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger, symbols []string) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		clock:   utils.RealClock(),
		symbols: symbols,
	}
	dataDir := cfg.Storage.DataDir

	if removed, err := repository.RemoveTempFiles(dataDir); err != nil {
		log.WithError(err).Warn("Failed to remove stale temp files")
	} else if removed > 0 {
		log.WithField("removed", removed).Info("Removed stale temp files")
	}

	a.limiter = ratelimit.NewRequestLimiter(ratelimit.Config{
		MaxRequestPerSecond:       cfg.Binance.MaxRequestPerSecond,
		MaxSymbolRequestPerSecond: cfg.Binance.MaxSymbolRequestsPerSecond,
		CleanupDuration:           cfg.Binance.RateLimitCleanupDuration,
		ExpireDuration:            cfg.Binance.RateLimitExpireDuration,
	}, log)
	limiterCtx, stopLimiter := context.WithCancel(ctx)
	a.stopLimiter = stopLimiter
	a.limiter.StartCleanupExpired(limiterCtx)

	client, err := binance.NewClient(&cfg.Binance, a.limiter, a.clock, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.client = client

	a.partitions = repository.NewPartitionRepository(dataDir)
	a.tasks = repository.NewTaskStateRepository(dataDir, log)
	skips := repository.NewSkipLedgerRepository(dataDir, a.clock)

	a.history = repository.NewNoopExecutionHistoryRepository()
	if cfg.Database.Enabled() {
		db, err := postgres.NewDB(ctx, cfg.Database, &models.TaskExecutionHistoryEntity{})
		if err != nil {
			a.close()
			return nil, err
		}
		a.db = db
		a.history = repository.NewExecutionHistoryRepository(db.DB)
	}

	var pub collector.Publisher = publisher.NoopPublisher{}
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = rdb
		pub = publisher.NewRedisPublisher(rdb, log)
	}

	var notify collector.Notifier = notifier.NoopNotifier{}
	if cfg.Telegram.BotToken != "" {
		n, err := notifier.NewTelegramNotifier(&cfg.Telegram, log)
		if err != nil {
			a.close()
			return nil, err
		}
		notify = n
	}

	recorder := error_handler.NewRecorder(repository.NewErrorStatisticsRepository(dataDir), a.clock, log)
	if err := recorder.Start(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.recorder = recorder

	var estimator collector.Estimator
	if cfg.Binance.EstimateFromKlines {
		estimator = collector.NewKlineEstimator(client, a.partitions, cfg.Binance.EstimateMaxAnchorAge)
	}

	classifier := error_handler.NewClassifier(cfg.Retry)
	a.collector = collector.NewCollector(collector.Dependencies{
		Source:     client,
		Partitions: a.partitions,
		Skips:      skips,
		Retrier:    error_handler.NewRetrier(classifier, cfg.Retry, a.clock, log),
		Recorder:   a.recorder,
		Estimator:  estimator,
		Publisher:  pub,
		Notifier:   notify,
		Clock:      a.clock,
		Log:        log,
		SkipAfter:  cfg.Scheduler.TrailingBuffer,
	})

	workers := cfg.Scheduler.WorkerCount(len(symbols))
	a.scanner = gap_scanner.NewScanner(a.partitions, skips, cfg.Scheduler, log)
	sched, err := scheduler.NewScheduler(scheduler.Dependencies{
		Config:    cfg.Scheduler,
		Tasks:     a.tasks,
		History:   a.history,
		Summaries: repository.NewBatchSummaryRepository(dataDir),
		Scanner:   a.scanner,
		Executor:  backfill.NewExecutor(a.collector, workers, cfg.Scheduler.BackfillChunk, log),
		Collector: a.collector,
		Notifier:  notify,
		Clock:     a.clock,
		Log:       log,
		Workers:   workers,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.scheduler = sched

	log.WithFields(logrus.Fields{
		"symbols":   len(symbols),
		"workers":   workers,
		"data_dir":  dataDir,
		"history":   cfg.Database.Enabled(),
		"stream":    cfg.Redis.Enabled(),
		"telegram":  cfg.Telegram.BotToken != "",
		"estimates": cfg.Binance.EstimateFromKlines,
	}).Info("Collector initialized")
	return a, nil
}

// recoveryDecider is the unattended decision used on start and by `resume`
// when no --action is given.
func (a *app) recoveryDecider() scheduler.DecideFunc {
	return scheduler.PolicyDecider(func() scheduler.Policy {
		return scheduler.Policy{
			Now:            a.clock.Now(),
			MaxAge:         a.cfg.Scheduler.RecoveryMaxAge,
			AllowedSymbols: a.symbols,
		}
	})
}

func (a *app) close() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.limiter != nil {
		a.stopLimiter()
		a.limiter.StopCleanupExpired()
	}
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.WithError(err).Warn("Failed to close connections")
	}
}

func resolveSymbols(cfg *config.Config, flag string) ([]string, error) {
	symbols := cfg.Symbols
	if flag != "" {
		symbols = config.NormalizeSymbols(strings.Split(flag, ","))
	}
	if len(symbols) == 0 {
		return nil, scheduler.ErrNoSymbols
	}
	return symbols, nil
}
