package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"binance-oi-collector/pkg/postgres"
	"binance-oi-collector/pkg/redis"
)

type Config struct {
	Binance   BinanceConfig   `mapstructure:"binance"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  postgres.Config `mapstructure:"database"`
	Redis     redis.Config    `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Symbols   []string        `mapstructure:"symbols"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	FileEnabled bool   `mapstructure:"file_enabled"`
}

type ServerConfig struct {
	Addr string
	Env  string
}

type BinanceConfig struct {
	BaseURL                    string
	ProxyURL                   string
	MaxRequestPerSecond        int
	MaxSymbolRequestsPerSecond int
	RateLimitCleanupDuration   time.Duration
	RateLimitExpireDuration    time.Duration
	EstimateFromKlines         bool
	EstimateMaxAnchorAge       time.Duration
}

type SchedulerConfig struct {
	Workers          int
	HistorySweepCron string
	HistoryWindow    time.Duration
	TrailingBuffer   time.Duration
	ShutdownGrace    time.Duration
	CheckpointEvery  int
	BackfillChunk    int
	RecoveryMaxAge   time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	AttemptTimeout    time.Duration
	RateLimitCooldown time.Duration
}

type StorageConfig struct {
	DataDir     string
	SymbolsFile string
}

type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE_ENABLED", true)
	v.SetDefault("ENV", "development")
	v.SetDefault("BINANCE_BASE_URL", "https://fapi.binance.com")
	v.SetDefault("BINANCE_MAX_REQUEST_PER_SECOND", 20)
	v.SetDefault("BINANCE_MAX_SYMBOL_REQUEST_PER_SECOND", 5)
	v.SetDefault("BINANCE_RATE_LIMIT_CLEANUP_DURATION", "10m")
	v.SetDefault("BINANCE_RATE_LIMIT_EXPIRE_DURATION", "30m")
	v.SetDefault("BINANCE_ESTIMATE_FROM_KLINES", false)
	v.SetDefault("BINANCE_ESTIMATE_MAX_ANCHOR_AGE", "6h")
	v.SetDefault("HISTORY_SWEEP_CRON", "*/5 * * * *")
	v.SetDefault("HISTORY_WINDOW", "720h")
	v.SetDefault("HISTORY_TRAILING_BUFFER", "1h")
	v.SetDefault("SHUTDOWN_GRACE", "5s")
	v.SetDefault("CHECKPOINT_EVERY", 50)
	v.SetDefault("BACKFILL_CHUNK", 288)
	v.SetDefault("RECOVERY_MAX_AGE", "720h")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "60s")
	v.SetDefault("RETRY_ATTEMPT_TIMEOUT", "5s")
	v.SetDefault("RETRY_RATE_LIMIT_COOLDOWN", "60s")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("SYMBOLS_FILE", "config/config.json")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_SSL_MODE", "disable")
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Println("Failed to read config file .env config try read from environment variables")
	}

	config := &Config{
		Binance: BinanceConfig{
			BaseURL:                    v.GetString("BINANCE_BASE_URL"),
			ProxyURL:                   v.GetString("BINANCE_PROXY_URL"),
			MaxRequestPerSecond:        v.GetInt("BINANCE_MAX_REQUEST_PER_SECOND"),
			MaxSymbolRequestsPerSecond: v.GetInt("BINANCE_MAX_SYMBOL_REQUEST_PER_SECOND"),
			RateLimitCleanupDuration:   v.GetDuration("BINANCE_RATE_LIMIT_CLEANUP_DURATION"),
			RateLimitExpireDuration:    v.GetDuration("BINANCE_RATE_LIMIT_EXPIRE_DURATION"),
			EstimateFromKlines:         v.GetBool("BINANCE_ESTIMATE_FROM_KLINES"),
			EstimateMaxAnchorAge:       v.GetDuration("BINANCE_ESTIMATE_MAX_ANCHOR_AGE"),
		},
		Scheduler: SchedulerConfig{
			Workers:          v.GetInt("OI_MAX_WORKERS"),
			HistorySweepCron: v.GetString("HISTORY_SWEEP_CRON"),
			HistoryWindow:    v.GetDuration("HISTORY_WINDOW"),
			TrailingBuffer:   v.GetDuration("HISTORY_TRAILING_BUFFER"),
			ShutdownGrace:    v.GetDuration("SHUTDOWN_GRACE"),
			CheckpointEvery:  v.GetInt("CHECKPOINT_EVERY"),
			BackfillChunk:    v.GetInt("BACKFILL_CHUNK"),
			RecoveryMaxAge:   v.GetDuration("RECOVERY_MAX_AGE"),
		},
		Retry: RetryConfig{
			MaxAttempts:       v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:         v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:          v.GetDuration("RETRY_MAX_DELAY"),
			AttemptTimeout:    v.GetDuration("RETRY_ATTEMPT_TIMEOUT"),
			RateLimitCooldown: v.GetDuration("RETRY_RATE_LIMIT_COOLDOWN"),
		},
		Storage: StorageConfig{
			DataDir:     v.GetString("DATA_DIR"),
			SymbolsFile: v.GetString("SYMBOLS_FILE"),
		},
		Server: ServerConfig{
			Addr: v.GetString("HTTP_ADDR"),
			Env:  v.GetString("ENV"),
		},
		Telegram: TelegramConfig{
			BotToken: v.GetString("TELEGRAM_BOT_TOKEN"),
			ChatID:   v.GetInt64("TELEGRAM_CHAT_ID"),
		},
		Log: LogConfig{
			Level:       v.GetString("LOG_LEVEL"),
			FileEnabled: v.GetBool("LOG_FILE_ENABLED"),
		},
		Database: postgres.Config{
			Host:            v.GetString("DATABASE_HOST"),
			Port:            v.GetInt("DATABASE_PORT"),
			User:            v.GetString("DATABASE_USER"),
			Password:        v.GetString("DATABASE_PASSWORD"),
			DBName:          v.GetString("DATABASE_NAME"),
			SSLMode:         v.GetString("DATABASE_SSL_MODE"),
			TimeZone:        v.GetString("DATABASE_TIME_ZONE"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			ConnMaxLifetime: v.GetString("DATABASE_CONN_MAX_LIFETIME"),
			LogLevel:        v.GetString("DATABASE_LOG_LEVEL"),
		},
		Redis: redis.Config{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			PoolSize: v.GetInt("REDIS_POOL_SIZE"),
		},
	}

	symbols, err := loadSymbols(v.GetString("SYMBOLS"), config.Storage.SymbolsFile)
	if err != nil {
		return nil, err
	}
	config.Symbols = symbols

	return config, nil
}

// loadSymbols prefers the comma separated SYMBOLS variable and falls back to
// the {"symbols": [...]} JSON file.
func loadSymbols(list, file string) ([]string, error) {
	if list != "" {
		return NormalizeSymbols(strings.Split(list, ",")), nil
	}
	if file == "" {
		return nil, nil
	}

	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		log.Printf("symbols file %s not found", file)
		return nil, nil
	}

	fv := viper.New()
	fv.SetConfigFile(file)
	fv.SetConfigType("json")
	if err := fv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read symbols file %s: %w", file, err)
	}
	return NormalizeSymbols(fv.GetStringSlice("symbols")), nil
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols keeping order.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// WorkerCount bounds fetch concurrency: OI_MAX_WORKERS when set, otherwise
// twice the CPU count capped at 32, never more than the number of symbols.
func (c SchedulerConfig) WorkerCount(symbols int) int {
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
		if workers > 32 {
			workers = 32
		}
	}
	if symbols > 0 && workers > symbols {
		workers = symbols
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (c *Config) Validate() []string {
	var problems []string
	if c.Storage.DataDir == "" {
		problems = append(problems, "DATA_DIR must not be empty")
	}
	if c.Binance.BaseURL == "" {
		problems = append(problems, "BINANCE_BASE_URL must not be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.AttemptTimeout <= 0 {
		problems = append(problems, "RETRY_ATTEMPT_TIMEOUT must be positive")
	}
	if c.Scheduler.HistoryWindow <= c.Scheduler.TrailingBuffer {
		problems = append(problems, "HISTORY_WINDOW must be longer than HISTORY_TRAILING_BUFFER")
	}
	if c.Scheduler.BackfillChunk < 1 || c.Scheduler.BackfillChunk > 500 {
		problems = append(problems, "BACKFILL_CHUNK must be between 1 and 500")
	}
	if _, err := cron.ParseStandard(c.Scheduler.HistorySweepCron); err != nil {
		problems = append(problems, fmt.Sprintf("HISTORY_SWEEP_CRON is invalid: %v", err))
	}
	if c.Binance.MaxRequestPerSecond < 1 {
		problems = append(problems, "BINANCE_MAX_REQUEST_PER_SECOND must be at least 1")
	}
	return problems
}
