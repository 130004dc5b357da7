package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is assembled from environment variables (optionally primed from
// config.env via LoadEnvFile).
type Config struct {
	BotToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	PostgresDSN string

	GatewayBaseURL string
	GatewayAPIKey  string
	Currency       string

	ListenAddr     string
	CallbackSecret string

	PortalBaseURL string

	BaseAmountCents int64
	ReminderDelay   time.Duration
	ReuseWindow     time.Duration

	DuePollInterval     time.Duration
	PaymentPollInterval time.Duration
	PaymentPollBatch    int
	PaymentPollWorkers  int
	SchedulerWorkers    int

	LadderFile string
}

func Load() (*Config, error) {
	cfg := &Config{
		BotToken:            os.Getenv("BOT_TOKEN"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:         envString("REDIS_PREFIX", "bot_funnel"),
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		GatewayBaseURL:      envString("GATEWAY_BASE_URL", "https://api.gateway.example"),
		GatewayAPIKey:       os.Getenv("GATEWAY_API_KEY"),
		Currency:            envString("GATEWAY_CURRENCY", "BRL"),
		ListenAddr:          envString("LISTEN_ADDR", ":8080"),
		CallbackSecret:      envString("CALLBACK_SECRET", "change-me"),
		PortalBaseURL:       envString("PORTAL_BASE_URL", "https://portal.example/portal"),
		BaseAmountCents:     envInt64("BASE_AMOUNT_CENTS", 1990),
		ReminderDelay:       envDuration("REMINDER_DELAY", 2*time.Minute),
		ReuseWindow:         envDuration("REUSE_WINDOW", 5*time.Minute),
		DuePollInterval:     envDuration("DUE_POLL_INTERVAL", 5*time.Second),
		PaymentPollInterval: envDuration("PAYMENT_POLL_INTERVAL", 20*time.Second),
		PaymentPollBatch:    envInt("PAYMENT_POLL_BATCH", 50),
		PaymentPollWorkers:  envInt("PAYMENT_POLL_WORKERS", 10),
		SchedulerWorkers:    envInt("SCHEDULER_WORKERS", 3),
		LadderFile:          os.Getenv("LADDER_FILE"),
	}

	host := envString("REDIS_HOST", "localhost")
	port := envString("REDIS_PORT", "6379")
	cfg.RedisAddr = fmt.Sprintf("%s:%s", host, port)

	dbStr := os.Getenv("REDIS_DB")
	if dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %v", dbStr, err)
		}
		cfg.RedisDB = db
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is not set")
	}
	return cfg, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
