package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DbURL    string
	DbDriver string

	KafkaBroker        string
	EventsTopic        string
	NotificationsTopic string
	ChainEventsTopic   string

	RpcURL    string
	LedgerURL string
	RiskURL   string

	BatchSize          int
	PollInterval       time.Duration
	PostHookTimeout    time.Duration
	MaxOutboxAttempts  int
	EventAlertAttempts int
	AwaitInterval      time.Duration
	AwaitTimeout       time.Duration
	FinalityOffset     uint64
	HTTPTimeout        time.Duration

	APIPort int
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	return &Config{
		DbURL:              getEnvOrFatal("DB_URL"),
		DbDriver:           getEnvString("DB_DRIVER", "postgres"),
		KafkaBroker:        getEnvOrFatal("KAFKA_BROKER"),
		EventsTopic:        getEnvString("EVENTS_TOPIC", "btcflow.transitions"),
		NotificationsTopic: getEnvString("NOTIFICATIONS_TOPIC", "btcflow.preflight"),
		ChainEventsTopic:   getEnvString("CHAIN_EVENTS_TOPIC", "btcflow.chain"),
		RpcURL:             getEnvOrFatal("RPC_URL"),
		LedgerURL:          getEnvOrFatal("LEDGER_URL"),
		RiskURL:            getEnvOrFatal("RISK_URL"),
		BatchSize:          getEnvInt("BATCH_SIZE", 100),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 3*time.Second),
		PostHookTimeout:    getEnvDuration("POST_HOOK_TIMEOUT", 2*time.Second),
		MaxOutboxAttempts:  getEnvInt("MAX_OUTBOX_ATTEMPTS", 10),
		EventAlertAttempts: getEnvInt("EVENT_ALERT_ATTEMPTS", 20),
		AwaitInterval:      getEnvDuration("AWAIT_INTERVAL", 500*time.Millisecond),
		AwaitTimeout:       getEnvDuration("AWAIT_TIMEOUT", 30*time.Second),
		FinalityOffset:     getEnvUint64("FINALITY_OFFSET", 6),
		HTTPTimeout:        getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		APIPort:            getEnvInt("API_PORT", 8080),
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("Warning: environment variable %s not set", key)

	return ""
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
