package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// DefaultWSURL is the provider's chart socket endpoint. The dial URL gets a
// date query parameter appended per connection (cache busting, matches what
// the browser client sends).
const DefaultWSURL = "wss://data.tradingview.com/socket.io/websocket?from=chart%2F&transport=websocket&EIO=4"

// Config holds all application configuration loaded from environment
// variables. It is built once in main and passed into constructors; nothing
// reads the environment after startup.
type Config struct {
	// Provider session
	AuthToken string // bearer token for set_auth_token; anonymous token works for public data
	Cookie    string // raw cookie header value, optional
	WSURL     string
	Provider  string // provider name recorded on every stored row

	// Infrastructure
	SQLitePath    string
	RedisAddr     string // empty disables the Redis bar publisher
	RedisPassword string
	MetricsAddr   string // empty disables the metrics/health server

	// Timeouts
	FetchTimeout     time.Duration // batch fetch wall-clock budget
	ClosedBarTimeout time.Duration // realtime closed-bar wait budget

	// Alerting (optional)
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		AuthToken: getEnv("TV_AUTH_TOKEN", "unauthorized_user_token"),
		Cookie:    getEnv("TV_COOKIE", ""),
		WSURL:     getEnv("TV_WS_URL", DefaultWSURL),
		Provider:  getEnv("PROVIDER_NAME", "TRADINGVIEW"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/prices.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ""),

		FetchTimeout:     time.Duration(getEnvInt("TV_WS_TIMEOUT_S", 25)) * time.Second,
		ClosedBarTimeout: time.Duration(getEnvInt("TV_CLOSED_BAR_TIMEOUT_S", 45)) * time.Second,

		WebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}
