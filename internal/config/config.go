package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	Env         string

	APIKeyPepper string
	AdminToken   string

	CodePrefix         string
	RateLimitPerMinute int
	MarketPageLimit    int

	// Optional base64 ed25519 private key used to sign trade receipts.
	// Receipts are still digested when unset.
	ReceiptSigningKey string
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func Load() (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	rateLimit := getenvIntDefault("AGENTBOX_RATE_LIMIT_PER_MINUTE", 120)
	if rateLimit < 10 {
		rateLimit = 10
	}

	pageLimit := getenvIntDefault("AGENTBOX_MARKET_PAGE_LIMIT", 20)
	if pageLimit < 1 {
		pageLimit = 1
	}
	if pageLimit > 100 {
		pageLimit = 100
	}

	codePrefix := strings.ToUpper(strings.TrimSpace(getenvDefault("AGENTBOX_CODE_PREFIX", "PONTA")))

	cfg := Config{
		DatabaseURL: os.Getenv("AGENTBOX_DATABASE_URL"),
		HTTPAddr:    getenvDefault("AGENTBOX_HTTP_ADDR", ":8080"),
		Env:         getenvDefault("AGENTBOX_ENV", "production"),

		APIKeyPepper: os.Getenv("AGENTBOX_API_KEY_PEPPER"),
		AdminToken:   strings.TrimSpace(os.Getenv("AGENTBOX_ADMIN_TOKEN")),

		CodePrefix:         codePrefix,
		RateLimitPerMinute: rateLimit,
		MarketPageLimit:    pageLimit,

		ReceiptSigningKey: strings.TrimSpace(os.Getenv("AGENTBOX_RECEIPT_SIGNING_KEY")),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("AGENTBOX_DATABASE_URL is required")
	}
	if cfg.APIKeyPepper == "" {
		return Config{}, errors.New("AGENTBOX_API_KEY_PEPPER is required")
	}
	if cfg.CodePrefix == "" {
		return Config{}, errors.New("AGENTBOX_CODE_PREFIX must not be blank")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
