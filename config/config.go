// Package config reads settings from the environment, optionally seeded from
// a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Token store backends.
const (
	TokenStoreFile   = "file"
	TokenStoreRedis  = "redis"
	TokenStoreMongo  = "mongo"
	TokenStoreMemory = "memory"
)

type Config struct {
	APIURL          string
	APITimeout      time.Duration
	RateLimit       float64
	RateBurst       int
	BreakerFailures uint32
	BreakerCooldown time.Duration

	TokenStore    string
	TokenFile     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MongoURI      string
	MongoDatabase string

	NotifyAddr string
	MockAddr   string
	JWTSecret  string
	LogLevel   slog.Level
}

// Load reads envFile when it exists, then the environment. A missing file is
// not an error; a value that does not parse is.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read %s: %w", envFile, err)
		}
	}

	p := parser{}
	cfg := Config{
		APIURL:          strings.TrimRight(getEnv("STOREFRONT_API_URL", "http://localhost:5000/api"), "/"),
		APITimeout:      p.duration("STOREFRONT_API_TIMEOUT", 10*time.Second),
		RateLimit:       p.float("STOREFRONT_RATE_LIMIT", 10),
		RateBurst:       p.int("STOREFRONT_RATE_BURST", 5),
		BreakerFailures: uint32(p.int("STOREFRONT_BREAKER_FAILURES", 5)),
		BreakerCooldown: p.duration("STOREFRONT_BREAKER_COOLDOWN", 30*time.Second),

		TokenStore:    strings.ToLower(getEnv("STOREFRONT_TOKEN_STORE", TokenStoreFile)),
		TokenFile:     getEnv("STOREFRONT_TOKEN_FILE", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       p.int("REDIS_DB", 0),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "storefront"),

		NotifyAddr: getEnv("STOREFRONT_NOTIFY_ADDR", ""),
		MockAddr:   getEnv("STOREFRONT_MOCK_ADDR", "127.0.0.1:0"),
		JWTSecret:  getEnv("STOREFRONT_JWT_SECRET", "storefront-dev-secret"),
		LogLevel:   p.level("LOG_LEVEL", slog.LevelInfo),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that parse but make no sense together.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: STOREFRONT_API_URL %q is not an http(s) URL", c.APIURL)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("config: STOREFRONT_API_TIMEOUT must be positive")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("config: STOREFRONT_RATE_BURST must be at least 1 when a rate limit is set")
	}
	switch c.TokenStore {
	case TokenStoreFile, TokenStoreRedis, TokenStoreMongo, TokenStoreMemory:
	default:
		return fmt.Errorf("config: unknown STOREFRONT_TOKEN_STORE %q", c.TokenStore)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s=%q: %w", key, value, err)
	}
}

func (p *parser) int(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < 0 {
		err = errors.New("must not be negative")
	}
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

// duration accepts Go durations ("1500ms") and bare seconds ("10").
func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}

func (p *parser) level(key string, fallback slog.Level) slog.Level {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return l
}
