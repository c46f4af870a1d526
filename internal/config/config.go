// Package config loads service settings from PANEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Config is the runtime configuration of the panel service.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	AuthSecret string
	TokenTTL   time.Duration
	LogLevel   string

	SessionCacheSize int
	SessionRedisURL  string

	LoginBurst  int
	LoginRefill time.Duration

	ReconcileSchedule string
	ReconcileGrace    time.Duration

	Migrations bool

	RateBurst  int
	RatePerSec float64
}

// Load reads the optional .env files, then the environment. Variables
// already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var errs []error
	cfg := Config{
		HTTPAddr:          getEnv("PANEL_HTTP_ADDR", ":8080"),
		GRPCAddr:          getEnv("PANEL_GRPC_ADDR", ":9090"),
		PGDSN:             getEnv("PANEL_PG_DSN", ""),
		AuthSecret:        getEnv("PANEL_AUTH_SECRET", ""),
		TokenTTL:          getEnvDuration("PANEL_TOKEN_TTL", 12*time.Hour, &errs),
		LogLevel:          getEnv("PANEL_LOG_LEVEL", "info"),
		SessionCacheSize:  getEnvInt("PANEL_SESSION_CACHE_SIZE", 1024, &errs),
		SessionRedisURL:   getEnv("PANEL_SESSION_REDIS_URL", ""),
		LoginBurst:        getEnvInt("PANEL_LOGIN_BURST", 5, &errs),
		LoginRefill:       getEnvDuration("PANEL_LOGIN_REFILL", time.Minute, &errs),
		ReconcileSchedule: getEnv("PANEL_RECONCILE_SCHEDULE", "@every 10m"),
		ReconcileGrace:    getEnvDuration("PANEL_RECONCILE_GRACE", 15*time.Minute, &errs),
		Migrations:        getEnvBool("PANEL_MIGRATIONS", true, &errs),
		RateBurst:         getEnvInt("PANEL_RATE_BURST", 50, &errs),
		RatePerSec:        getEnvFloat("PANEL_RATE_PER_SEC", 10, &errs),
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Validate rejects missing secrets and out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if len(c.AuthSecret) < 16 {
		errs = append(errs, errors.New("PANEL_AUTH_SECRET must be at least 16 characters"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("PANEL_TOKEN_TTL must be positive"))
	}
	if c.SessionCacheSize <= 0 {
		errs = append(errs, errors.New("PANEL_SESSION_CACHE_SIZE must be positive"))
	}
	if c.LoginBurst <= 0 || c.LoginRefill <= 0 {
		errs = append(errs, errors.New("PANEL_LOGIN_BURST and PANEL_LOGIN_REFILL must be positive"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("PANEL_RATE_BURST and PANEL_RATE_PER_SEC must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("PANEL_LOG_LEVEL: %w", err))
	}
	if strings.TrimSpace(c.ReconcileSchedule) != "" {
		if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
			errs = append(errs, fmt.Errorf("PANEL_RECONCILE_SCHEDULE: %w", err))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getEnvFloat(key string, def float64, errs *[]error) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func getEnvBool(key string, def bool, errs *[]error) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
