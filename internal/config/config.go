package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wakala/payments/internal/domain"
)

// Config holds all the tuneable values for the processor. Every retry and
// circuit-breaker policy number lives here, never as a constant in the code
// that applies it.
type Config struct {
	Port   string
	DBPath string

	// Retry policy.
	MaxAttempts            int
	UnknownCodeMaxAttempts int // lower ceiling for unclassified failure codes
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	BackoffMultiplier      float64
	PollInterval           time.Duration

	// Circuit breaker policy.
	CircuitThreshold int
	CircuitCooldown  time.Duration

	// Gateway call bound and how long a submitted transaction may wait for
	// confirmation before it expires.
	GatewayTimeout     time.Duration
	ConfirmationWindow time.Duration
	ExpirySweepEvery   time.Duration

	// Per-gateway webhook signing secrets, from WEBHOOK_SECRET_<GATEWAY>.
	WebhookSecrets map[domain.GatewayType]string
}

// Load reads configuration from the environment, falling back to defaults
// that are reasonable for local runs.
func Load() Config {
	cfg := Config{
		Port:                   envString("PORT", "8080"),
		DBPath:                 envString("DB_PATH", "payments.db"),
		MaxAttempts:            envInt("RETRY_MAX_ATTEMPTS", 5),
		UnknownCodeMaxAttempts: envInt("RETRY_UNKNOWN_CODE_MAX_ATTEMPTS", 2),
		BaseDelay:              envDuration("RETRY_BASE_DELAY", 60*time.Second),
		MaxDelay:               envDuration("RETRY_MAX_DELAY", 15*time.Minute),
		BackoffMultiplier:      envFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
		PollInterval:           envDuration("RETRY_POLL_INTERVAL", 5*time.Second),
		CircuitThreshold:       envInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitCooldown:        envDuration("CIRCUIT_COOLDOWN", 30*time.Second),
		GatewayTimeout:         envDuration("GATEWAY_TIMEOUT", 10*time.Second),
		ConfirmationWindow:     envDuration("CONFIRMATION_WINDOW", 15*time.Minute),
		ExpirySweepEvery:       envDuration("EXPIRY_SWEEP_INTERVAL", time.Minute),
		WebhookSecrets:         make(map[domain.GatewayType]string),
	}

	for _, gw := range domain.AllGateways {
		key := "WEBHOOK_SECRET_" + strings.ToUpper(string(gw))
		if secret := os.Getenv(key); secret != "" {
			cfg.WebhookSecrets[gw] = secret
		}
	}

	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
