package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from the given .env files (or ./.env) without
// overriding values already present in the environment. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	return godotenv.Load(existing...)
}

// OptionsFromEnv returns Options populated from environment variables, falling
// back to defaults for unset ones. Flags parsed afterwards override these
// values. Every malformed variable is reported in the returned error.
func OptionsFromEnv() (Options, error) {
	var r envReader
	opts := Options{
		ServerAddr:         getEnv("ADDR", "localhost:8000"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		GroupAPIURL:        getEnv("GROUP_API_URL", ""),
		SigningKey:         getEnv("SIGNING_KEY", ""),
		DeadLetterDSN:      getEnv("DEAD_LETTER_DSN", ""),
		PresenceTTL:        r.seconds("PRESENCE_TTL_SECONDS", DefaultPresenceTTL),
		HeartbeatInterval:  r.millis("HEARTBEAT_INTERVAL_MS", DefaultHeartbeatInterval),
		RememberGroupsTTL:  r.duration("REMEMBER_GROUPS_TTL", DefaultRememberGroupsTTL),
		DedupTTL:           r.duration("DEDUP_TTL", DefaultDedupTTL),
		MembershipTimeout:  r.duration("MEMBERSHIP_TIMEOUT", DefaultMembershipTimeout),
		ExpiryPollInterval: r.duration("EXPIRY_POLL_INTERVAL", DefaultExpiryPollInterval),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS"),
		AuthCookieNames:    getEnvList("AUTH_COOKIE_NAMES"),
		ExpiryMode:         getEnv("EXPIRY_MODE", "auto"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogPretty:          r.bool("LOG_PRETTY"),
	}
	return opts, errors.Join(r.errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// envReader parses typed variables and collects the errors of malformed ones.
type envReader struct {
	errs []error
}

func (r *envReader) positiveInt(key string) (int, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a positive integer", key, value))
		return 0, false
	}
	return n, true
}

func (r *envReader) seconds(key string, defaultValue time.Duration) time.Duration {
	if n, ok := r.positiveInt(key); ok {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func (r *envReader) millis(key string, defaultValue time.Duration) time.Duration {
	if n, ok := r.positiveInt(key); ok {
		return time.Duration(n) * time.Millisecond
	}
	return defaultValue
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a positive duration", key, value))
		return defaultValue
	}
	return d
}

func (r *envReader) bool(key string) bool {
	value := os.Getenv(key)
	if value == "" {
		return false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, value))
		return false
	}
	return b
}
