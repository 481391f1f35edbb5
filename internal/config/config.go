package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPresenceTTL        = 60 * time.Second
	DefaultHeartbeatInterval  = 25 * time.Second
	DefaultRememberGroupsTTL  = 24 * time.Hour
	DefaultDedupTTL           = 7 * 24 * time.Hour
	DefaultMembershipTimeout  = 5 * time.Second
	DefaultExpiryPollInterval = 5 * time.Second

	minPresenceTTL  = 10 * time.Second
	maxPresenceTTL  = 10 * time.Minute
	heartbeatMargin = 5 * time.Second
)

var (
	DefaultAuthCookieNames = []string{"access_token", "token"}
	expiryModes            = []string{"auto", "notify", "poll"}
)

// Options holds the raw, unvalidated values collected from flags and the environment.
type Options struct {
	ServerAddr         string
	RedisURL           string
	NatsURL            string
	GroupAPIURL        string
	SigningKey         string
	DeadLetterDSN      string
	PresenceTTL        time.Duration
	HeartbeatInterval  time.Duration
	RememberGroupsTTL  time.Duration
	DedupTTL           time.Duration
	MembershipTimeout  time.Duration
	ExpiryPollInterval time.Duration
	AllowedOrigins     []string
	AuthCookieNames    []string
	ExpiryMode         string
	LogLevel           string
	LogPretty          bool
}

type Config struct {
	ServerAddr         string
	RedisURL           string
	NatsURL            string
	GroupAPIURL        string
	SigningKey         []byte
	DeadLetterDSN      string
	PresenceTTL        time.Duration
	HeartbeatInterval  time.Duration
	RememberGroupsTTL  time.Duration
	DedupTTL           time.Duration
	MembershipTimeout  time.Duration
	ExpiryPollInterval time.Duration
	AllowedOrigins     []string
	AuthCookieNames    []string
	ExpiryMode         string
	LogLevel           zerolog.Level
	LogPretty          bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("decoded key is empty")
	}

	return key, nil
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}
	if opts.NatsURL == "" {
		return nil, fmt.Errorf("nats URL cannot be empty")
	}
	if opts.GroupAPIURL == "" {
		return nil, fmt.Errorf("group API URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(opts.GroupAPIURL); err != nil {
		return nil, fmt.Errorf("invalid group API URL: %w", err)
	}
	if opts.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(opts.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:         opts.ServerAddr,
		RedisURL:           opts.RedisURL,
		NatsURL:            opts.NatsURL,
		GroupAPIURL:        strings.TrimRight(opts.GroupAPIURL, "/"),
		SigningKey:         signingKey,
		DeadLetterDSN:      opts.DeadLetterDSN,
		PresenceTTL:        orDefault(opts.PresenceTTL, DefaultPresenceTTL),
		HeartbeatInterval:  orDefault(opts.HeartbeatInterval, DefaultHeartbeatInterval),
		RememberGroupsTTL:  orDefault(opts.RememberGroupsTTL, DefaultRememberGroupsTTL),
		DedupTTL:           orDefault(opts.DedupTTL, DefaultDedupTTL),
		MembershipTimeout:  orDefault(opts.MembershipTimeout, DefaultMembershipTimeout),
		ExpiryPollInterval: orDefault(opts.ExpiryPollInterval, DefaultExpiryPollInterval),
		AllowedOrigins:     compact(opts.AllowedOrigins),
		AuthCookieNames:    compact(opts.AuthCookieNames),
		ExpiryMode:         strings.ToLower(strings.TrimSpace(opts.ExpiryMode)),
		LogPretty:          opts.LogPretty,
	}

	if cfg.ExpiryMode == "" {
		cfg.ExpiryMode = expiryModes[0]
	}
	if !slices.Contains(expiryModes, cfg.ExpiryMode) {
		return nil, fmt.Errorf("expiry mode must be one of %s, got %q", strings.Join(expiryModes, ", "), opts.ExpiryMode)
	}

	cfg.LogLevel = zerolog.InfoLevel
	if opts.LogLevel != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(opts.LogLevel))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.LogLevel = level
	}

	if len(cfg.AuthCookieNames) == 0 {
		cfg.AuthCookieNames = DefaultAuthCookieNames
	}

	if cfg.PresenceTTL < minPresenceTTL || cfg.PresenceTTL > maxPresenceTTL {
		return nil, fmt.Errorf("presence TTL must be between %s and %s, got %s", minPresenceTTL, maxPresenceTTL, cfg.PresenceTTL)
	}
	// the heartbeat must land well inside the TTL window or presence flaps
	if cfg.HeartbeatInterval+heartbeatMargin > cfg.PresenceTTL {
		return nil, fmt.Errorf("heartbeat interval %s must be at least %s shorter than presence TTL %s",
			cfg.HeartbeatInterval, heartbeatMargin, cfg.PresenceTTL)
	}
	if cfg.RememberGroupsTTL <= cfg.PresenceTTL {
		return nil, fmt.Errorf("remember groups TTL %s must exceed presence TTL %s", cfg.RememberGroupsTTL, cfg.PresenceTTL)
	}

	return cfg, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
