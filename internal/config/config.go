package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingBackendURL = errors.New("BACKEND_URL is required")
	ErrMissingJWTSecret  = errors.New("APP_JWT_SECRET is required")
	ErrInvalid           = errors.New("invalid configuration")
)

// Config holds the service settings. An optional YAML file provides the base
// values, environment variables override them.
type Config struct {
	Port             string        `yaml:"port" validate:"required,numeric"`
	BackendURL       string        `yaml:"backend_url" validate:"required,url"`
	RosterPath       string        `yaml:"roster_path" validate:"required,startswith=/"`
	PushURL          string        `yaml:"push_url" validate:"required,url"`
	SessionCookie    string        `yaml:"session_cookie" validate:"required"`
	JWTSecret        string        `yaml:"jwt_secret" validate:"required"`
	SnapshotTimeout  time.Duration `yaml:"snapshot_timeout" validate:"gt=0"`
	SnapshotAttempts int           `yaml:"snapshot_attempts" validate:"gte=1"`
	SnapshotBackoff  time.Duration `yaml:"snapshot_backoff" validate:"gt=0"`
	ReconnectMin     time.Duration `yaml:"reconnect_min" validate:"gt=0"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" validate:"gtefield=ReconnectMin"`
	AllowedOrigins   []string      `yaml:"allowed_origins" validate:"min=1"`
	LogLevel         string        `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	LogFile          string        `yaml:"log_file"`
	LogMaxAgeDays    int           `yaml:"log_max_age_days" validate:"gte=0"`
	DatabaseURL      string        `yaml:"database_url"`
}

var validate = validator.New()

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:             "8080",
		RosterPath:       "/api/vehicles",
		SessionCookie:    "fleet_session",
		SnapshotTimeout:  10 * time.Second,
		SnapshotAttempts: 3,
		SnapshotBackoff:  500 * time.Millisecond,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
		AllowedOrigins:   []string{"*"},
		LogLevel:         "INFO",
		LogMaxAgeDays:    30,
	}
}

// Load builds the configuration from CONFIG_FILE (if set) and the environment.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return cfg, err
		}
		log.Infof("📄 Loaded config file %s", path)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	if cfg.PushURL == "" && cfg.BackendURL != "" {
		pushURL, err := derivePushURL(cfg.BackendURL)
		if err != nil {
			return cfg, fmt.Errorf("%w: BACKEND_URL: %v", ErrInvalid, err)
		}
		cfg.PushURL = pushURL
	}

	return cfg, cfg.Validate()
}

// Validate checks required keys and value ranges.
func (c Config) Validate() error {
	if c.BackendURL == "" {
		return ErrMissingBackendURL
	}
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// RosterURL is the absolute URL of the roster read.
func (c Config) RosterURL() string {
	return c.BackendURL + c.RosterPath
}

func (c Config) ListenAddress() string {
	return ":" + c.Port
}

func (c Config) GetLogLevel() log.Level {
	switch c.LogLevel {
	case "DEBUG":
		return log.DebugLevel
	case "INFO":
		return log.InfoLevel
	case "WARN":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"PORT", &c.Port},
		{"BACKEND_URL", &c.BackendURL},
		{"ROSTER_PATH", &c.RosterPath},
		{"PUSH_URL", &c.PushURL},
		{"SESSION_COOKIE", &c.SessionCookie},
		{"APP_JWT_SECRET", &c.JWTSecret},
		{"LOG_LEVEL", &c.LogLevel},
		{"LOG_FILE", &c.LogFile},
		{"DATABASE_URL", &c.DatabaseURL},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.key); ok && v != "" {
			*s.dst = v
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SNAPSHOT_TIMEOUT", &c.SnapshotTimeout},
		{"SNAPSHOT_BACKOFF", &c.SnapshotBackoff},
		{"RECONNECT_MIN", &c.ReconnectMin},
		{"RECONNECT_MAX", &c.ReconnectMax},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SNAPSHOT_ATTEMPTS", &c.SnapshotAttempts},
		{"LOG_MAX_AGE_DAYS", &c.LogMaxAgeDays},
	}
	for _, i := range ints {
		v, ok := os.LookupEnv(i.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, i.key, err)
		}
		*i.dst = parsed
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.AllowedOrigins = origins
	}
	return nil
}

// derivePushURL maps http(s)://host/base to ws(s)://host/base/ws.
func derivePushURL(backend string) (string, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
