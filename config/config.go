package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"task-client/domain"
)

// Config holds the runtime settings of the client.
type Config struct {
	BackendURL            string        `yaml:"backendUrl" validate:"required,url"`
	AccessToken           string        `yaml:"accessToken"`
	TokenFile             string        `yaml:"tokenFile"`
	RedisConnectionString string        `yaml:"redisConnectionString"`
	CacheTTL              time.Duration `yaml:"cacheTTL" validate:"gt=0"`
	APIMaxRetries         int           `yaml:"apiMaxRetries" validate:"gte=0,lte=10"`
	APIRetryInitial       time.Duration `yaml:"apiRetryInitial" validate:"gt=0,ltefield=APIRetryMax"`
	APIRetryMax           time.Duration `yaml:"apiRetryMax" validate:"gt=0"`
	APITimeout            time.Duration `yaml:"apiTimeout" validate:"gt=0"`
	StreamMaxAttempts     int           `yaml:"streamMaxAttempts" validate:"gt=0"`
	StreamBackoffBase     time.Duration `yaml:"streamBackoffBase" validate:"gt=0,ltefield=StreamBackoffMax"`
	StreamBackoffMax      time.Duration `yaml:"streamBackoffMax" validate:"gt=0"`
	ExportPollInterval    time.Duration `yaml:"exportPollInterval" validate:"gt=0"`
	DownloadDir           string        `yaml:"downloadDir" validate:"required"`
	ListenAddr            string        `yaml:"listenAddr" validate:"required"`
	InitialView           domain.View   `yaml:"initialView" validate:"oneof=open done"`
	Debug                 bool          `yaml:"debug"`
	LogFormat             string        `yaml:"logFormat" validate:"oneof=text json"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Config {
	return Config{
		CacheTTL:           10 * time.Minute,
		APIMaxRetries:      3,
		APIRetryInitial:    250 * time.Millisecond,
		APIRetryMax:        5 * time.Second,
		APITimeout:         15 * time.Second,
		StreamMaxAttempts:  5,
		StreamBackoffBase:  time.Second,
		StreamBackoffMax:   30 * time.Second,
		ExportPollInterval: 3 * time.Second,
		DownloadDir:        ".",
		ListenAddr:         ":8081",
		InitialView:        domain.ViewOpen,
		LogFormat:          "text",
	}
}

// Load reads .env, then the process environment, with the YAML file named by
// TASK_CLIENT_CONFIG filling in what the environment leaves unset.
func Load() (Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()
	return LoadFrom(os.Getenv, afero.NewOsFs())
}

// LoadFrom builds a Config from getenv and the overlay file on fs.
func LoadFrom(getenv func(string) string, fs afero.Fs) (Config, error) {
	cfg := Defaults()
	if path := getenv("TASK_CLIENT_CONFIG"); path != "" {
		if err := overlayFile(fs, path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(getenv, &cfg); err != nil {
		return Config{}, err
	}
	cfg.InitialView = domain.View(strings.ToLower(strings.TrimSpace(string(cfg.InitialView))))
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(fs afero.Fs, path string, cfg *Config) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(getenv func(string) string, cfg *Config) error {
	envString(getenv, "BACKEND_URL", &cfg.BackendURL)
	envString(getenv, "ACCESS_TOKEN", &cfg.AccessToken)
	envString(getenv, "TOKEN_FILE", &cfg.TokenFile)
	envString(getenv, "REDIS_CONNECTION_STRING", &cfg.RedisConnectionString)
	envString(getenv, "DOWNLOAD_DIR", &cfg.DownloadDir)
	envString(getenv, "LISTEN_ADDR", &cfg.ListenAddr)
	envString(getenv, "LOG_FORMAT", &cfg.LogFormat)
	if v := getenv("INITIAL_VIEW"); v != "" {
		cfg.InitialView = domain.View(v)
	}

	return errors.Join(
		envDur(getenv, "CACHE_TTL", &cfg.CacheTTL),
		envInt(getenv, "API_MAX_RETRIES", &cfg.APIMaxRetries),
		envDur(getenv, "API_RETRY_INITIAL", &cfg.APIRetryInitial),
		envDur(getenv, "API_RETRY_MAX", &cfg.APIRetryMax),
		envDur(getenv, "API_TIMEOUT", &cfg.APITimeout),
		envInt(getenv, "STREAM_MAX_ATTEMPTS", &cfg.StreamMaxAttempts),
		envDur(getenv, "STREAM_BACKOFF_BASE", &cfg.StreamBackoffBase),
		envDur(getenv, "STREAM_BACKOFF_MAX", &cfg.StreamBackoffMax),
		envDur(getenv, "EXPORT_POLL_INTERVAL", &cfg.ExportPollInterval),
		envBool(getenv, "DEBUG", &cfg.Debug),
	)
}

func envString(getenv func(string) string, key string, dst *string) {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDur(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envBool(getenv func(string) string, key string, dst *bool) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

var validate = validator.New()

// Validate checks cfg against its tags.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", e.Field(), e.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
