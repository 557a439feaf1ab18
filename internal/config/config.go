// Package config loads the gateway's runtime configuration: environment
// variables for the connection strings and tunables every instance needs
// at boot (spec §6 "Configuration via environment variables"), layered
// over defaults and an optional YAML file the way this repository's own
// Loader builder does it.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the HTTP listener's own tuning, consumed by
// internal/server.Manager.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig is parsed from REDIS_URL but also overridable field-by-field
// via the REDIS_* env tags, mirroring the teacher's RedisConfig shape.
type RedisConfig struct {
	URL          string `yaml:"url" env:"URL"`
	Prefix       string `yaml:"prefix" env:"PREFIX"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// SessionConfig controls session-record TTL, spec §6 "SESSION_TTL".
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// WriteMode selects whether message_request bookkeeping is persisted
// synchronously (on the request path) or asynchronously (buffered and
// flushed in the background). Only async is implemented: Validate accepts
// "sync" and "async", but nothing else reads Mode, so "sync" runs the same
// buffered background writer and no warning is logged.
type WriteMode string

const (
	WriteModeSync  WriteMode = "sync"
	WriteModeAsync WriteMode = "async"
)

// MessageRequestWriteConfig tunes the repository.MessageRequestWriter, per
// spec §6 "MESSAGE_REQUEST_WRITE_MODE" and its async_* knobs.
type MessageRequestWriteConfig struct {
	Mode                 WriteMode     `yaml:"mode" env:"MODE"`
	AsyncFlushIntervalMs int           `yaml:"async_flush_interval_ms" env:"ASYNC_FLUSH_INTERVAL_MS"`
	AsyncBatchSize       int           `yaml:"async_batch_size" env:"ASYNC_BATCH_SIZE"`
	AsyncMaxPending      int           `yaml:"async_max_pending" env:"ASYNC_MAX_PENDING"`
	flushInterval        time.Duration `yaml:"-" env:"-"`
}

// FlushInterval returns AsyncFlushIntervalMs as a time.Duration.
func (c MessageRequestWriteConfig) FlushInterval() time.Duration {
	return time.Duration(c.AsyncFlushIntervalMs) * time.Millisecond
}

// SystemSettings mirrors the operator-tunable knobs spec §6 says are
// "additionally loaded from DB"; this gateway loads them only from defaults,
// the YAML file and environment at boot, with no runtime override. See
// spec §1 "System settings".
type SystemSettings struct {
	BillingModelSource                string  `yaml:"billing_model_source" env:"BILLING_MODEL_SOURCE"`
	AllowGlobalUsageView               bool    `yaml:"allow_global_usage_view" env:"ALLOW_GLOBAL_USAGE_VIEW"`
	EnableAutoCleanup                  bool    `yaml:"enable_auto_cleanup" env:"ENABLE_AUTO_CLEANUP"`
	VerboseProviderError               bool    `yaml:"verbose_provider_error" env:"VERBOSE_PROVIDER_ERROR"`
	EnableHTTP2                        bool    `yaml:"enable_http2" env:"ENABLE_HTTP2"`
	InterceptAnthropicWarmupRequests   bool    `yaml:"intercept_anthropic_warmup_requests" env:"INTERCEPT_ANTHROPIC_WARMUP_REQUESTS"`
	EnableCodexSessionIDCompletion     bool    `yaml:"enable_codex_session_id_completion" env:"ENABLE_CODEX_SESSION_ID_COMPLETION"`
	QuotaLeasePercent                  float64 `yaml:"quota_lease_percent" env:"QUOTA_LEASE_PERCENT"`
	QuotaLeaseCapUsd                   float64 `yaml:"quota_lease_cap_usd" env:"QUOTA_LEASE_CAP_USD"`
	QuotaDBRefreshIntervalSeconds      int     `yaml:"quota_db_refresh_interval_seconds" env:"QUOTA_DB_REFRESH_INTERVAL_SECONDS"`
}

// LogConfig controls the zap logger construction, mirroring the teacher's
// LogConfig shape.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig must keep exactly these field names: internal/telemetry
// reads Enabled/OTLPEndpoint/ServiceName/SampleRate off the value it's
// handed, unchanged from the teacher's own TelemetryConfig.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Config is the gateway's full runtime configuration.
type Config struct {
	Server ServerConfig `yaml:"server" env:"SERVER"`

	DSN string `yaml:"dsn" env:"DSN"`

	Redis   RedisConfig   `yaml:"redis" env:"REDIS"`
	Session SessionConfig `yaml:"session" env:"SESSION"`

	MessageRequestWrite MessageRequestWriteConfig `yaml:"message_request_write" env:"MESSAGE_REQUEST_WRITE"`

	EnableEndpointCircuitBreaker bool `yaml:"enable_endpoint_circuit_breaker" env:"ENABLE_ENDPOINT_CIRCUIT_BREAKER"`

	SystemSettings SystemSettings `yaml:"system_settings" env:"SYSTEM_SETTINGS"`

	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// DefaultConfig returns the gateway's baked-in defaults, overridden by a
// YAML file and then environment variables in Load.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			Prefix:       "cch",
			PoolSize:     20,
			MinIdleConns: 5,
		},
		Session: SessionConfig{TTL: 300 * time.Second},
		MessageRequestWrite: MessageRequestWriteConfig{
			Mode:                 WriteModeAsync,
			AsyncFlushIntervalMs: 2000,
			AsyncBatchSize:       200,
			AsyncMaxPending:      10000,
		},
		EnableEndpointCircuitBreaker: true,
		SystemSettings: SystemSettings{
			BillingModelSource:            "original",
			AllowGlobalUsageView:          false,
			EnableAutoCleanup:             true,
			VerboseProviderError:          false,
			EnableHTTP2:                   true,
			InterceptAnthropicWarmupRequests: true,
			EnableCodexSessionIDCompletion: true,
			QuotaLeasePercent:             0.05,
			QuotaLeaseCapUsd:              5.0,
			QuotaDBRefreshIntervalSeconds: 60,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "cch-gateway",
			SampleRate:  0.1,
		},
	}
}

// Loader loads Config the way the teacher's own Loader does: defaults →
// YAML file → environment variables via struct "env" tags and reflection.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CCH",
		validators: make([]func(*Config) error, 0),
	}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds a Config: defaults, then an optional YAML file, then
// environment variables, then every registered validator in order.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// DSN and REDIS_URL are not namespaced under a struct prefix per spec
	// §6, so they are also accepted bare, overriding any file/default value.
	if v := os.Getenv("DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		cfg.Redis.Prefix = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Session.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("MESSAGE_REQUEST_WRITE_MODE"); v != "" {
		cfg.MessageRequestWrite.Mode = WriteMode(v)
	}
	if v := os.Getenv("MESSAGE_REQUEST_ASYNC_FLUSH_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRequestWrite.AsyncFlushIntervalMs = n
		}
	}
	if v := os.Getenv("MESSAGE_REQUEST_ASYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRequestWrite.AsyncBatchSize = n
		}
	}
	if v := os.Getenv("MESSAGE_REQUEST_ASYNC_MAX_PENDING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRequestWrite.AsyncMaxPending = n
		}
	}
	if v := os.Getenv("ENABLE_ENDPOINT_CIRCUIT_BREAKER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableEndpointCircuitBreaker = b
		}
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks cfg's fields recursively, overriding any whose
// "env" tag names a set environment variable under the accumulated prefix.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads Config from an optional YAML path and environment,
// panicking on failure; used by cmd/cch-gateway at process boot.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the invariants the gateway cannot start without.
func (c *Config) Validate() error {
	var errs []string
	if c.DSN == "" {
		errs = append(errs, "DSN is required")
	}
	if c.Redis.URL == "" {
		errs = append(errs, "REDIS_URL is required")
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server addr is required")
	}
	if c.MessageRequestWrite.Mode != WriteModeSync && c.MessageRequestWrite.Mode != WriteModeAsync {
		errs = append(errs, "message_request_write.mode must be sync or async")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
