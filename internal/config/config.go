package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Cache         CacheConfig         `yaml:"cache"`
	Stream        StreamConfig        `yaml:"stream"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig points at the trace recording service.
type UpstreamConfig struct {
	BaseURL       string `yaml:"base_url"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryDelayMS  int    `yaml:"retry_delay_ms"`
}

func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c UpstreamConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

type CacheConfig struct {
	Driver     string            `yaml:"driver"`
	Path       string            `yaml:"path"`
	DSN        string            `yaml:"dsn"`
	MemorySize datasize.ByteSize `yaml:"memory_size"`
	// WriterQueue bounds the live-run snapshots waiting to be persisted.
	WriterQueue int `yaml:"writer_queue"`
}

type StreamConfig struct {
	// MaxFrameSize caps one buffered event frame. Zero means unlimited.
	MaxFrameSize datasize.ByteSize `yaml:"max_frame_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps the configured level name onto slog.
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Level)
	}
	return level, nil
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	CacheDriverMemory   = "memory"
	CacheDriverSQLite   = "sqlite"
	CacheDriverPostgres = "postgres"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "traceview"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Upstream: UpstreamConfig{
			BaseURL:       "http://localhost:8000",
			TimeoutMS:     15000,
			RetryAttempts: 3,
			RetryDelayMS:  250,
		},
		Cache: CacheConfig{
			Driver:      CacheDriverMemory,
			Path:        "./data/traceview.db",
			MemorySize:  64 * datasize.MB,
			WriterQueue: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: LogFormatJSON,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// One document per file; a trailing document would be silently ignored.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if err := validateUpstream(cfg.Upstream); err != nil {
		return err
	}

	switch strings.TrimSpace(cfg.Cache.Driver) {
	case CacheDriverMemory:
		if cfg.Cache.MemorySize > 0 && cfg.Cache.MemorySize < datasize.MB {
			return fmt.Errorf("cache.memory_size must be at least 1MB (got %s)", cfg.Cache.MemorySize.HR())
		}
	case CacheDriverSQLite:
		if strings.TrimSpace(cfg.Cache.Path) == "" {
			return errors.New("cache.path is required when cache.driver=sqlite")
		}
	case CacheDriverPostgres:
		if strings.TrimSpace(cfg.Cache.DSN) == "" {
			return errors.New("cache.dsn is required when cache.driver=postgres")
		}
	default:
		return fmt.Errorf("cache.driver must be one of memory, sqlite, postgres (got %q)", cfg.Cache.Driver)
	}
	if cfg.Cache.WriterQueue <= 0 {
		return fmt.Errorf("cache.writer_queue must be > 0 (got %d)", cfg.Cache.WriterQueue)
	}

	if _, err := cfg.Logging.SlogLevel(); err != nil {
		return err
	}
	switch strings.TrimSpace(cfg.Logging.Format) {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("logging.format must be one of json, text (got %q)", cfg.Logging.Format)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateUpstream(cfg UpstreamConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("parse upstream.base_url: %w", err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("upstream.base_url must include scheme and host (got %q)", cfg.BaseURL)
	}
	if cfg.TimeoutMS <= 0 {
		return fmt.Errorf("upstream.timeout_ms must be > 0 (got %d)", cfg.TimeoutMS)
	}
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("upstream.retry_attempts must be >= 1 (got %d)", cfg.RetryAttempts)
	}
	if cfg.RetryDelayMS < 0 {
		return fmt.Errorf("upstream.retry_delay_ms must be >= 0 (got %d)", cfg.RetryDelayMS)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("TRACEVIEW_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("TRACEVIEW_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid TRACEVIEW_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if baseURL := os.Getenv("TRACEVIEW_UPSTREAM_URL"); baseURL != "" {
		cfg.Upstream.BaseURL = baseURL
	}
	if timeout := os.Getenv("TRACEVIEW_UPSTREAM_TIMEOUT_MS"); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid TRACEVIEW_UPSTREAM_TIMEOUT_MS: %w", err)
		}
		cfg.Upstream.TimeoutMS = v
	}
	if attempts := os.Getenv("TRACEVIEW_UPSTREAM_RETRY_ATTEMPTS"); attempts != "" {
		v, err := strconv.Atoi(attempts)
		if err != nil {
			return fmt.Errorf("invalid TRACEVIEW_UPSTREAM_RETRY_ATTEMPTS: %w", err)
		}
		cfg.Upstream.RetryAttempts = v
	}

	if driver := os.Getenv("TRACEVIEW_CACHE_DRIVER"); driver != "" {
		cfg.Cache.Driver = driver
	}
	if path := os.Getenv("TRACEVIEW_CACHE_PATH"); path != "" {
		cfg.Cache.Path = path
	}
	if dsn := os.Getenv("TRACEVIEW_CACHE_DSN"); dsn != "" {
		cfg.Cache.DSN = dsn
	}
	if size := os.Getenv("TRACEVIEW_CACHE_MEMORY_SIZE"); size != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(size)); err != nil {
			return fmt.Errorf("invalid TRACEVIEW_CACHE_MEMORY_SIZE: %w", err)
		}
		cfg.Cache.MemorySize = v
	}
	if size := os.Getenv("TRACEVIEW_MAX_FRAME_SIZE"); size != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(size)); err != nil {
			return fmt.Errorf("invalid TRACEVIEW_MAX_FRAME_SIZE: %w", err)
		}
		cfg.Stream.MaxFrameSize = v
	}

	if level := os.Getenv("TRACEVIEW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("TRACEVIEW_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
