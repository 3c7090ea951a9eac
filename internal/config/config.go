// Package config loads and validates invoketrace configuration from YAML
// files and environment variables. Environment values win over file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Model         ModelConfig         `yaml:"model"`
	Storage       StorageConfig       `yaml:"storage"`
	Repro         ReproConfig         `yaml:"repro"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ModelConfig describes the model upstream used for invocations.
type ModelConfig struct {
	Upstream  string `yaml:"upstream"`
	APIKey    string `yaml:"api_key"`
	Name      string `yaml:"name"`
	MaxTokens int    `yaml:"max_tokens"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// StorageConfig selects the record store backend. Driver "none" keeps
// records in memory only.
type StorageConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	QueueSize int    `yaml:"queue_size"`
}

// ReproConfig controls the concurrent invocation run.
type ReproConfig struct {
	Binder          string `yaml:"binder"`
	DelayMS         int    `yaml:"delay_ms"`
	DelayedFunction string `yaml:"delayed_function"`
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

// Binder mode names accepted by repro.binder.
const (
	BinderContext    = "context"
	BinderSharedSlot = "shared-slot"
)

// Storage driver names accepted by storage.driver.
const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverNone     = "none"
)

const (
	defaultModelUpstream  = "https://api.openai.com/v1"
	defaultModelName      = "gpt-4o-mini"
	defaultModelMaxTokens = 64
	defaultModelTimeoutMS = 30000

	defaultStorageQueueSize = 256

	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "invoketrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Model: ModelConfig{
			Upstream:  defaultModelUpstream,
			Name:      defaultModelName,
			MaxTokens: defaultModelMaxTokens,
			TimeoutMS: defaultModelTimeoutMS,
		},
		Storage: StorageConfig{
			Driver:    StorageDriverSQLite,
			Path:      "./data/invoketrace.db",
			QueueSize: defaultStorageQueueSize,
		},
		Repro: ReproConfig{
			Binder: BinderContext,
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

// Load reads the optional YAML config at path, then applies environment
// overrides. A missing file is not an error; defaults still apply.
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
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
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

func Validate(cfg Config) error {
	if err := validateModelConfig(cfg.Model); err != nil {
		return err
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case StorageDriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case StorageDriverNone:
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, none (got %q)", cfg.Storage.Driver)
	}
	if cfg.Storage.QueueSize <= 0 {
		return fmt.Errorf("storage.queue_size must be > 0 (got %d)", cfg.Storage.QueueSize)
	}

	switch strings.TrimSpace(cfg.Repro.Binder) {
	case BinderContext, BinderSharedSlot:
	default:
		return fmt.Errorf("repro.binder must be one of context, shared-slot (got %q)", cfg.Repro.Binder)
	}
	if cfg.Repro.DelayMS < 0 {
		return fmt.Errorf("repro.delay_ms must be >= 0 (got %d)", cfg.Repro.DelayMS)
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateModelConfig(cfg ModelConfig) error {
	upstream := strings.TrimSpace(cfg.Upstream)
	if upstream == "" {
		return errors.New("model.upstream must not be empty")
	}
	parsed, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("model.upstream must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("model.upstream scheme must be http or https (got %q)", parsed.Scheme)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("model.upstream must include host (got %q)", cfg.Upstream)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New("model.name must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("model.max_tokens must be > 0 (got %d)", cfg.MaxTokens)
	}
	if cfg.TimeoutMS <= 0 {
		return fmt.Errorf("model.timeout_ms must be > 0 (got %d)", cfg.TimeoutMS)
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
	if upstream := os.Getenv("INVOKETRACE_MODEL_UPSTREAM"); upstream != "" {
		cfg.Model.Upstream = upstream
	}
	if upstream := os.Getenv("OPENAI_BASE_URL"); upstream != "" {
		cfg.Model.Upstream = upstream
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.Model.APIKey = apiKey
	}
	if model := os.Getenv("INVOKETRACE_MODEL"); model != "" {
		cfg.Model.Name = model
	}
	if maxTokens := os.Getenv("INVOKETRACE_MODEL_MAX_TOKENS"); maxTokens != "" {
		v, err := strconv.Atoi(maxTokens)
		if err != nil {
			return fmt.Errorf("invalid INVOKETRACE_MODEL_MAX_TOKENS: %w", err)
		}
		cfg.Model.MaxTokens = v
	}
	if timeoutMS := os.Getenv("INVOKETRACE_MODEL_TIMEOUT_MS"); timeoutMS != "" {
		v, err := strconv.Atoi(timeoutMS)
		if err != nil {
			return fmt.Errorf("invalid INVOKETRACE_MODEL_TIMEOUT_MS: %w", err)
		}
		cfg.Model.TimeoutMS = v
	}

	if storageDriver := os.Getenv("INVOKETRACE_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("INVOKETRACE_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("INVOKETRACE_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}
	if queueSize := os.Getenv("INVOKETRACE_STORAGE_QUEUE_SIZE"); queueSize != "" {
		v, err := strconv.Atoi(queueSize)
		if err != nil {
			return fmt.Errorf("invalid INVOKETRACE_STORAGE_QUEUE_SIZE: %w", err)
		}
		cfg.Storage.QueueSize = v
	}

	if binder := os.Getenv("INVOKETRACE_BINDER"); binder != "" {
		cfg.Repro.Binder = binder
	}
	if delayMS := os.Getenv("INVOKETRACE_DELAY_MS"); delayMS != "" {
		v, err := strconv.Atoi(delayMS)
		if err != nil {
			return fmt.Errorf("invalid INVOKETRACE_DELAY_MS: %w", err)
		}
		cfg.Repro.DelayMS = v
	}
	if delayedFunction := os.Getenv("INVOKETRACE_DELAYED_FUNCTION"); delayedFunction != "" {
		cfg.Repro.DelayedFunction = delayedFunction
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
