// ABOUTME: Tests for telemetry configuration validation, environment variable loading, and default values
// ABOUTME: Ensures configuration behaves correctly with valid and invalid inputs

package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "wearlevel" {
		t.Errorf("Expected default service name 'wearlevel', got '%s'", cfg.ServiceName)
	}

	if cfg.Enabled {
		t.Error("Expected telemetry to be disabled by default")
	}

	if len(cfg.Exporters) != 1 || cfg.Exporters[0] != "stdout" {
		t.Errorf("Expected default exporters ['stdout'], got %v", cfg.Exporters)
	}

	if cfg.OTLPEndpoint != "localhost:4317" {
		t.Errorf("Expected default OTLP endpoint 'localhost:4317', got '%s'", cfg.OTLPEndpoint)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"empty service name", func(c *Config) { c.ServiceName = "" }, true},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }, true},
		{"negative sample rate", func(c *Config) { c.SampleRate = -0.1 }, true},
		{"sample rate too high", func(c *Config) { c.SampleRate = 1.1 }, true},
		{"prometheus without port", func(c *Config) {
			c.Exporters = []string{"prometheus"}
			c.PrometheusPort = 0
		}, true},
		{"port ignored without prometheus", func(c *Config) { c.PrometheusPort = 0 }, false},
		{"otlp without endpoint", func(c *Config) {
			c.Exporters = []string{"otlp"}
			c.OTLPEndpoint = ""
		}, true},
		{"invalid exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }, true},
		{"zero export timeout", func(c *Config) { c.ExportTimeout = 0 }, true},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }, true},
		{"zero metric interval", func(c *Config) { c.MetricInterval = 0 }, true},
		{"zero queue", func(c *Config) { c.MaxQueueSize = 0 }, true},
		{"batch larger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Setenv("WEARLEVEL_TELEMETRY_SERVICE_NAME", "stm32f411")
	t.Setenv("WEARLEVEL_TELEMETRY_SERVICE_VERSION", "1.2.3")
	t.Setenv("WEARLEVEL_TELEMETRY_ENABLED", "true")
	t.Setenv("WEARLEVEL_TELEMETRY_EXPORTERS", "prometheus, otlp")
	t.Setenv("WEARLEVEL_TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("WEARLEVEL_TELEMETRY_PROMETHEUS_PORT", "9500")
	t.Setenv("WEARLEVEL_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("WEARLEVEL_TELEMETRY_EXPORT_TIMEOUT", "10s")
	t.Setenv("WEARLEVEL_TELEMETRY_METRIC_INTERVAL", "15s")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.ServiceName != "stm32f411" || cfg.ServiceVersion != "1.2.3" {
		t.Errorf("service identity not loaded: %s %s", cfg.ServiceName, cfg.ServiceVersion)
	}
	if !cfg.Enabled {
		t.Error("expected enabled from env")
	}
	if len(cfg.Exporters) != 2 || cfg.Exporters[0] != "prometheus" || cfg.Exporters[1] != "otlp" {
		t.Errorf("exporters not trimmed: %q", cfg.Exporters)
	}
	if cfg.SampleRate != 0.25 || cfg.PrometheusPort != 9500 || cfg.OTLPEndpoint != "collector:4317" {
		t.Errorf("numeric overrides not loaded: %+v", cfg)
	}
	if cfg.ExportTimeout != 10*time.Second || cfg.MetricInterval != 15*time.Second {
		t.Errorf("durations not loaded: %s %s", cfg.ExportTimeout, cfg.MetricInterval)
	}
}

func TestConfigLoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("WEARLEVEL_TELEMETRY_ENABLED", "maybe")
	t.Setenv("WEARLEVEL_TELEMETRY_SAMPLE_RATE", "lots")
	t.Setenv("WEARLEVEL_TELEMETRY_EXPORT_TIMEOUT", "soon")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	def := DefaultConfig()
	if cfg.Enabled != def.Enabled || cfg.SampleRate != def.SampleRate || cfg.ExportTimeout != def.ExportTimeout {
		t.Errorf("unparseable values should keep defaults: %+v", cfg)
	}
}

func TestHasExporter(t *testing.T) {
	cfg := Config{Exporters: []string{"stdout", "otlp"}}
	if !cfg.HasExporter("otlp") || cfg.HasExporter("prometheus") {
		t.Errorf("HasExporter mismatch for %v", cfg.Exporters)
	}
}
