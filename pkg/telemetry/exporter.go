// ABOUTME: OpenTelemetry exporter factory for metric readers and span exporters (Prometheus, OTLP, stdout)
// ABOUTME: The Prometheus reader gets its own registry and a /metrics HTTP endpoint

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// createMetricReaders creates metric readers based on configuration. The returned
// server, if any, serves the Prometheus registry and is not yet started.
func createMetricReaders(cfg Config) ([]sdkmetric.Reader, *http.Server, error) {
	var readers []sdkmetric.Reader
	var server *http.Server

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "prometheus":
			reader, srv, err := createPrometheusReader(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, reader)
			server = srv

		case "stdout":
			exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(cfg.MetricInterval),
				sdkmetric.WithTimeout(cfg.ExportTimeout),
			))

		default:
			// otlp carries traces only in this setup
			continue
		}
	}

	return readers, server, nil
}

// createTraceExporters creates span exporters based on configuration.
func createTraceExporters(cfg Config) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "otlp":
			exporter, err := otlptracegrpc.New(
				context.Background(),
				otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithTimeout(cfg.ExportTimeout),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case "stdout":
			exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			// prometheus doesn't carry traces
			continue
		}
	}

	return exporters, nil
}

// createPrometheusReader registers an OpenTelemetry Prometheus reader on a
// private registry, so several providers can coexist in one process.
func createPrometheusReader(cfg Config) (sdkmetric.Reader, *http.Server, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.PrometheusPort),
		Handler: mux,
	}
	return exporter, server, nil
}
