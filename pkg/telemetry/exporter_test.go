package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestPrometheusReaderServesMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = []string{"prometheus"}

	reader, server, err := createPrometheusReader(cfg)
	if err != nil {
		t.Fatalf("createPrometheusReader failed: %v", err)
	}
	if server.Addr != ":9464" {
		t.Errorf("unexpected listen address %s", server.Addr)
	}

	p := newProvider(cfg, []sdkmetric.Reader{reader}, nil)
	defer p.Shutdown(context.Background())

	p.RecordCounter(context.Background(), "eeprom.slot.writes", 3)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "eeprom_slot_writes") {
		t.Errorf("scrape output missing counter:\n%s", body)
	}
}

func TestCreateMetricReadersSkipsTraceOnlyExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporters = []string{"otlp"}

	readers, server, err := createMetricReaders(cfg)
	if err != nil {
		t.Fatalf("createMetricReaders failed: %v", err)
	}
	if len(readers) != 0 || server != nil {
		t.Errorf("otlp should not create metric readers, got %d readers", len(readers))
	}
}

func TestCreateTraceExportersSkipsMetricOnlyExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporters = []string{"prometheus", "stdout"}

	exporters, err := createTraceExporters(cfg)
	if err != nil {
		t.Fatalf("createTraceExporters failed: %v", err)
	}
	if len(exporters) != 1 {
		t.Errorf("expected only the stdout span exporter, got %d", len(exporters))
	}
	for _, e := range exporters {
		e.Shutdown(context.Background())
	}
}
