package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/KevoDB/wearlevel/pkg/common/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestShutdownReaders(t *testing.T) {
	readers := []sdkmetric.Reader{sdkmetric.NewManualReader(), sdkmetric.NewManualReader()}

	if err := shutdownReaders(context.Background(), readers); err != nil {
		t.Fatalf("shutdownReaders failed: %v", err)
	}
	for i, r := range readers {
		if err := r.Shutdown(context.Background()); !errors.Is(err, sdkmetric.ErrReaderShutdown) {
			t.Errorf("reader %d was not shut down: %v", i, err)
		}
	}

	// a second pass reports every reader that was already closed
	if err := shutdownReaders(context.Background(), readers); !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		t.Errorf("expected ErrReaderShutdown, got %v", err)
	}
}

func TestServeLogsUnexpectedErrors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*http.Server, net.Listener)
		wantLog bool
	}{
		{
			name:    "listener closed underneath",
			prepare: func(_ *http.Server, l net.Listener) { l.Close() },
			wantLog: true,
		},
		{
			name:    "server shut down",
			prepare: func(s *http.Server, _ net.Listener) { s.Shutdown(context.Background()) },
			wantLog: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("failed to listen: %v", err)
			}
			defer l.Close()

			var buf bytes.Buffer
			logger := log.NewStandardLogger(log.WithOutput(&buf), log.WithLevel(log.LevelDebug))
			server := &http.Server{Handler: http.NotFoundHandler()}

			tc.prepare(server, l)
			serve(server, l, logger)

			if got := strings.Contains(buf.String(), "Metrics endpoint"); got != tc.wantLog {
				t.Errorf("logged %v, want %v: %q", got, tc.wantLog, buf.String())
			}
		})
	}
}
