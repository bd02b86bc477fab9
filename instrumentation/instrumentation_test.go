package instrumentation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "enabled without exporter",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "prometheus exporter",
			config: Config{
				Enabled:         true,
				MetricsExporter: ExporterPrometheus,
				Registerer:      prometheus.NewRegistry(),
			},
		},
		{
			name: "unknown exporter",
			config: Config{
				Enabled:         true,
				MetricsExporter: "statsd",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil || inst.MeterProvider() == nil {
				t.Error("providers must not be nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.config.MetricsExporter != ExporterNone {
		t.Errorf("MetricsExporter = %q, want %q", inst.config.MetricsExporter, ExporterNone)
	}
	if inst.MetricsHandler() != nil {
		t.Error("MetricsHandler() must be nil without the prometheus exporter")
	}
}

func TestNewDisabled_RecordsWithoutPanic(t *testing.T) {
	inst := NewDisabled()
	ctx := context.Background()

	m := inst.Metrics()
	m.RecordAuthorizationRequest(ctx, "code", "redirect")
	m.RecordTokenIssued(ctx, "authorization_code", "DPoP")
	m.RecordTokenFailure(ctx, "refresh_token", "invalid_grant")
	m.RecordFamilyRevoked(ctx, "code_reuse")
	m.RecordProofReplayDetected(ctx)
	m.RecordProofRejected(ctx, "htm")
	m.RecordStorageOperation(ctx, "memory", "authorization_code", "consume", "success", 0.3)
	m.RecordReplayPruned(ctx, 4)

	_, span := inst.Tracer("server").Start(ctx, "noop")
	span.End()
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	registry := prometheus.NewRegistry()
	inst, err := New(Config{
		Enabled:         true,
		MetricsExporter: ExporterPrometheus,
		Registerer:      registry,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordTokenIssued(ctx, "client_credentials", "Bearer")
	inst.Metrics().RecordCodeReuseDetected(ctx)

	entities := int64(3)
	err = inst.RegisterStorageSizeCallbacks(map[string]StorageSizeCallback{
		"client": func() int64 { return entities },
	})
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	handler := inst.MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() returned nil")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"oauth_tokens_issued", "oauth_code_reuse_detected", "storage_entities"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output does not contain %q", want)
		}
	}
	if !strings.Contains(string(body), `grant_type="client_credentials"`) {
		t.Error("metrics output does not carry the grant_type label")
	}
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{
		Enabled:     true,
		ServiceName: "concurrent-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				inst.Metrics().RecordTokenIssued(ctx, fmt.Sprintf("grant-%d", id), "Bearer")
				_, span := inst.Tracer("server").Start(ctx, "concurrent-span")
				span.End()
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkMetrics_RecordHTTPRequest(b *testing.B) {
	inst, _ := New(Config{Enabled: true})
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	metrics := inst.Metrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordHTTPRequest(ctx, "POST", "/token", 200, 12.5)
	}
}
