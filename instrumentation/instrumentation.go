package instrumentation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Defaults applied by New
const (
	DefaultServiceName    = "pod-oauth"
	DefaultServiceVersion = "unknown"
)

const scopePrefix = "github.com/giantswarm/pod-oauth/"

// Metric exporters
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
)

// Config selects what New sets up.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled turns on the SDK providers. Disabled instrumentation records
	// nothing.
	Enabled bool

	// MetricsExporter is ExporterPrometheus or ExporterNone.
	MetricsExporter string

	// Registerer receives the Prometheus collector.
	// Default: prometheus.DefaultRegisterer
	Registerer prometheus.Registerer

	// Resource replaces the resource built from the service name and
	// version.
	Resource *resource.Resource
}

// Instrumentation owns the meter and tracer providers of one process.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	gatherer       prometheus.Gatherer
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New builds the providers described by config. When config.Enabled is
// false every instrument is a no-op.
func New(config Config) (*Instrumentation, error) {
	config.ServiceName = cmp.Or(config.ServiceName, DefaultServiceName)
	config.ServiceVersion = cmp.Or(config.ServiceVersion, DefaultServiceVersion)
	config.MetricsExporter = cmp.Or(config.MetricsExporter, ExporterNone)

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(context.Background(), resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("building resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	if config.Enabled {
		if err := inst.setupMetrics(); err != nil {
			return nil, err
		}
		// Spans are kept in process for context propagation; no exporter
		// is configured.
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		inst.tracerProvider = tp
		inst.shutdownFuncs = append(inst.shutdownFuncs, tp.Shutdown)
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}
	inst.metrics = metrics
	return inst, nil
}

// NewDisabled returns instrumentation backed by no-op providers.
func NewDisabled() *Instrumentation {
	inst, err := New(Config{})
	if err != nil {
		// no-op providers cannot fail to create instruments
		panic(err)
	}
	return inst
}

func (i *Instrumentation) setupMetrics() error {
	switch i.config.MetricsExporter {
	case ExporterNone:
		return nil
	case ExporterPrometheus:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	registerer := i.config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	exporter, err := promexporter.New(promexporter.WithRegisterer(registerer))
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(i.resource))
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	i.gatherer = prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		i.gatherer = g
	}
	return nil
}

// Shutdown flushes and stops the providers. Only the first call has an
// effect.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var err error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
	})
	return err
}

// Meter returns the meter for scope, named below
// github.com/giantswarm/pod-oauth/.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// MetricsHandler serves the Prometheus exposition format. It returns nil
// when metrics are not exported to Prometheus.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.gatherer == nil {
		return nil
	}
	return promhttp.HandlerFor(i.gatherer, promhttp.HandlerOpts{})
}

// StorageSizeCallback reports how many entities of one kind are stored.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks reports the storage.entities gauge from
// sizes, keyed by entity kind, on every collection.
func (i *Instrumentation) RegisterStorageSizeCallbacks(sizes map[string]StorageSizeCallback) error {
	gauge := i.metrics.StorageEntities
	_, err := i.Meter("storage").RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for kind, size := range sizes {
			if size != nil {
				o.ObserveInt64(gauge, size(), metric.WithAttributes(kindAttribute(kind)))
			}
		}
		return nil
	}, gauge)
	return err
}
