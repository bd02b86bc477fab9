// Package instrumentation wires OpenTelemetry metrics and traces for the
// authorization server.
//
// Instrumentation is disabled by default and then backed by no-op
// providers. When enabled, metrics can be exported in the Prometheus
// exposition format:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "pod-oauth",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Meters and tracers are scoped per layer ("http", "server", "security",
// "storage") below github.com/giantswarm/pod-oauth/.
//
// Attributes only ever carry metadata such as client ids, grant types and
// token types. Token values, codes and proofs are never recorded.
package instrumentation
