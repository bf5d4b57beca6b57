// Package telemetry sets up OpenTelemetry trace and metric export for loopforged.
//
// Instrumented packages create their tracers and instruments from the otel
// globals at init. New replaces the globals with OTLP-exporting providers,
// so it should run before any work starts:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"        # or "http/protobuf"
//	  sample_rate: 0.25
//	  service_name: "loopforged"
//
// Prometheus scraping of /metrics is independent of this package.
package telemetry
