// Package telemetry provides the observability stack of the orchestrator:
// structured logging with zerolog, tracing with OpenTelemetry and metrics
// with Prometheus.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal().Err(err).Msg("telemetry")
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Components receive a zerolog.Logger tagged with their name:
//
//	logger := tel.Logger.Component("dispatcher")
//
// # Metrics
//
// Metrics live on a private registry. Every recorder is safe to call on a nil
// *Metrics or on one built from a disabled config, so components can take an
// optional metrics dependency without nil checks. The registry is served by
// the API server on /metrics and optionally on a dedicated listener.
//
// # Tracing
//
// Spans are exported to stdout, to an OTLP gRPC collector, or nowhere. The
// dispatcher opens one span per event and per close request.
//
//	ic := telemetry.StartOperation(ctx, "specs.reload")
//	defer ic.End(err)
package telemetry
