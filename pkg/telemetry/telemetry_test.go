package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, DevelopmentConfig().Validate())
	require.NoError(t, ProductionConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 2
	assert.Error(t, cfg.Validate())
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("dispatcher").WithTaskID("T1-20160101").WithEventType("E1").Info("routed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatcher", line["component"])
	assert.Equal(t, "T1-20160101", line["task_id"])
	assert.Equal(t, "E1", line["event_type"])
	assert.Equal(t, "routed", line["message"])
	assert.Equal(t, "info", line["level"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "info", Format: "json"})
	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordEventReceived("E1")
	m.RecordError("transient", "PERSISTENCE_FAILURE")
	assert.Nil(t, m.Registry())

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	disabled.RecordRouted("etl")
	assert.Nil(t, disabled.Registry())
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordEventReceived("E1")
	m.RecordRouted("ETL_SERVICE")
	m.RecordClosed("COMPLETED")
	m.RecordPersistFailure()
	m.RecordError("permanent", "NO_MATCHING_SPEC")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `taskorch_events_received_total{event_type="E1"} 1`)
	assert.Contains(t, body, `taskorch_tasks_routed_total{route="ETL_SERVICE"} 1`)
	assert.Contains(t, body, `taskorch_errors_by_code_total{code="NO_MATCHING_SPEC"} 1`)
	assert.Contains(t, body, "taskorch_persist_failures_total 1")
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	ic := StartOperation(context.Background(), "specs.reload")
	assert.Nil(t, ic.Span)
	assert.NotNil(t, ic.Logger)
	ic.End(nil)
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))

	ic := StartOperation(ctx, "dispatch")
	require.NotNil(t, ic.Span)
	ic.End(nil)

	require.NoError(t, tel.Shutdown(context.Background()))
}
