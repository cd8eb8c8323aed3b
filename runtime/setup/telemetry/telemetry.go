// Package telemetry provides the logging, metrics and tracing seams used by the
// setup pipeline. Processes wire the Clue/OpenTelemetry implementations;
// tests and libraries default to the no-op ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log lines with alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags alternate key and value.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the orchestrator.
const (
	MetricStageCompleted   = "agentsetup.stage.completed"
	MetricStageFailed      = "agentsetup.stage.failed"
	MetricStagePaused      = "agentsetup.stage.paused"
	MetricStageRateLimited = "agentsetup.stage.rate_limited"
	MetricStageDuration    = "agentsetup.stage.duration"
)
