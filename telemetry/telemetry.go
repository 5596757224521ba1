// Package telemetry defines the logging and metrics contracts used across
// maestro components. Components accept these interfaces rather than concrete
// clients so hosts can plug their observability stack; Clue-backed and no-op
// implementations ship with the package.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log entries with alternating key/value pairs.
	// Implementations must be safe for concurrent use.
	Logger interface {
		// Debug emits a debug-level message.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level message.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level message.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level message.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key/value strings. Implementations must be safe for concurrent use.
	Metrics interface {
		// IncCounter increments a counter metric by value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a point-in-time gauge value.
		RecordGauge(name string, value float64, tags ...string)
	}
)
