package lsmkv

import (
	"go.uber.org/zap"

	"lsmkv/clock"
	"lsmkv/metrics"
)

// DefaultFlushThreshold is the production-sized MemTable byte threshold
// that triggers a flush (spec §4.1: "production ≈ 16 KiB"). Tests that
// want to exercise the flush path pick a far smaller value.
const DefaultFlushThreshold = 16 * 1024

// Options configures a DB instance. Create and Open fill every unset
// (zero) field with the value DefaultOptions uses, so the zero value is
// usable; DefaultOptions returns those values explicitly.
type Options struct {
	// FlushThreshold is the MemTable byte size (spec §4.1's
	// FLUSH_THRESHOLD) that triggers a flush-and-roll.
	FlushThreshold int

	// MaxDBFCount triggers an optional compaction merge once the tracked
	// DBF count exceeds it. 0 disables compaction (spec §9: a design
	// hook, not required).
	MaxDBFCount int

	// Clock supplies monotonic-enough microsecond timestamps. Defaults
	// to clock.NewSystem().
	Clock clock.Clock

	// Logger receives structured diagnostics. Defaults to a no-op
	// logger so the store stays silent unless the host opts in.
	Logger *zap.Logger

	// Metrics receives Prometheus instrumentation. Defaults to an
	// unexposed registry.
	Metrics *metrics.Registry
}

// DefaultOptions returns an Options with production defaults: a 16KiB
// flush threshold, compaction disabled, a system clock, and silent
// logging/metrics.
func DefaultOptions() Options {
	return Options{
		FlushThreshold: DefaultFlushThreshold,
		MaxDBFCount:    0,
		Clock:          clock.NewSystem(),
		Logger:         zap.NewNop(),
		Metrics:        metrics.NoOp(),
	}
}

func (o *Options) fillDefaults() {
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = DefaultFlushThreshold
	}
	if o.Clock == nil {
		o.Clock = clock.NewSystem()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NoOp()
	}
}
