package offgrid

import (
	"context"
	"io"
	"time"

	"github.com/unkn0wn-root/offgrid/internal/telemetry"
)

// StartTelemetry logs, at Info level, how much each engine counter moved
// during every interval. Idle intervals are not logged. Close the returned
// value to stop.
func (e *Engine) StartTelemetry(ctx context.Context, interval time.Duration) io.Closer {
	return telemetry.New(ctx, interval, e.sample, func(d telemetry.Sample, every time.Duration) {
		f := Fields{"interval": every.String()}
		for _, k := range d.Keys() {
			f[k] = d[k]
		}
		e.log.Info("engine", f)
	})
}

func (e *Engine) sample() telemetry.Sample {
	s := e.stats.snapshot()
	return telemetry.Sample{
		"requests":       s.Requests,
		"hits":           s.Hits,
		"misses":         s.Misses,
		"fetches":        s.Fetches,
		"fetch_failures": s.FetchFailures,
		"refreshes":      s.Refreshes,
		"fallbacks":      s.Fallbacks,
		"write_failures": s.WriteFailures,
	}
}
