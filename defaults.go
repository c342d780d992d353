package offgrid

import "time"

const (
	defaultNetworkTimeout      = 3 * time.Second
	defaultRefreshTimeout      = 30 * time.Second
	defaultPrecacheConcurrency = 4
	defaultEventBuffer         = 16
	defaultMaxBodyBytes        = 32 << 20
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
