package offgrid

import "sync/atomic"

type counters struct {
	requests      atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	fetches       atomic.Int64
	fetchFailures atomic.Int64
	refreshes     atomic.Int64
	fallbacks     atomic.Int64
	writeFailures atomic.Int64
}

// Stats is a point-in-time copy of engine counters. Values only grow.
type Stats struct {
	Requests      int64
	Hits          int64
	Misses        int64
	Fetches       int64
	FetchFailures int64
	Refreshes     int64
	Fallbacks     int64
	WriteFailures int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Requests:      c.requests.Load(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fetches:       c.fetches.Load(),
		FetchFailures: c.fetchFailures.Load(),
		Refreshes:     c.refreshes.Load(),
		Fallbacks:     c.fallbacks.Load(),
		WriteFailures: c.writeFailures.Load(),
	}
}
