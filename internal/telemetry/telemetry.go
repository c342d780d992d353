// Package telemetry periodically reports how much a set of monotonically
// growing counters moved during the last interval.
package telemetry

import (
	"context"
	"sort"
	"time"
)

// Sample is a snapshot of named counters.
type Sample map[string]int64

// Logs drives the reporting loop.
type Logs struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	sample   func() Sample
	emit     func(delta Sample, interval time.Duration)
	done     chan struct{}
}

// New starts a loop that calls emit with Delta(prev, cur) every interval.
// Intervals in which nothing moved are not emitted. A non-positive interval
// disables the loop.
func New(ctx context.Context, interval time.Duration, sample func() Sample, emit func(Sample, time.Duration)) *Logs {
	ctx, cancel := context.WithCancel(ctx)
	return (&Logs{
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
		sample:   sample,
		emit:     emit,
		done:     make(chan struct{}),
	}).run()
}

func (l *Logs) Interval() time.Duration {
	return l.interval
}

// Close stops the loop and waits for it to exit.
func (l *Logs) Close() error {
	l.cancel()
	<-l.done
	return nil
}

func (l *Logs) run() *Logs {
	if l.interval > 0 {
		go l.loop()
	} else {
		close(l.done)
	}
	return l
}

func (l *Logs) loop() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	prev := l.sample()
	for {
		select {
		case <-l.ctx.Done():
			return

		case <-ticker.C:
			cur := l.sample()
			d := Delta(prev, cur)
			prev = cur
			if !d.Zero() {
				l.emit(d, l.interval)
			}
		}
	}
}

// Delta returns cur - prev per key of cur.
func Delta(prev, cur Sample) Sample {
	out := make(Sample, len(cur))
	for k, v := range cur {
		out[k] = v - prev[k]
	}
	return out
}

// Zero reports whether every counter is 0.
func (s Sample) Zero() bool {
	for _, v := range s {
		if v != 0 {
			return false
		}
	}
	return true
}

// Keys returns the counter names in lexical order.
func (s Sample) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
