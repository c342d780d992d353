// Package asynchook runs offgrid hooks on a bounded queue so slow sinks never
// hold up a request.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{FallbackEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	w, _ := offgrid.New(offgrid.Options{
//	    Registry: reg,
//	    Storage:  st,
//	    Origin:   origin,
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/offgrid"
)

type Hooks struct {
	inner   offgrid.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on q
	closed  bool
	dropped atomic.Uint64
}

var _ offgrid.Hooks = (*Hooks)(nil)

func New(inner offgrid.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers queued events and stops the workers. Events after Close
// are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(p, u, r string)      { h.try(func() { h.inner.SelfHeal(p, u, r) }) }
func (h *Hooks) PartitionDeleted(name string) { h.try(func() { h.inner.PartitionDeleted(name) }) }
func (h *Hooks) Fallback(u, kind string)      { h.try(func() { h.inner.Fallback(u, kind) }) }
func (h *Hooks) PrecacheSkipped(u string, err error) {
	h.try(func() { h.inner.PrecacheSkipped(u, err) })
}
func (h *Hooks) CacheWriteFailed(p, u string, err error) {
	h.try(func() { h.inner.CacheWriteFailed(p, u, err) })
}
func (h *Hooks) RefreshFailed(p, u string, err error) {
	h.try(func() { h.inner.RefreshFailed(p, u, err) })
}
func (h *Hooks) StateChanged(v string, from, to offgrid.State) {
	h.try(func() { h.inner.StateChanged(v, from, to) })
}
