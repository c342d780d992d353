// Package prom exports offgrid.Metrics as Prometheus series.
package prom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/offgrid"
)

// Adapter implements offgrid.Metrics. Partition names are the label values,
// so the series change when the registry version is bumped.
type Adapter struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	fetches   *prometheus.CounterVec
	writes    *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	evicts    *prometheus.CounterVec
}

// New constructs the adapter and registers its collectors.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	a := &Adapter{
		hits:      vec("hits_total", "Partition lookups that found an entry", "partition"),
		misses:    vec("misses_total", "Partition lookups that found nothing", "partition"),
		fetches:   vec("fetches_total", "Network attempts by partition and outcome", "partition", "ok"),
		writes:    vec("writes_total", "Partition writes by outcome", "partition", "ok"),
		fallbacks: vec("fallbacks_total", "Requests answered by a fallback", "kind"),
		evicts:    vec("evictions_total", "Removed entries by partition and reason", "partition", "reason"),
	}
	reg.MustRegister(a.hits, a.misses, a.fetches, a.writes, a.fallbacks, a.evicts)
	return a
}

func (a *Adapter) Hit(partition string)  { a.hits.WithLabelValues(partition).Inc() }
func (a *Adapter) Miss(partition string) { a.misses.WithLabelValues(partition).Inc() }

func (a *Adapter) Fetch(partition string, ok bool) {
	a.fetches.WithLabelValues(partition, strconv.FormatBool(ok)).Inc()
}

func (a *Adapter) Write(partition string, ok bool) {
	a.writes.WithLabelValues(partition, strconv.FormatBool(ok)).Inc()
}

// Fallback counts answers by kind: "shell", "image" or "offline".
func (a *Adapter) Fallback(kind string) { a.fallbacks.WithLabelValues(kind).Inc() }

// Evict counts removals with a stable reason label.
func (a *Adapter) Evict(partition string, r offgrid.EvictReason) {
	a.evicts.WithLabelValues(partition, r.String()).Inc()
}

// Compile-time check: ensure Adapter implements offgrid.Metrics.
var _ offgrid.Metrics = (*Adapter)(nil)
