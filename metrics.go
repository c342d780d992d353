package offgrid

// EvictReason explains why an entry or partition was removed.
type EvictReason int

const (
	// EvictCapacity: removed to keep a partition within MaxEntries.
	EvictCapacity EvictReason = iota
	// EvictAge: older than the partition's MaxAge when read.
	EvictAge
	// EvictVersion: the whole partition was deleted at activation.
	EvictVersion
	// EvictCorrupt: unreadable frame or stale generation.
	EvictCorrupt
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictAge:
		return "age"
	case EvictVersion:
		return "version"
	default:
		return "corrupt"
	}
}

// Metrics exposes engine-level observability hooks.
// NopMetrics is used by default; metrics/prom exports Prometheus series.
type Metrics interface {
	Hit(partition string)
	Miss(partition string)
	Fetch(partition string, ok bool)
	Write(partition string, ok bool)
	Fallback(kind string)
	Evict(partition string, reason EvictReason)
}

// NopMetrics is a drop-in Metrics implementation that does nothing.
type NopMetrics struct{}

func (NopMetrics) Hit(string)                {}
func (NopMetrics) Miss(string)               {}
func (NopMetrics) Fetch(string, bool)        {}
func (NopMetrics) Write(string, bool)        {}
func (NopMetrics) Fallback(string)           {}
func (NopMetrics) Evict(string, EvictReason) {}

var _ Metrics = NopMetrics{}
