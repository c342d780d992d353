package offgrid

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; wrap slow sinks with
// hooks/async.
type Hooks interface {
	// A stored entry was dropped on read.
	// reason ∈ {"corrupt", "gen_mismatch", "decode"}
	SelfHeal(partition, url, reason string)

	// Writing a response into a partition failed; the response was still
	// delivered.
	CacheWriteFailed(partition, url string, err error)

	// A stale-while-revalidate background refresh did not update the entry.
	RefreshFailed(partition, url string, err error)

	// A non-critical precache entry could not be fetched and was skipped.
	PrecacheSkipped(url string, err error)

	// A partition was deleted at activation because its name is no longer current.
	PartitionDeleted(name string)

	// A request was answered by a fallback. kind ∈ {"shell", "image", "offline"}
	Fallback(url, kind string)

	// A worker moved between lifecycle states.
	StateChanged(version string, from, to State)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string, string)        {}
func (NopHooks) CacheWriteFailed(string, string, error) {}
func (NopHooks) RefreshFailed(string, string, error)    {}
func (NopHooks) PrecacheSkipped(string, error)          {}
func (NopHooks) PartitionDeleted(string)                {}
func (NopHooks) Fallback(string, string)                {}
func (NopHooks) StateChanged(string, State, State)      {}
