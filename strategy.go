package offgrid

import (
	"fmt"
	"strings"
)

// Strategy is how a rule answers a request.
type Strategy int

const (
	// CacheFirst answers from the partition when it can and only goes to the
	// network on a miss.
	CacheFirst Strategy = iota
	// NetworkFirst asks the network, bounded by the rule timeout, and falls
	// back to the partition.
	NetworkFirst
	// StaleWhileRevalidate answers from the partition and refreshes it in the
	// background; a miss is handled like NetworkFirst.
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts the names produced by String, plus "swr".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cache-first":
		return CacheFirst, nil
	case "network-first":
		return NetworkFirst, nil
	case "stale-while-revalidate", "swr":
		return StaleWhileRevalidate, nil
	}
	return 0, fmt.Errorf("offgrid: unknown strategy %q", s)
}

// UnmarshalText lets configuration files name strategies.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
