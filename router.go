package offgrid

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MatchKind selects what a Predicate inspects.
type MatchKind int

const (
	// MatchAny always matches.
	MatchAny MatchKind = iota
	// MatchNavigation matches page loads (see IsNavigation).
	MatchNavigation
	// MatchPathPrefix matches when the URL path starts with one of Values.
	MatchPathPrefix
	// MatchURLContains matches when the absolute URL contains one of Values.
	MatchURLContains
	// MatchDestination matches when DestinationOf is one of Values.
	MatchDestination
	// MatchPath matches when the URL path equals one of Values.
	MatchPath
)

func (k MatchKind) String() string {
	switch k {
	case MatchAny:
		return "any"
	case MatchNavigation:
		return "navigation"
	case MatchPathPrefix:
		return "path-prefix"
	case MatchURLContains:
		return "url-contains"
	case MatchDestination:
		return "destination"
	case MatchPath:
		return "path"
	default:
		return fmt.Sprintf("match(%d)", int(k))
	}
}

// Predicate is a declarative test over a request. It depends only on the
// request method, URL and fetch metadata headers.
type Predicate struct {
	Kind   MatchKind
	Values []string
}

func (p Predicate) Match(req *http.Request) bool {
	switch p.Kind {
	case MatchAny:
		return true
	case MatchNavigation:
		return IsNavigation(req)
	case MatchPathPrefix:
		for _, v := range p.Values {
			if strings.HasPrefix(req.URL.Path, v) {
				return true
			}
		}
	case MatchURLContains:
		s := req.URL.String()
		for _, v := range p.Values {
			if v != "" && strings.Contains(s, v) {
				return true
			}
		}
	case MatchDestination:
		d := string(DestinationOf(req))
		for _, v := range p.Values {
			if d == v {
				return true
			}
		}
	case MatchPath:
		for _, v := range p.Values {
			if req.URL.Path == v {
				return true
			}
		}
	}
	return false
}

func (p Predicate) String() string {
	if len(p.Values) == 0 {
		return p.Kind.String()
	}
	return p.Kind.String() + "(" + strings.Join(p.Values, ",") + ")"
}

// Rule is one row of the routing table.
type Rule struct {
	Name      string
	When      Predicate
	Strategy  Strategy
	Partition Purpose
	// NetworkTimeout bounds the network attempt of NetworkFirst and of a
	// StaleWhileRevalidate miss. 0 uses the engine default.
	NetworkTimeout time.Duration
}

// Router picks exactly one Rule per request: the first whose predicate
// matches, else the fallback.
type Router struct {
	rules    []Rule
	fallback Rule
}

// NewRouter copies rules; later changes to the slice do not affect routing.
func NewRouter(rules []Rule, fallback Rule) *Router {
	return &Router{rules: append([]Rule(nil), rules...), fallback: fallback}
}

// Route returns the winning rule for req.
func (r *Router) Route(req *http.Request) Rule {
	for _, rule := range r.rules {
		if rule.When.Match(req) {
			return rule
		}
	}
	return r.fallback
}

// Rules returns the table followed by the fallback.
func (r *Router) Rules() []Rule {
	return append(append([]Rule(nil), r.rules...), r.fallback)
}

// DefaultRules is the routing table of the art atlas. The last element is
// the catch-all; pass it as the fallback to NewRouter.
func DefaultRules(reg Registry, timeout time.Duration) ([]Rule, Rule) {
	rules := []Rule{
		{
			Name:           "pages",
			When:           Predicate{Kind: MatchNavigation},
			Strategy:       StaleWhileRevalidate,
			Partition:      PurposeShell,
			NetworkTimeout: timeout,
		},
		{
			Name:      "images",
			When:      Predicate{Kind: MatchPathPrefix, Values: reg.ImagePrefixes},
			Strategy:  CacheFirst,
			Partition: PurposeMapImage,
		},
		{
			Name:           "feed",
			When:           Predicate{Kind: MatchURLContains, Values: []string{reg.FeedURL}},
			Strategy:       StaleWhileRevalidate,
			Partition:      PurposeRemoteData,
			NetworkTimeout: timeout,
		},
		{
			Name:           "static-resources",
			When:           Predicate{Kind: MatchDestination, Values: []string{string(DestStyle), string(DestScript), string(DestFont)}},
			Strategy:       StaleWhileRevalidate,
			Partition:      PurposeStatic,
			NetworkTimeout: timeout,
		},
	}
	if reg.AppManifest != "" {
		rules = append(rules, Rule{
			Name:           "app-manifest",
			When:           Predicate{Kind: MatchPath, Values: []string{reg.AppManifest}},
			Strategy:       StaleWhileRevalidate,
			Partition:      PurposeStatic,
			NetworkTimeout: timeout,
		})
	}
	return rules, Rule{
		Name:      "default",
		When:      Predicate{Kind: MatchAny},
		Strategy:  CacheFirst,
		Partition: PurposeStatic,
	}
}
