package offgrid

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Purpose partitions the cache by what is stored in it.
type Purpose int

const (
	PurposeShell Purpose = iota
	PurposeStatic
	PurposeMapImage
	PurposeRemoteData
)

var purposes = [...]Purpose{PurposeShell, PurposeStatic, PurposeMapImage, PurposeRemoteData}

func (p Purpose) String() string {
	switch p {
	case PurposeShell:
		return "html"
	case PurposeStatic:
		return "assets"
	case PurposeMapImage:
		return "images"
	case PurposeRemoteData:
		return "data"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// ParsePurpose is the inverse of Purpose.String.
func ParsePurpose(s string) (Purpose, error) {
	for _, p := range purposes {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("offgrid: unknown partition purpose %q", s)
}

// Expiration bounds a partition. Zero values disable the bound.
type Expiration struct {
	MaxEntries int
	MaxAge     time.Duration
}

// PartitionSpec is one row of Registry.Partitions.
type PartitionSpec struct {
	Purpose    Purpose
	Name       string
	Expiration Expiration
}

// Registry is the single source of truth for partition names and the assets
// that must be available offline. Bumping Version renames every partition,
// which makes the next activation evict everything stored under the old names.
type Registry struct {
	Prefix  string
	Version string

	// Shell is the application shell; an install that cannot store it fails.
	Shell string
	// ShellAliases are navigation URLs precached next to the shell (best-effort).
	ShellAliases  []string
	AppManifest   string
	FallbackImage string
	MapImage      string

	// ImagePrefixes are the path namespaces served cache-first from the
	// image partition.
	ImagePrefixes []string

	// FeedURL identifies the remote point-of-interest feed (substring match).
	FeedURL string

	Expirations map[Purpose]Expiration
}

// DefaultRegistry mirrors the deployed art atlas: four partitions named
// "art-atlas-<purpose>-<version>".
func DefaultRegistry(version string) Registry {
	return Registry{
		Prefix:        "art-atlas",
		Version:       version,
		Shell:         "/index.html",
		ShellAliases:  []string{"/"},
		AppManifest:   "/manifest.json",
		FallbackImage: "/lovable-uploads/88cf2c86-ed43-4d55-a4d0-4cf74740daea.png",
		MapImage:      "/img/map.png",
		ImagePrefixes: []string{"/img/", "/tiles/", "/lovable-uploads/", "/icons/"},
		FeedURL:       "walter-ship-it/afrika-burn-art-atlas/main/keys.csv",
		Expirations: map[Purpose]Expiration{
			PurposeShell:      {MaxEntries: 10, MaxAge: 24 * time.Hour},
			PurposeMapImage:   {MaxEntries: 60, MaxAge: 30 * 24 * time.Hour},
			PurposeRemoteData: {MaxEntries: 5, MaxAge: 24 * time.Hour},
			PurposeStatic:     {MaxEntries: 50, MaxAge: 7 * 24 * time.Hour},
		},
	}
}

func (r Registry) Validate() error {
	var errs []error
	if r.Prefix == "" {
		errs = append(errs, errors.New("prefix is required"))
	}
	if r.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if !strings.HasPrefix(r.Shell, "/") {
		errs = append(errs, fmt.Errorf("shell %q must be an absolute path", r.Shell))
	}
	for _, p := range []string{r.FallbackImage, r.MapImage, r.AppManifest} {
		if p != "" && !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("asset %q must be an absolute path", p))
		}
	}
	for p, e := range r.Expirations {
		if e.MaxEntries < 0 || e.MaxAge < 0 {
			errs = append(errs, fmt.Errorf("%s: negative expiration", p))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("offgrid: invalid registry: %w", errors.Join(errs...))
	}
	return nil
}

// Name returns the partition name for p under the current version.
func (r Registry) Name(p Purpose) string {
	return r.Prefix + "-" + p.String() + "-" + r.Version
}

// Partitions lists every partition of this version in a fixed order.
func (r Registry) Partitions() []PartitionSpec {
	out := make([]PartitionSpec, 0, len(purposes))
	for _, p := range purposes {
		out = append(out, PartitionSpec{Purpose: p, Name: r.Name(p), Expiration: r.Expirations[p]})
	}
	return out
}

// Current is the activation allow-list: partitions with any other name are
// deleted when a worker of this version activates.
func (r Registry) Current() []string {
	out := make([]string, 0, len(purposes))
	for _, p := range purposes {
		out = append(out, r.Name(p))
	}
	return out
}

func (r Registry) IsCurrent(name string) bool {
	for _, n := range r.Current() {
		if n == name {
			return true
		}
	}
	return false
}

// IsShell reports whether path is the shell or one of its aliases.
func (r Registry) IsShell(path string) bool {
	if path == r.Shell {
		return true
	}
	for _, a := range r.ShellAliases {
		if path == a {
			return true
		}
	}
	return false
}

// MustHave is the fixed list of resources precached on every install.
func (r Registry) MustHave() []ManifestEntry {
	out := make([]ManifestEntry, 0, 5)
	for _, a := range r.ShellAliases {
		out = append(out, ManifestEntry{URL: a})
	}
	out = append(out, ManifestEntry{URL: r.Shell})
	for _, p := range []string{r.AppManifest, r.FallbackImage, r.MapImage} {
		if p != "" {
			out = append(out, ManifestEntry{URL: p})
		}
	}
	return out
}
