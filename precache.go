package offgrid

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/offgrid/record"
)

// ManifestEntry is a build-time asset. A non-empty Revision is a content
// fingerprint: a stored copy with the same revision is not fetched again.
// Entries without one are refetched on every install.
type ManifestEntry struct {
	URL      string `json:"url" yaml:"url"`
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
}

// InstallReport lists what an install did, by absolute URL.
type InstallReport struct {
	Stored  []string
	Skipped []string // revision already present
	Failed  map[string]error
}

// Installer fills partitions with the manifest and the registry's must-have
// list before a worker may activate.
type Installer struct {
	e           *Engine
	reg         Registry
	origin      *url.URL
	concurrency int
	timeout     time.Duration
	log         Logger
	hooks       Hooks
}

type staged struct {
	entry   ManifestEntry
	u       *url.URL
	purpose Purpose
	rec     *record.Response
	err     error
	skipped bool
}

// Install fetches every entry concurrently, then commits the responses one
// partition at a time, shell first. When the shell cannot be fetched nothing
// is written and the error wraps ErrShellUnavailable. Failures of other
// entries are reported and skipped.
func (in *Installer) Install(ctx context.Context, manifest []ManifestEntry) (InstallReport, error) {
	report := InstallReport{Failed: make(map[string]error)}

	all := append(append([]ManifestEntry(nil), manifest...), in.reg.MustHave()...)
	resolved := make([]ManifestEntry, 0, len(all))
	for _, m := range all {
		ref, err := url.Parse(m.URL)
		if err != nil {
			report.Failed[m.URL] = err
			in.hooks.PrecacheSkipped(m.URL, err)
			continue
		}
		m.URL = in.origin.ResolveReference(ref).String()
		resolved = append(resolved, m)
	}

	entries := Dedupe(resolved)
	items := make([]*staged, 0, len(entries))
	for _, m := range entries {
		u, _ := url.Parse(m.URL)
		items = append(items, &staged{entry: m, u: u, purpose: in.partitionFor(u)})
	}

	gens := make(map[Purpose]uint64, len(purposes))
	for _, p := range purposes {
		gens[p] = in.e.parts[p].Generation(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for _, it := range items {
		g.Go(func() error {
			in.fetch(gctx, it)
			return nil
		})
	}
	_ = g.Wait()

	shell := in.shellItem(items)
	if shell == nil {
		return report, fmt.Errorf("%w: %s not in manifest", ErrShellUnavailable, in.reg.Shell)
	}
	if shell.err != nil {
		return report, fmt.Errorf("%w: %w", ErrShellUnavailable, shell.err)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if (items[i] == shell) != (items[j] == shell) {
			return items[i] == shell
		}
		return items[i].purpose < items[j].purpose
	})
	for _, it := range items {
		key := it.u.String()
		switch {
		case it.skipped:
			report.Skipped = append(report.Skipped, key)
			continue
		case it.err != nil:
			report.Failed[key] = it.err
			in.log.Warn("precache skipped", Fields{"url": key, "err": it.err})
			in.hooks.PrecacheSkipped(key, it.err)
			continue
		}
		p := in.e.parts[it.purpose]
		it.rec.Pinned = true
		it.rec.Revision = it.entry.Revision
		if err := in.e.put(ctx, p, it.u, it.rec, gens[it.purpose]); err != nil {
			if it == shell {
				return report, fmt.Errorf("%w: %w", ErrShellUnavailable, err)
			}
			report.Failed[key] = err
			in.hooks.PrecacheSkipped(key, err)
			continue
		}
		report.Stored = append(report.Stored, key)
	}
	in.log.Info("precache done", Fields{
		"stored": len(report.Stored), "skipped": len(report.Skipped), "failed": len(report.Failed),
	})
	return report, nil
}

func (in *Installer) fetch(ctx context.Context, it *staged) {
	p := in.e.parts[it.purpose]
	if it.entry.Revision != "" {
		if rec, ok, _ := p.Match(ctx, it.u); ok && rec.Revision == it.entry.Revision {
			it.skipped = true
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.u.String(), nil)
	if err != nil {
		it.err = err
		return
	}
	req.Header.Set("Cache-Control", "no-cache")
	if d := destinationForPath(it.u.Path); d != DestEmpty {
		req.Header.Set(headerFetchDest, string(d))
	}
	rec, err := in.e.fetch(ctx, req, in.timeout)
	if err != nil {
		it.err = err
		return
	}
	if !rec.OK() {
		it.err = &FetchError{URL: rec.URL, Status: rec.Status}
		return
	}
	if it.entry.Revision != "" {
		rec.Header.Set(record.RevisionHeader, it.entry.Revision)
	}
	it.rec = rec
}

// partitionFor places the shell next to navigations, the fallback and map
// images next to map imagery, and routes everything else like a request for
// the same path.
func (in *Installer) partitionFor(u *url.URL) Purpose {
	switch {
	case in.reg.IsShell(u.Path):
		return PurposeShell
	case u.Path == in.reg.FallbackImage, u.Path == in.reg.MapImage:
		return PurposeMapImage
	}
	req := &http.Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
	switch d := destinationForPath(u.Path); d {
	case DestDocument:
		req.Header.Set(headerFetchMode, "navigate")
		req.Header.Set(headerFetchDest, string(d))
	case DestEmpty:
	default:
		req.Header.Set(headerFetchDest, string(d))
	}
	return in.e.router.Route(req).Partition
}

func (in *Installer) shellItem(items []*staged) *staged {
	for _, it := range items {
		if it.u.Path == in.reg.Shell && it.u.Host == in.origin.Host {
			return it
		}
	}
	return nil
}

// Dedupe keeps the first position of every URL. A later non-empty revision
// replaces an earlier one.
func Dedupe(entries []ManifestEntry) []ManifestEntry {
	out := make([]ManifestEntry, 0, len(entries))
	at := make(map[string]int, len(entries))
	for _, m := range entries {
		if i, ok := at[m.URL]; ok {
			if m.Revision != "" {
				out[i].Revision = m.Revision
			}
			continue
		}
		at[m.URL] = len(out)
		out = append(out, m)
	}
	return out
}
