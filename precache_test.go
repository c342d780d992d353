package offgrid

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestInstallStoresMustHaveShellFirst(t *testing.T) {
	e := newEnv(t, siteNet())
	w := e.worker(t, "v1", nil)

	report, err := w.Install(context.Background())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(report.Stored) != 5 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Stored[0] != testOrigin+"/index.html" {
		t.Fatalf("shell not committed first: %v", report.Stored)
	}
	if w.State() != StateInstalled {
		t.Fatalf("state = %s", w.State())
	}

	keys, _ := e.st.Keys(context.Background())
	want := []string{"art-atlas-html-v1", "art-atlas-assets-v1", "art-atlas-images-v1"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	shell, _ := e.st.Open("art-atlas-html-v1", Expiration{})
	if body, ok := matchBody(t, shell, testOrigin+"/index.html"); !ok || body != "<html>shell</html>" {
		t.Fatalf("shell = %q %v", body, ok)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	e := newEnv(t, siteNet())
	ctx := context.Background()

	if _, err := e.worker(t, "v1", nil).Install(ctx); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	entries := e.prov.keys("entry:")
	names, _ := e.st.Keys(ctx)

	// a restart installs the same version again over the same storage
	report, err := e.worker(t, "v1", nil).Install(ctx)
	if err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if got := e.prov.keys("entry:"); !reflect.DeepEqual(got, entries) {
		t.Fatalf("entries changed:\n got %v\nwant %v", got, entries)
	}
	if got, _ := e.st.Keys(ctx); !reflect.DeepEqual(got, names) {
		t.Fatalf("partitions changed: %v vs %v", got, names)
	}
	if len(report.Stored) != 5 {
		t.Fatalf("second report = %+v", report)
	}
}

func TestInstallSkipsKnownRevisions(t *testing.T) {
	n := siteNet()
	n.serve("/assets/index-3f2a.js", http.StatusOK, "text/javascript", "app")
	e := newEnv(t, n)
	ctx := context.Background()
	manifest := func(o *Options) {
		o.Manifest = []ManifestEntry{{URL: "/assets/index-3f2a.js", Revision: "3f2a"}}
	}

	if _, err := e.worker(t, "v1", manifest).Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	report, err := e.worker(t, "v1", manifest).Install(ctx)
	if err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if got := n.count("/assets/index-3f2a.js"); got != 1 {
		t.Fatalf("revisioned asset fetched %d times", got)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != testOrigin+"/assets/index-3f2a.js" {
		t.Fatalf("skipped = %v", report.Skipped)
	}

	// a new revision is fetched again
	bumped := func(o *Options) {
		o.Manifest = []ManifestEntry{{URL: "/assets/index-3f2a.js", Revision: "9c1e"}}
	}
	if _, err := e.worker(t, "v1", bumped).Install(ctx); err != nil {
		t.Fatalf("bumped install: %v", err)
	}
	if got := n.count("/assets/index-3f2a.js"); got != 2 {
		t.Fatalf("new revision fetched %d times", got)
	}
}

func TestInstallFailsWithoutShell(t *testing.T) {
	n := siteNet()
	n.serve("/index.html", http.StatusInternalServerError, "text/plain", "boom")
	e := newEnv(t, n)
	w := e.worker(t, "v1", nil)

	_, err := w.Install(context.Background())
	if !errors.Is(err, ErrShellUnavailable) {
		t.Fatalf("err = %v, want ErrShellUnavailable", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusInternalServerError {
		t.Fatalf("cause not kept: %v", err)
	}
	if got := e.prov.keys("entry:"); len(got) != 0 {
		t.Fatalf("failed install committed %v", got)
	}
	if keys, _ := e.st.Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("failed install created partitions %v", keys)
	}
	if w.State() != StateRedundant {
		t.Fatalf("state = %s", w.State())
	}
	if _, err := w.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reinstall of a redundant worker: %v", err)
	}
}

func TestInstallShellTimeout(t *testing.T) {
	n := siteNet()
	n.handle("/index.html", hang)
	e := newEnv(t, n)
	w := e.worker(t, "v1", func(o *Options) { o.RefreshTimeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := w.Install(context.Background())
	if !errors.Is(err, ErrShellUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("install ignored the fetch timeout")
	}
}

func TestInstallSkipsNonCritical(t *testing.T) {
	n := siteNet()
	n.serve("/img/map.png", http.StatusNotFound, "text/plain", "gone")
	e := newEnv(t, n)
	var skipped []string
	w := e.worker(t, "v1", func(o *Options) {
		o.Hooks = skipHooks{urls: &skipped}
		o.Manifest = []ManifestEntry{{URL: "::bad"}}
	})

	report, err := w.Install(context.Background())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	mapURL := testOrigin + "/img/map.png"
	if _, ok := report.Failed[mapURL]; !ok {
		t.Fatalf("map image not reported: %+v", report.Failed)
	}
	if _, ok := report.Failed["::bad"]; !ok {
		t.Fatalf("bad URL not reported: %+v", report.Failed)
	}
	if len(report.Stored) != 4 {
		t.Fatalf("stored = %v", report.Stored)
	}
	sort.Strings(skipped)
	if want := []string{"::bad", mapURL}; !reflect.DeepEqual(skipped, want) {
		t.Fatalf("PrecacheSkipped = %v, want %v", skipped, want)
	}
}

type skipHooks struct {
	NopHooks
	urls *[]string
}

func (h skipHooks) PrecacheSkipped(url string, _ error) { *h.urls = append(*h.urls, url) }

func TestInstallRoutesManifestEntries(t *testing.T) {
	n := siteNet()
	n.serve("/assets/index.css", http.StatusOK, "text/css", "css")
	n.serve("/tiles/0/0/0.png", http.StatusOK, "image/png", "tile")
	n.serve("/about.html", http.StatusOK, "text/html", "about")
	e := newEnv(t, n)
	w := e.worker(t, "v1", func(o *Options) {
		o.Manifest = []ManifestEntry{
			{URL: "/assets/index.css"},
			{URL: "tiles/0/0/0.png"},
			{URL: testOrigin + "/about.html"},
		}
	})
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	cases := map[string]string{
		"/assets/index.css": "art-atlas-assets-v1",
		"/tiles/0/0/0.png":  "art-atlas-images-v1",
		"/about.html":       "art-atlas-html-v1",
	}
	for path, want := range cases {
		p, _ := e.st.Open(want, Expiration{})
		if _, ok := matchBody(t, p, testOrigin+path); !ok {
			t.Fatalf("%s not in %s", path, want)
		}
	}
}

func TestDedupe(t *testing.T) {
	in := []ManifestEntry{
		{URL: "/a"},
		{URL: "/b", Revision: "1"},
		{URL: "/a", Revision: "2"},
		{URL: "/b"},
		{URL: "/c"},
	}
	want := []ManifestEntry{
		{URL: "/a", Revision: "2"},
		{URL: "/b", Revision: "1"},
		{URL: "/c"},
	}
	if got := Dedupe(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("Dedupe = %v, want %v", got, want)
	}
}
