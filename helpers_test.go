package offgrid

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/offgrid/provider"
)

const testOrigin = "https://atlas.test"

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu      sync.Mutex
	m       map[string]memEntry
	failSet func(key string) bool
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet != nil && p.failSet(key) {
		return false, errors.New("quota exceeded")
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: append([]byte(nil), value...), exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

// keys returns the stored keys with the given prefix, sorted.
func (p *memProvider) keys(prefix string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (p *memProvider) put(key string, v []byte) {
	p.mu.Lock()
	p.m[key] = memEntry{v: v}
	p.mu.Unlock()
}

// fakeNet is the network behind the engine: a handler per path, and a count
// of requests per path.
type fakeNet struct {
	mu       sync.Mutex
	handlers map[string]func(*http.Request) (*http.Response, error)
	calls    map[string]int
	down     bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		handlers: make(map[string]func(*http.Request) (*http.Response, error)),
		calls:    make(map[string]int),
	}
}

func (n *fakeNet) handle(path string, h func(*http.Request) (*http.Response, error)) {
	n.mu.Lock()
	n.handlers[path] = h
	n.mu.Unlock()
}

func (n *fakeNet) serve(path string, status int, ctype, body string) {
	n.handle(path, func(req *http.Request) (*http.Response, error) {
		return httpResp(req, status, ctype, body), nil
	})
}

func (n *fakeNet) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNet) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	h, ok := n.handlers[req.URL.Path]
	down := n.down
	n.mu.Unlock()
	if down {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	if !ok {
		return httpResp(req, http.StatusNotFound, "text/plain", "not found"), nil
	}
	return h(req)
}

func httpResp(req *http.Request, status int, ctype, body string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Header:        http.Header{"Content-Type": {ctype}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// hang blocks until the request is cancelled.
func hang(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

// siteNet serves the must-have assets of the default registry.
func siteNet() *fakeNet {
	n := newFakeNet()
	n.serve("/", http.StatusOK, "text/html", "<html>root</html>")
	n.serve("/index.html", http.StatusOK, "text/html", "<html>shell</html>")
	n.serve("/manifest.json", http.StatusOK, "application/manifest+json", `{"name":"atlas"}`)
	n.serve("/lovable-uploads/88cf2c86-ed43-4d55-a4d0-4cf74740daea.png", http.StatusOK, "image/png", "fallback-png")
	n.serve("/img/map.png", http.StatusOK, "image/png", "map-png")
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 4, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	prov  *memProvider
	st    *Storage
	net   *fakeNet
	clock *testClock
	conn  *Switch
}

func newEnv(t *testing.T, n *fakeNet) *env {
	t.Helper()
	e := &env{prov: newMemProvider(), net: n, clock: newTestClock(), conn: NewSwitch(true)}
	st, err := NewStorage(StorageOptions{Provider: e.prov, Clock: e.clock.Now})
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	e.st = st
	return e
}

func (e *env) worker(t *testing.T, version string, opt func(*Options)) *Worker {
	t.Helper()
	origin, _ := url.Parse(testOrigin)
	opts := Options{
		Registry:       DefaultRegistry(version),
		Storage:        e.st,
		Origin:         origin,
		Network:        e.net,
		Connectivity:   e.conn,
		NetworkTimeout: 200 * time.Millisecond,
		RefreshTimeout: time.Second,
		Clock:          e.clock.Now,
	}
	if opt != nil {
		opt(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

// installed returns an activated worker of version.
func (e *env) installed(t *testing.T, version string, opt func(*Options)) *Worker {
	t.Helper()
	w := e.worker(t, version, opt)
	ctx := context.Background()
	if _, err := w.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return w
}

func get(t *testing.T, rt http.RoundTripper, path string, hdr ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, resp.Body)
	return resp, buf.String()
}

func navigate(t *testing.T, rt http.RoundTripper, path string) (*http.Response, string) {
	return get(t, rt, path, "Sec-Fetch-Mode", "navigate", "Sec-Fetch-Dest", "document")
}

func image(t *testing.T, rt http.RoundTripper, path string) (*http.Response, string) {
	return get(t, rt, path, "Sec-Fetch-Dest", "image")
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func drain(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Engine().Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}
