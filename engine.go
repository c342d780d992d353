package offgrid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/offgrid/record"
)

// OfflineBody is the body of the synthesized offline response.
const OfflineBody = "Resource not available offline"

var conditionalHeaders = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range"}

// Engine is the http.RoundTripper every application request goes through.
// It routes the request to one rule, runs that rule's strategy against the
// rule's partition and the network, and falls back to the shell, the
// fallback image or a 503 when nothing else can answer.
type Engine struct {
	reg     Registry
	router  *Router
	storage *Storage
	parts   map[Purpose]*Partition
	network http.RoundTripper
	conn    Connectivity

	timeout        time.Duration
	refreshTimeout time.Duration
	maxBody        int64

	log     Logger
	hooks   Hooks
	metrics Metrics
	now     func() time.Time

	sf     singleflight.Group
	mu     sync.RWMutex // guards closed against wg.Add
	wg     sync.WaitGroup
	closed bool
	stats  counters
}

var _ http.RoundTripper = (*Engine)(nil)

func newEngine(opts *Options, router *Router) (*Engine, error) {
	e := &Engine{
		reg:            opts.Registry,
		router:         router,
		storage:        opts.Storage,
		parts:          make(map[Purpose]*Partition, len(purposes)),
		network:        opts.Network,
		conn:           opts.Connectivity,
		timeout:        opts.NetworkTimeout,
		refreshTimeout: opts.RefreshTimeout,
		maxBody:        opts.MaxBodyBytes,
		log:            opts.Logger,
		hooks:          opts.Hooks,
		metrics:        opts.Metrics,
		now:            opts.Clock,
	}
	for _, ps := range opts.Registry.Partitions() {
		p, err := opts.Storage.Open(ps.Name, ps.Expiration)
		if err != nil {
			return nil, err
		}
		e.parts[ps.Purpose] = p
	}
	for _, rule := range router.Rules() {
		if e.parts[rule.Partition] == nil {
			return nil, fmt.Errorf("offgrid: rule %q: unknown partition %s", rule.Name, rule.Partition)
		}
	}
	return e, nil
}

// RoundTrip never returns an error for GET requests: failures end in a
// fallback response. Other methods go straight to the network.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	e.stats.requests.Add(1)
	if req.Method != http.MethodGet && req.Method != "" {
		if !e.conn.Online() {
			return e.offline(req), nil
		}
		return e.network.RoundTrip(req)
	}

	ctx := req.Context()
	rule := e.router.Route(req)
	p := e.parts[rule.Partition]

	if !e.conn.Online() {
		if rec := e.lookup(ctx, p, req.URL); rec != nil {
			return rec.HTTP(req), nil
		}
		rec, from, err := e.storage.Match(ctx, req.URL)
		if err != nil {
			e.log.Warn("storage match failed", Fields{"url": req.URL.String(), "err": err})
		}
		if rec != nil {
			e.log.Debug("offline match", Fields{"url": req.URL.String(), "partition": from})
			return rec.HTTP(req), nil
		}
		return e.fallback(req), nil
	}

	var rec *record.Response
	switch rule.Strategy {
	case CacheFirst:
		rec = e.cacheFirst(ctx, req, rule, p)
	case NetworkFirst:
		rec = e.networkFirst(ctx, req, rule, p)
	case StaleWhileRevalidate:
		rec = e.staleWhileRevalidate(ctx, req, rule, p)
	}
	if rec != nil {
		return rec.HTTP(req), nil
	}
	return e.fallback(req), nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// Router returns the routing table in use.
func (e *Engine) Router() *Router { return e.router }

// Drain waits for background refreshes started so far.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops new background refreshes and drains the running ones.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Drain(ctx)
}

func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, rule Rule, p *Partition) *record.Response {
	if rec := e.lookup(ctx, p, req.URL); rec != nil {
		return rec
	}
	gen := p.Generation(ctx)
	rec, err := e.fetch(ctx, req, rule.NetworkTimeout)
	if err != nil {
		return nil
	}
	e.store(ctx, p, req.URL, rec, gen)
	return rec
}

func (e *Engine) networkFirst(ctx context.Context, req *http.Request, rule Rule, p *Partition) *record.Response {
	gen := p.Generation(ctx)
	rec, err := e.fetch(ctx, req, e.timeoutFor(rule))
	if err == nil && rec.Status < http.StatusInternalServerError {
		e.store(ctx, p, req.URL, rec, gen)
		return rec
	}
	if cached := e.lookup(ctx, p, req.URL); cached != nil {
		return cached
	}
	// a server error with nothing cached is still the best answer
	return rec
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *http.Request, rule Rule, p *Partition) *record.Response {
	if rec := e.lookup(ctx, p, req.URL); rec != nil {
		e.refresh(req, p)
		return rec
	}
	return e.networkFirst(ctx, req, rule, p)
}

// refresh fetches req in the background and overwrites the entry on 200.
// Concurrent refreshes of one URL share a single fetch.
func (e *Engine) refresh(req *http.Request, p *Partition) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	e.stats.refreshes.Add(1)
	key := p.Name() + " " + cacheURL(req.URL)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), e.refreshTimeout)
		defer cancel()

		_, err, _ := e.sf.Do(key, func() (any, error) {
			gen := p.Generation(ctx)
			rec, err := e.fetch(ctx, req, 0)
			if err != nil {
				return nil, err
			}
			if !rec.OK() {
				return nil, &FetchError{URL: rec.URL, Status: rec.Status}
			}
			return nil, e.put(ctx, p, req.URL, rec, gen)
		})
		if err != nil {
			e.log.Debug("refresh failed", Fields{"partition": p.Name(), "url": req.URL.String(), "err": err})
			e.hooks.RefreshFailed(p.Name(), req.URL.String(), err)
		}
	}()
}

// fetch performs req against the network and buffers the body. timeout > 0
// bounds the whole exchange even when the transport ignores the context.
func (e *Engine) fetch(ctx context.Context, req *http.Request, timeout time.Duration) (*record.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	e.stats.fetches.Add(1)

	type result struct {
		rec *record.Response
		err error
	}
	ch := make(chan result, 1)
	out := req.Clone(ctx)
	out.RequestURI = ""
	// a 304 cannot be stored; always ask for the full response
	for _, h := range conditionalHeaders {
		out.Header.Del(h)
	}
	rawURL := cacheURL(req.URL)
	go func() {
		resp, err := e.network.RoundTrip(out)
		if err != nil {
			ch <- result{err: err}
			return
		}
		rec, err := record.Read(resp, rawURL, e.now(), e.maxBody)
		ch <- result{rec: rec, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil {
		e.stats.fetchFailures.Add(1)
		e.metrics.Fetch(e.partitionOf(req), false)
		e.log.Debug("network failed", Fields{"url": rawURL, "err": r.err})
		return nil, &FetchError{URL: rawURL, Err: r.err}
	}
	e.metrics.Fetch(e.partitionOf(req), true)
	return r.rec, nil
}

func (e *Engine) lookup(ctx context.Context, p *Partition, u *url.URL) *record.Response {
	rec, ok, err := p.Match(ctx, u)
	if err != nil {
		e.log.Warn("cache read failed", Fields{"partition": p.Name(), "url": u.String(), "err": err})
	}
	if !ok {
		e.stats.misses.Add(1)
		e.metrics.Miss(p.Name())
		return nil
	}
	e.stats.hits.Add(1)
	e.metrics.Hit(p.Name())
	return rec
}

// store writes a clone of rec when it is a 200. Failures are reported and
// otherwise ignored; the caller still delivers rec.
func (e *Engine) store(ctx context.Context, p *Partition, u *url.URL, rec *record.Response, gen uint64) {
	if !rec.OK() {
		return
	}
	if err := e.put(ctx, p, u, rec.Clone(), gen); err != nil {
		e.log.Warn("cache write failed", Fields{"partition": p.Name(), "url": u.String(), "err": err})
	}
}

func (e *Engine) put(ctx context.Context, p *Partition, u *url.URL, rec *record.Response, gen uint64) error {
	err := p.Put(ctx, u, rec, gen)
	e.metrics.Write(p.Name(), err == nil)
	if err != nil && !errors.Is(err, ErrNotCacheable) {
		e.stats.writeFailures.Add(1)
		e.hooks.CacheWriteFailed(p.Name(), u.String(), err)
	}
	return err
}

// fallback answers a request no strategy could serve: the cached shell for
// navigations, the fallback image for images, a 503 otherwise.
func (e *Engine) fallback(req *http.Request) *http.Response {
	ctx := req.Context()
	if IsNavigation(req) {
		if rec := e.cachedAsset(ctx, PurposeShell, req.URL, e.reg.Shell); rec != nil {
			e.fellBack(req, "shell")
			return rec.HTTP(req)
		}
	}
	if DestinationOf(req) == DestImage && e.reg.FallbackImage != "" {
		if rec := e.cachedAsset(ctx, PurposeMapImage, req.URL, e.reg.FallbackImage); rec != nil {
			e.fellBack(req, "image")
			return rec.HTTP(req)
		}
	}
	return e.offline(req)
}

func (e *Engine) cachedAsset(ctx context.Context, purpose Purpose, base *url.URL, path string) *record.Response {
	u := sameOriginURL(base, path)
	rec, ok, err := e.parts[purpose].Match(ctx, u)
	if err != nil || !ok {
		return nil
	}
	return rec
}

func (e *Engine) offline(req *http.Request) *http.Response {
	e.fellBack(req, "offline")
	return OfflineResponse(req)
}

func (e *Engine) fellBack(req *http.Request, kind string) {
	e.stats.fallbacks.Add(1)
	e.metrics.Fallback(kind)
	e.hooks.Fallback(req.URL.String(), kind)
}

func (e *Engine) timeoutFor(rule Rule) time.Duration {
	return coalesce(rule.NetworkTimeout, e.timeout)
}

func (e *Engine) partitionOf(req *http.Request) string {
	return e.parts[e.router.Route(req).Partition].Name()
}

// OfflineResponse is the deterministic answer to a request that neither the
// network nor any partition could serve.
func OfflineResponse(req *http.Request) *http.Response {
	rec := &record.Response{
		URL:    req.URL.String(),
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/plain; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte(OfflineBody),
	}
	return rec.HTTP(req)
}

// IsOffline reports whether resp is the synthesized offline response.
func IsOffline(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusServiceUnavailable &&
		resp.Header.Get("Cache-Control") == "no-store" &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain")
}
