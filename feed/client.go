package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/unkn0wn-root/offgrid"
	c "github.com/unkn0wn-root/offgrid/codec"
	pr "github.com/unkn0wn-root/offgrid/provider"
)

const defaultStoreKey = "offgrid:feed:last-good"

// Snapshot is the result of a Load.
type Snapshot struct {
	Points []Point `msgpack:"points"`
	// LoadedAt is when the points were parsed from a good response.
	LoadedAt time.Time `msgpack:"loaded_at"`
	// Stale is set when the latest fetch or parse failed and Points is the
	// last good parse instead.
	Stale bool `msgpack:"-"`
}

// Options configures a Client. URL and HTTP are required.
type Options struct {
	URL  string
	HTTP *http.Client
	// Store keeps the last good parse across restarts. nil keeps it in
	// memory only.
	Store    pr.Provider
	StoreKey string            // "" => "offgrid:feed:last-good"
	Codec    c.Codec[Snapshot] // nil => msgpack
	MaxBytes int64             // 0 => 8 MiB
	Logger   offgrid.Logger    // nil => offgrid.NopLogger
	Clock    func() time.Time  // nil => time.Now
}

// Client loads the feed and remembers the last good parse.
type Client struct {
	url      string
	http     *http.Client
	store    pr.Provider
	key      string
	codec    c.Codec[Snapshot]
	maxBytes int64
	log      offgrid.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *Snapshot
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" || opts.HTTP == nil {
		return nil, errors.New("feed: url and http client are required")
	}
	cl := &Client{
		url:      opts.URL,
		http:     opts.HTTP,
		store:    opts.Store,
		key:      opts.StoreKey,
		codec:    opts.Codec,
		maxBytes: opts.MaxBytes,
		log:      opts.Logger,
		now:      opts.Clock,
	}
	if cl.key == "" {
		cl.key = defaultStoreKey
	}
	if cl.codec == nil {
		cl.codec = c.Limit[Snapshot]{Inner: c.Msgpack[Snapshot]{}, MaxDecode: 64 << 20}
	}
	if cl.maxBytes <= 0 {
		cl.maxBytes = 8 << 20
	}
	if cl.log == nil {
		cl.log = offgrid.NopLogger{}
	}
	if cl.now == nil {
		cl.now = time.Now
	}
	return cl, nil
}

// Load fetches and parses the feed. When that fails, the last good parse is
// returned with Stale set and a nil error. Without one, Load returns an
// empty snapshot and the failure.
func (cl *Client) Load(ctx context.Context) (Snapshot, error) {
	points, err := cl.fetch(ctx)
	if err == nil {
		snap := Snapshot{Points: points, LoadedAt: cl.now()}
		cl.remember(ctx, snap)
		return snap, nil
	}

	cl.log.Warn("feed load failed", offgrid.Fields{"url": cl.url, "err": err})
	if last, ok := cl.lastGood(ctx); ok {
		last.Stale = true
		return last, nil
	}
	return Snapshot{Points: []Point{}}, err
}

func (cl *Client) fetch(ctx context.Context) ([]Point, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cl.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")
	resp, err := cl.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &offgrid.FetchError{URL: cl.url, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, cl.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > cl.maxBytes {
		return nil, fmt.Errorf("feed: body exceeds %d bytes", cl.maxBytes)
	}
	return Parse(bytes.NewReader(body))
}

func (cl *Client) remember(ctx context.Context, snap Snapshot) {
	cl.mu.Lock()
	cl.last = &snap
	cl.mu.Unlock()
	if cl.store == nil {
		return
	}
	b, err := cl.codec.Encode(snap)
	if err != nil {
		cl.log.Warn("feed encode failed", offgrid.Fields{"err": err})
		return
	}
	if _, err := cl.store.Set(ctx, cl.key, b, int64(len(b)), 0); err != nil {
		cl.log.Warn("feed persist failed", offgrid.Fields{"err": err})
	}
}

func (cl *Client) lastGood(ctx context.Context) (Snapshot, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.last != nil {
		return *cl.last, true
	}
	if cl.store == nil {
		return Snapshot{}, false
	}
	b, ok, err := cl.store.Get(ctx, cl.key)
	if err != nil || !ok {
		return Snapshot{}, false
	}
	snap, err := cl.codec.Decode(b)
	if err != nil {
		cl.log.Warn("dropping unreadable last good feed", offgrid.Fields{"err": err})
		_ = cl.store.Del(ctx, cl.key)
		return Snapshot{}, false
	}
	cl.last = &snap
	return snap, true
}
