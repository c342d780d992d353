package offgrid

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/unkn0wn-root/offgrid/internal/wire"
	"github.com/unkn0wn-root/offgrid/record"
)

// Partition is a named key->response store with an expiration policy.
// Entries are keyed by request URL and framed with the partition generation
// that was current when they were written.
//
// The LRU index lives in memory and is persisted next to the entries on
// every write; access order between writes is not persisted.
type Partition struct {
	st   *Storage
	name string
	exp  Expiration

	mu      sync.Mutex
	loaded  bool
	dropped bool                     // set by drop; the handle refuses further writes
	lru     *list.List               // of *wire.IndexItem, least recently used first
	byKey   map[string]*list.Element // storage key -> element
}

func newPartition(st *Storage, name string, exp Expiration) *Partition {
	return &Partition{
		st:    st,
		name:  name,
		exp:   exp,
		lru:   list.New(),
		byKey: make(map[string]*list.Element),
	}
}

func (p *Partition) Name() string           { return p.name }
func (p *Partition) Expiration() Expiration { return p.exp }

// Generation snapshots the partition generation. Take it before the network
// read whose result will be written back with Put.
func (p *Partition) Generation(ctx context.Context) uint64 {
	g, err := p.st.gens.Snapshot(ctx, p.name)
	if err != nil {
		// 0 makes the next Put skip unless the partition was never dropped
		p.st.log.Warn("gen snapshot error", Fields{"partition": p.name, "err": err})
		return 0
	}
	return g
}

// Match returns the unexpired entry stored for u.
func (p *Partition) Match(ctx context.Context, u *url.URL) (*record.Response, bool, error) {
	return p.match(ctx, cacheURL(u))
}

func (p *Partition) match(ctx context.Context, rawURL string) (*record.Response, bool, error) {
	k := p.storageKey(rawURL)
	raw, ok, err := p.st.provider.Get(ctx, k)
	if err != nil {
		return nil, false, fmt.Errorf("offgrid: read %s: %w", p.name, err)
	}
	if !ok {
		p.forget(k)
		return nil, false, nil
	}

	g, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		p.heal(ctx, k, rawURL, "corrupt")
		return nil, false, nil
	}
	if g != p.Generation(ctx) {
		p.heal(ctx, k, rawURL, "gen_mismatch")
		return nil, false, nil
	}
	resp, err := p.st.codec.Decode(payload)
	if err != nil {
		p.heal(ctx, k, rawURL, "decode")
		return nil, false, nil
	}
	// keys are hashes; a foreign URL under the same key is a collision
	if resp.URL != rawURL {
		return nil, false, nil
	}

	now := p.st.now()
	if p.expired(&resp, now) {
		_ = p.st.provider.Del(ctx, k)
		p.forget(k)
		p.st.metrics.Evict(p.name, EvictAge)
		return nil, false, nil
	}
	p.touch(ctx, k, rawURL, &resp, now)
	return &resp, true, nil
}

// Put stores resp for u if the partition generation still equals
// observedGen. Only 200 responses are accepted. Writing past MaxEntries
// evicts the least recently used unpinned entries.
func (p *Partition) Put(ctx context.Context, u *url.URL, resp *record.Response, observedGen uint64) error {
	if !resp.OK() {
		return ErrNotCacheable
	}
	rawURL := cacheURL(u)
	k := p.storageKey(rawURL)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		p.st.log.Debug("put skipped (partition deleted)", Fields{"partition": p.name, "url": rawURL})
		return nil
	}
	if err := p.loadLocked(ctx); err != nil {
		return err
	}

	if cur := p.Generation(ctx); cur != observedGen {
		// partition was dropped since the caller looked; skip stale write
		p.st.log.Debug("put skipped (gen mismatch)", Fields{"partition": p.name, "url": rawURL, "obs": observedGen, "cur": cur})
		return nil
	}

	stored := resp.Clone()
	stored.URL = rawURL
	record.StripPrivate(stored.Header)
	if el, ok := p.byKey[k]; ok && el.Value.(*wire.IndexItem).Pinned {
		stored.Pinned = true
	}
	payload, err := p.st.codec.Encode(*stored)
	if err != nil {
		return fmt.Errorf("offgrid: encode %s: %w", rawURL, err)
	}
	frame := wire.EncodeEntry(observedGen, payload)
	ok, err := p.st.provider.Set(ctx, k, frame, int64(len(frame)), p.providerTTL(stored))
	if err != nil {
		return fmt.Errorf("offgrid: write %s: %w", p.name, err)
	}
	if !ok {
		return ErrRejected
	}

	now := p.st.now().UnixNano()
	item := &wire.IndexItem{Key: k, URL: rawURL, StoredAt: stored.StoredAt.UnixNano(), UsedAt: now, Pinned: stored.Pinned}
	if el, ok := p.byKey[k]; ok {
		el.Value = item
		p.lru.MoveToBack(el)
	} else {
		p.byKey[k] = p.lru.PushBack(item)
	}
	p.evictLocked(ctx)

	if err := p.persistLocked(ctx, observedGen); err != nil {
		p.st.log.Warn("persist index failed", Fields{"partition": p.name, "err": err})
	}
	return p.st.remember(ctx, p.name)
}

// Delete removes the entry stored for u.
func (p *Partition) Delete(ctx context.Context, u *url.URL) (bool, error) {
	k := p.storageKey(cacheURL(u))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return false, nil
	}
	if err := p.loadLocked(ctx); err != nil {
		return false, err
	}
	el, ok := p.byKey[k]
	if ok {
		p.lru.Remove(el)
		delete(p.byKey, k)
	}
	if err := p.st.provider.Del(ctx, k); err != nil {
		return ok, err
	}
	return ok, p.persistLocked(ctx, p.Generation(ctx))
}

// URLs lists the URLs of indexed entries, least recently used first.
func (p *Partition) URLs(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]string, 0, p.lru.Len())
	for el := p.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*wire.IndexItem).URL)
	}
	return out, nil
}

// Len is the number of indexed entries.
func (p *Partition) Len(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return 0, err
	}
	return p.lru.Len(), nil
}

// drop invalidates every entry (generation bump) and deletes what the index
// knows about. Writers still holding p find it dropped and skip their Put, so
// a deleted partition cannot be recreated through an old handle.
func (p *Partition) drop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = true
	_ = p.loadLocked(ctx)

	if _, err := p.st.gens.Bump(ctx, p.name); err != nil {
		p.st.log.Error("gen bump error", Fields{"partition": p.name, "err": err})
	}
	var errs []error
	for el := p.lru.Front(); el != nil; el = el.Next() {
		if err := p.st.provider.Del(ctx, el.Value.(*wire.IndexItem).Key); err != nil {
			errs = append(errs, err)
		}
	}
	p.lru.Init()
	p.byKey = make(map[string]*list.Element)
	if err := p.st.provider.Del(ctx, p.indexKey()); err != nil {
		errs = append(errs, err)
	}
	p.st.metrics.Evict(p.name, EvictVersion)
	return errors.Join(errs...)
}

func (p *Partition) storageKey(rawURL string) string {
	sum := xxh3.HashString128(rawURL).Bytes()
	return "entry:" + p.name + ":" + hex.EncodeToString(sum[:])
}

func (p *Partition) indexKey() string { return "index:" + p.name }

func (p *Partition) expired(resp *record.Response, now time.Time) bool {
	return p.exp.MaxAge > 0 && !resp.Pinned && now.Sub(resp.StoredAt) > p.exp.MaxAge
}

// providerTTL lets the store reclaim space on its own. It is twice MaxAge so
// that the logical expiry (checked on read) always fires first.
func (p *Partition) providerTTL(resp *record.Response) time.Duration {
	if resp.Pinned || p.exp.MaxAge <= 0 {
		return 0
	}
	return 2 * p.exp.MaxAge
}

func (p *Partition) heal(ctx context.Context, k, rawURL, reason string) {
	_ = p.st.provider.Del(ctx, k)
	p.forget(k)
	p.st.hooks.SelfHeal(p.name, rawURL, reason)
	p.st.metrics.Evict(p.name, EvictCorrupt)
}

func (p *Partition) forget(k string) {
	p.mu.Lock()
	if el, ok := p.byKey[k]; ok {
		p.lru.Remove(el)
		delete(p.byKey, k)
	}
	p.mu.Unlock()
}

func (p *Partition) touch(ctx context.Context, k, rawURL string, resp *record.Response, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return
	}
	if el, ok := p.byKey[k]; ok {
		el.Value.(*wire.IndexItem).UsedAt = now.UnixNano()
		p.lru.MoveToBack(el)
		return
	}
	// entry written by another process (shared provider) or index lost
	p.byKey[k] = p.lru.PushBack(&wire.IndexItem{
		Key: k, URL: rawURL, StoredAt: resp.StoredAt.UnixNano(), UsedAt: now.UnixNano(), Pinned: resp.Pinned,
	})
}

// evictLocked keeps at most MaxEntries unpinned entries. Pinned entries do
// not count against the bound.
func (p *Partition) evictLocked(ctx context.Context) {
	if p.exp.MaxEntries <= 0 {
		return
	}
	unpinned := 0
	for el := p.lru.Front(); el != nil; el = el.Next() {
		if !el.Value.(*wire.IndexItem).Pinned {
			unpinned++
		}
	}
	for el := p.lru.Front(); el != nil && unpinned > p.exp.MaxEntries; {
		next := el.Next()
		it := el.Value.(*wire.IndexItem)
		if !it.Pinned {
			_ = p.st.provider.Del(ctx, it.Key)
			p.lru.Remove(el)
			delete(p.byKey, it.Key)
			p.st.metrics.Evict(p.name, EvictCapacity)
			unpinned--
		}
		el = next
	}
}

func (p *Partition) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	raw, ok, err := p.st.provider.Get(ctx, p.indexKey())
	if err != nil {
		return fmt.Errorf("offgrid: load index %s: %w", p.name, err)
	}
	p.loaded = true
	if !ok {
		return nil
	}
	g, items, err := wire.DecodeIndex(raw)
	if err != nil || g != p.Generation(ctx) {
		// index of a dropped generation or unreadable: start over
		_ = p.st.provider.Del(ctx, p.indexKey())
		return nil
	}
	for i := range items {
		it := items[i]
		if _, dup := p.byKey[it.Key]; dup {
			continue
		}
		p.byKey[it.Key] = p.lru.PushBack(&it)
	}
	return nil
}

func (p *Partition) persistLocked(ctx context.Context, g uint64) error {
	items := make([]wire.IndexItem, 0, p.lru.Len())
	for el := p.lru.Front(); el != nil; el = el.Next() {
		items = append(items, *el.Value.(*wire.IndexItem))
	}
	b, err := wire.EncodeIndex(g, items)
	if err != nil {
		return err
	}
	ok, err := p.st.provider.Set(ctx, p.indexKey(), b, int64(len(b)), 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return nil
}
