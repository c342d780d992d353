package offgrid

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	c "github.com/unkn0wn-root/offgrid/codec"
	gen "github.com/unkn0wn-root/offgrid/genstore"
	"github.com/unkn0wn-root/offgrid/internal/wire"
	pr "github.com/unkn0wn-root/offgrid/provider"
	"github.com/unkn0wn-root/offgrid/record"
)

const namesKey = "offgrid:partitions"

// StorageOptions configures a Storage. Only Provider is required.
type StorageOptions struct {
	Provider pr.Provider
	Codec    c.Codec[record.Response] // nil => msgpack
	GenStore gen.GenStore             // nil => LocalGenStore (in-process)
	Logger   Logger                   // nil => NopLogger
	Hooks    Hooks                    // nil => NopHooks
	Metrics  Metrics                  // nil => NopMetrics
	Clock    func() time.Time         // nil => time.Now
}

// Storage is the set of named partitions of one origin, shared by every
// worker version. It plays the role of the browser's CacheStorage.
type Storage struct {
	provider pr.Provider
	codec    c.Codec[record.Response]
	gens     gen.GenStore
	log      Logger
	hooks    Hooks
	metrics  Metrics
	now      func() time.Time

	mu     sync.Mutex
	loaded bool
	names  []string
	parts  map[string]*Partition
	closed bool
}

func NewStorage(opts StorageOptions) (*Storage, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("offgrid: provider is required")
	}
	s := &Storage{
		provider: opts.Provider,
		codec:    opts.Codec,
		gens:     opts.GenStore,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		metrics:  coalesce[Metrics](opts.Metrics, NopMetrics{}),
		now:      opts.Clock,
		parts:    make(map[string]*Partition),
	}
	if s.codec == nil {
		s.codec = c.Msgpack[record.Response]{}
	}
	if s.gens == nil {
		s.gens = gen.NewLocalGenStore(0, 0)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Open returns the partition called name, creating the handle if needed.
// The partition only shows up in Keys once something was written into it.
// exp applies from the first Open; later calls keep the original policy.
func (s *Storage) Open(name string, exp Expiration) (*Partition, error) {
	if name == "" {
		return nil, errors.New("offgrid: partition name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	p := newPartition(s, name, exp)
	s.parts[name] = p
	return p, nil
}

// Keys lists existing partitions in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadNamesLocked(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), s.names...), nil
}

// Has reports whether a partition called name exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes a partition and all of its entries. Entries that the index
// lost track of become unreadable through the generation bump and expire in
// the provider on their own.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := s.Has(ctx, name)
	if err != nil {
		return false, err
	}
	p, err := s.Open(name, Expiration{})
	if err != nil {
		return false, err
	}
	if err := p.drop(ctx); err != nil {
		return existed, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parts, name)
	kept := s.names[:0]
	for _, n := range s.names {
		if n != name {
			kept = append(kept, n)
		}
	}
	s.names = kept
	return existed, s.persistNamesLocked(ctx)
}

// Match looks u up in every partition, in creation order, and returns the
// first unexpired entry along with the partition it came from.
func (s *Storage) Match(ctx context.Context, u *url.URL) (*record.Response, string, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, n := range names {
		p, err := s.Open(n, Expiration{})
		if err != nil {
			return nil, "", err
		}
		resp, ok, err := p.Match(ctx, u)
		if err != nil {
			return nil, "", err
		}
		if ok {
			return resp, n, nil
		}
	}
	return nil, "", nil
}

// Close releases the generation store and the provider.
func (s *Storage) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.gens.Close(ctx)
	return s.provider.Close(ctx)
}

// remember records name as existing; called on the first write of a partition.
func (s *Storage) remember(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadNamesLocked(ctx); err != nil {
		return err
	}
	for _, n := range s.names {
		if n == name {
			return nil
		}
	}
	s.names = append(s.names, name)
	return s.persistNamesLocked(ctx)
}

func (s *Storage) loadNamesLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	raw, ok, err := s.provider.Get(ctx, namesKey)
	if err != nil {
		return fmt.Errorf("offgrid: load partition names: %w", err)
	}
	if ok {
		names, derr := wire.DecodeNames(raw)
		if derr != nil {
			s.log.Warn("dropping corrupt partition list", Fields{"err": derr})
			_ = s.provider.Del(ctx, namesKey)
		} else {
			s.names = names
		}
	}
	s.loaded = true
	return nil
}

func (s *Storage) persistNamesLocked(ctx context.Context) error {
	if len(s.names) == 0 {
		return s.provider.Del(ctx, namesKey)
	}
	b, err := wire.EncodeNames(s.names)
	if err != nil {
		return err
	}
	ok, err := s.provider.Set(ctx, namesKey, b, int64(len(b)), 0)
	if err != nil {
		return fmt.Errorf("offgrid: persist partition names: %w", err)
	}
	if !ok {
		return ErrRejected
	}
	return nil
}
