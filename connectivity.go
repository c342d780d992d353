package offgrid

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Connectivity tells the engine whether the network is worth trying.
// An offline engine answers from partitions and fallbacks only.
type Connectivity interface {
	Online() bool
}

// AlwaysOnline is the default: every strategy runs as written and offline
// behaviour is reached through network failures.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

// Switch is a manually flipped Connectivity, the equivalent of the
// browser's online/offline events.
type Switch struct{ offline atomic.Bool }

// NewSwitch returns a Switch in the given state.
func NewSwitch(online bool) *Switch {
	s := &Switch{}
	s.offline.Store(!online)
	return s
}

func (s *Switch) Online() bool    { return !s.offline.Load() }
func (s *Switch) Set(online bool) { s.offline.Store(!online) }

// ProbeOptions configures a Probe.
type ProbeOptions struct {
	// URL is requested with HEAD; any response counts as online.
	URL       string
	Transport http.RoundTripper // nil => http.DefaultTransport
	Interval  time.Duration     // 0 => 15s
	Timeout   time.Duration     // 0 => 3s
	Logger    Logger
}

// Probe polls an URL in the background and reports the last result.
// It starts online.
type Probe struct {
	opts ProbeOptions
	log  Logger
	sw   *Switch

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewProbe starts probing until Close or ctx is done.
func NewProbe(ctx context.Context, opts ProbeOptions) *Probe {
	opts.Transport = coalesce[http.RoundTripper](opts.Transport, http.DefaultTransport)
	opts.Interval = coalesce(opts.Interval, 15*time.Second)
	opts.Timeout = coalesce(opts.Timeout, defaultNetworkTimeout)

	ctx, cancel := context.WithCancel(ctx)
	p := &Probe{
		opts:   opts,
		log:    coalesce[Logger](opts.Logger, NopLogger{}),
		sw:     NewSwitch(true),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.loop(ctx)
	return p
}

func (p *Probe) Online() bool { return p.sw.Online() }

// Close stops the probe and waits for the loop to exit.
func (p *Probe) Close() error {
	p.once.Do(p.cancel)
	<-p.done
	return nil
}

func (p *Probe) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := p.check(ctx)
			if online != p.sw.Online() {
				p.log.Info("connectivity changed", Fields{"online": online, "url": p.opts.URL})
			}
			p.sw.Set(online)
		}
	}
}

func (p *Probe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.opts.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.opts.Transport.RoundTrip(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
