package offgrid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// State is a worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant: install failed or a newer worker took over.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Worker. Registry, Storage and Origin are required.
type Options struct {
	Registry Registry
	Storage  *Storage
	// Origin is the application origin; relative manifest URLs resolve
	// against it.
	Origin   *url.URL
	Manifest []ManifestEntry

	Network      http.RoundTripper // nil => http.DefaultTransport
	Connectivity Connectivity      // nil => AlwaysOnline

	// Rules and Fallback replace DefaultRules when Rules is non-nil.
	Rules    []Rule
	Fallback *Rule

	NetworkTimeout      time.Duration // 0 => 3s
	RefreshTimeout      time.Duration // 0 => 30s; also bounds each precache fetch
	PrecacheConcurrency int           // 0 => 4
	MaxBodyBytes        int64         // 0 => 32 MiB; larger responses are not served from the network

	Logger  Logger
	Hooks   Hooks
	Metrics Metrics
	Clock   func() time.Time
}

// Worker is one version of the offline layer: a registry, the engine bound
// to its partitions and the installer that fills them.
type Worker struct {
	reg       Registry
	storage   *Storage
	manifest  []ManifestEntry
	engine    *Engine
	installer *Installer
	log       Logger
	hooks     Hooks
	metrics   Metrics

	mu     sync.Mutex
	state  State
	report InstallReport
}

// New validates opts and returns a worker in StateParsed.
func New(opts Options) (*Worker, error) {
	if err := opts.Registry.Validate(); err != nil {
		return nil, err
	}
	if opts.Storage == nil {
		return nil, errors.New("offgrid: storage is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("offgrid: absolute origin is required")
	}
	opts.Network = coalesce[http.RoundTripper](opts.Network, http.DefaultTransport)
	opts.Connectivity = coalesce[Connectivity](opts.Connectivity, AlwaysOnline{})
	opts.NetworkTimeout = coalesce(opts.NetworkTimeout, defaultNetworkTimeout)
	opts.RefreshTimeout = coalesce(opts.RefreshTimeout, defaultRefreshTimeout)
	opts.PrecacheConcurrency = coalesce(opts.PrecacheConcurrency, defaultPrecacheConcurrency)
	opts.MaxBodyBytes = coalesce(opts.MaxBodyBytes, defaultMaxBodyBytes)
	opts.Logger = coalesce[Logger](opts.Logger, NopLogger{})
	opts.Hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	opts.Metrics = coalesce[Metrics](opts.Metrics, NopMetrics{})
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	var router *Router
	if opts.Rules != nil {
		fb := Rule{Name: "default", When: Predicate{Kind: MatchAny}, Strategy: CacheFirst, Partition: PurposeStatic}
		if opts.Fallback != nil {
			fb = *opts.Fallback
		}
		router = NewRouter(opts.Rules, fb)
	} else {
		router = NewRouter(DefaultRules(opts.Registry, opts.NetworkTimeout))
	}

	e, err := newEngine(&opts, router)
	if err != nil {
		return nil, err
	}
	origin := *opts.Origin
	origin.Path, origin.RawQuery, origin.Fragment = "/", "", ""
	return &Worker{
		reg:      opts.Registry,
		storage:  opts.Storage,
		manifest: append([]ManifestEntry(nil), opts.Manifest...),
		engine:   e,
		installer: &Installer{
			e:           e,
			reg:         opts.Registry,
			origin:      &origin,
			concurrency: opts.PrecacheConcurrency,
			timeout:     opts.RefreshTimeout,
			log:         opts.Logger,
			hooks:       opts.Hooks,
		},
		log:     opts.Logger,
		hooks:   opts.Hooks,
		metrics: opts.Metrics,
		state:   StateParsed,
	}, nil
}

func (w *Worker) Version() string    { return w.reg.Version }
func (w *Worker) Registry() Registry { return w.reg }
func (w *Worker) Engine() *Engine    { return w.engine }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Report is the result of the last install.
func (w *Worker) Report() InstallReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.report
}

// RoundTrip routes req through the engine.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return w.engine.RoundTrip(req)
}

// Install precaches the manifest and the must-have list. A worker whose
// install failed is redundant; register a new one to retry.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return InstallReport{}, err
	}
	report, err := w.installer.Install(ctx, w.manifest)

	w.mu.Lock()
	w.report = report
	w.mu.Unlock()
	if err != nil {
		w.log.Error("install failed", Fields{"version": w.Version(), "err": err})
		w.setState(StateRedundant)
		return report, err
	}
	w.setState(StateInstalled)
	return report, nil
}

// Activate deletes every partition whose name is not current for this
// version. Deletion errors are returned but do not stop activation; the
// next activation retries them.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	names, err := w.storage.Keys(ctx)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range names {
		if w.reg.IsCurrent(name) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		w.log.Info("deleted stale partition", Fields{"partition": name, "version": w.Version()})
		w.hooks.PartitionDeleted(name)
	}
	w.setState(StateActivated)
	return errors.Join(errs...)
}

// retire makes w redundant and waits for its background refreshes.
func (w *Worker) retire(ctx context.Context) error {
	w.setState(StateRedundant)
	return w.engine.Close(ctx)
}

// Close is retire for hosts that drive a worker without a Container.
func (w *Worker) Close(ctx context.Context) error { return w.retire(ctx) }

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	if w.state != from {
		cur := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (state %s)", ErrInvalidState, from, to, cur)
	}
	w.state = to
	w.mu.Unlock()
	w.hooks.StateChanged(w.Version(), from, to)
	return nil
}

func (w *Worker) setState(to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	if from != to {
		w.hooks.StateChanged(w.Version(), from, to)
	}
}
