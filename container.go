package offgrid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// UpdatePolicy decides how a freshly installed worker takes over.
type UpdatePolicy struct {
	// SkipWaiting activates a new worker right after install instead of
	// leaving it waiting for SkipWaiting to be called.
	SkipWaiting bool
	// ClaimClients puts clients that have no controller under the new
	// worker at activation. Controlled clients always follow the active
	// worker.
	ClaimClients bool
}

// DefaultUpdatePolicy takes over immediately.
func DefaultUpdatePolicy() UpdatePolicy {
	return UpdatePolicy{SkipWaiting: true, ClaimClients: true}
}

// EventKind is the type of a container Event.
type EventKind int

const (
	// EventUpdateAvailable: a worker installed and is waiting.
	EventUpdateAvailable EventKind = iota
	// EventInstallFailed: Register failed; the active worker is unchanged.
	EventInstallFailed
	// EventActivated: a worker became active.
	EventActivated
	// EventControllerChange: a client changed controller.
	EventControllerChange
)

func (k EventKind) String() string {
	switch k {
	case EventUpdateAvailable:
		return "update-available"
	case EventInstallFailed:
		return "install-failed"
	case EventActivated:
		return "activated"
	case EventControllerChange:
		return "controller-change"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind    EventKind
	Version string
	Client  string // EventControllerChange only
	Err     error  // EventInstallFailed only
}

// ContainerOptions configures a Container.
type ContainerOptions struct {
	Policy      *UpdatePolicy     // nil => DefaultUpdatePolicy
	Network     http.RoundTripper // used by uncontrolled clients; nil => http.DefaultTransport
	EventBuffer int               // 0 => 16
	Logger      Logger
}

// Container is the registration surface of one scope: it holds the active
// and waiting workers and the clients they control.
type Container struct {
	policy  UpdatePolicy
	network http.RoundTripper
	log     Logger
	events  chan Event

	reg sync.Mutex // serializes Register and SkipWaiting

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	clients map[string]*Client
	closed  bool
}

func NewContainer(opts ContainerOptions) *Container {
	policy := DefaultUpdatePolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	return &Container{
		policy:  policy,
		network: coalesce[http.RoundTripper](opts.Network, http.DefaultTransport),
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		events:  make(chan Event, coalesce(opts.EventBuffer, defaultEventBuffer)),
		clients: make(map[string]*Client),
	}
}

// Register installs w. On failure the active worker keeps control and the
// error is an *InstallError; registering another worker of the same version
// retries. On success w activates at once when there is no active worker or
// the policy skips waiting, otherwise it waits and EventUpdateAvailable is
// emitted.
func (c *Container) Register(ctx context.Context, w *Worker) error {
	c.reg.Lock()
	defer c.reg.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	for _, cur := range []*Worker{c.active, c.waiting} {
		if cur != nil && cur.Version() == w.Version() {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, w.Version())
		}
	}
	hasActive := c.active != nil
	c.mu.Unlock()

	if _, err := w.Install(ctx); err != nil {
		ierr := &InstallError{Version: w.Version(), Err: err}
		c.emit(Event{Kind: EventInstallFailed, Version: w.Version(), Err: ierr})
		return ierr
	}

	if !hasActive || c.policy.SkipWaiting {
		return c.activate(ctx, w)
	}

	c.mu.Lock()
	prev := c.waiting
	c.waiting = w
	c.mu.Unlock()
	if prev != nil {
		_ = prev.retire(ctx)
	}
	c.log.Info("worker waiting", Fields{"version": w.Version()})
	c.emit(Event{Kind: EventUpdateAvailable, Version: w.Version()})
	return nil
}

// RegisterRetry registers workers from build until one installs. After a
// failed install it waits, doubling the delay from first up to limit, and then
// tries again with a fresh worker. A worker of the same version that is
// already active or waiting counts as success. Errors other than an
// *InstallError end the loop, as does ctx.
func (c *Container) RegisterRetry(ctx context.Context, build func() (*Worker, error), first, limit time.Duration) error {
	delay := coalesce(first, time.Second)
	limit = coalesce(limit, 5*time.Minute)
	for attempt := 1; ; attempt++ {
		w, err := build()
		if err != nil {
			return err
		}
		err = c.Register(ctx, w)
		var ierr *InstallError
		switch {
		case err == nil, errors.Is(err, ErrAlreadyRegistered):
			return nil
		case !errors.As(err, &ierr):
			return err
		}
		_ = w.Close(ctx)
		c.log.Warn("install failed, retrying", Fields{"version": w.Version(), "attempt": attempt, "in": delay.String(), "err": err})

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, limit)
	}
}

// SkipWaiting activates the waiting worker.
func (c *Container) SkipWaiting(ctx context.Context) error {
	c.reg.Lock()
	defer c.reg.Unlock()

	c.mu.Lock()
	w := c.waiting
	c.mu.Unlock()
	if w == nil {
		return ErrNoWaitingWorker
	}
	return c.activate(ctx, w)
}

func (c *Container) activate(ctx context.Context, w *Worker) error {
	err := w.Activate(ctx)
	if err != nil {
		c.log.Warn("activation incomplete", Fields{"version": w.Version(), "err": err})
	}

	c.mu.Lock()
	prev := c.active
	c.active = w
	if c.waiting == w {
		c.waiting = nil
	}
	var changed []string
	for id, cl := range c.clients {
		if cl.swap(w, c.policy.ClaimClients) {
			changed = append(changed, id)
		}
	}
	c.mu.Unlock()

	if prev != nil {
		_ = prev.retire(ctx)
	}
	c.log.Info("worker activated", Fields{"version": w.Version(), "clients": len(changed)})
	c.emit(Event{Kind: EventActivated, Version: w.Version()})
	sort.Strings(changed)
	for _, id := range changed {
		c.emit(Event{Kind: EventControllerChange, Version: w.Version(), Client: id})
	}
	return err
}

// Active returns the worker controlling new clients, or nil.
func (c *Container) Active() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Waiting returns the installed worker waiting for SkipWaiting, or nil.
func (c *Container) Waiting() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Events delivers lifecycle events. Events are dropped when nobody reads
// and the buffer is full.
func (c *Container) Events() <-chan Event { return c.events }

// Connect returns the client called id, creating it under the active
// worker. A client connected before any activation stays uncontrolled until
// claimed or reloaded.
func (c *Container) Connect(id string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[id]; ok {
		return cl
	}
	cl := &Client{id: id, c: c, controller: c.active}
	c.clients[id] = cl
	return cl
}

func (c *Container) Disconnect(id string) {
	c.mu.Lock()
	delete(c.clients, id)
	c.mu.Unlock()
}

// Close retires every worker and stops accepting registrations.
func (c *Container) Close(ctx context.Context) error {
	c.reg.Lock()
	defer c.reg.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := []*Worker{c.active, c.waiting}
	c.active, c.waiting = nil, nil
	for _, cl := range c.clients {
		cl.swap(nil, false)
	}
	c.mu.Unlock()

	var first error
	for _, w := range ws {
		if w == nil {
			continue
		}
		if err := w.retire(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Container) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event dropped", Fields{"kind": ev.Kind.String(), "version": ev.Version})
	}
}

// Client is one application instance (a tab). Its requests go through its
// controlling worker, or straight to the network when it has none.
type Client struct {
	id string
	c  *Container

	mu         sync.Mutex
	controller *Worker
}

var _ http.RoundTripper = (*Client)(nil)

func (cl *Client) ID() string { return cl.id }

func (cl *Client) Controller() *Worker {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.controller
}

func (cl *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	if w := cl.Controller(); w != nil {
		return w.RoundTrip(req)
	}
	return cl.c.network.RoundTrip(req)
}

// HTTPClient returns an *http.Client whose transport is cl.
func (cl *Client) HTTPClient() *http.Client { return &http.Client{Transport: cl} }

// Reload puts the client under the active worker, like a page reload.
func (cl *Client) Reload() {
	w := cl.c.Active()
	cl.mu.Lock()
	cl.controller = w
	cl.mu.Unlock()
}

// swap moves a controlled client (or any client when claim is set) to w and
// reports whether the controller changed.
func (cl *Client) swap(w *Worker, claim bool) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.controller == w || (cl.controller == nil && !claim) {
		return false
	}
	cl.controller = w
	return true
}
