package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/eleven-am/dnssd/internal/adapters/discovery/metrics"
	"github.com/eleven-am/dnssd/internal/bridge"
	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/ports"
)

type RegistrarOptions struct {
	EventCapacity int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// request is one caller's wish to announce an instance, plus whoever is
// waiting to hear how it went.
type request struct {
	instance domain.Instance
	waiters  []chan error
}

func (r *request) resolve(err error) {
	for _, w := range r.waiters {
		w <- err
	}
	r.waiters = nil
}

type regOpKind int

const (
	opRegister regOpKind = iota
	opDeregister
)

// regOp is the register or deregister call currently in flight. Completion
// callbacks carry its id; any other id is stale.
type regOp struct {
	id   uuid.UUID
	kind regOpKind
	req  *request

	// Register may call back before it returns the handle.
	issued    bool
	completed bool
	result    error
	handle    ports.InstanceHandle
}

// Registrar owns at most one announced instance. The resolver's completion
// callback is the only thing that moves it out of Registering or
// Deregistering.
type Registrar struct {
	resolver ports.Resolver
	adapter  string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	baseCtx  context.Context

	mu                  sync.Mutex
	state               domain.RegistrationState
	current             *request
	handle              ports.InstanceHandle
	op                  *regOp
	pending             *request
	deregisterRequested bool
	idleWaiters         []chan struct{}
	closed              bool

	events *bridge.Bridge[domain.RegistrationEvent]

	obsMu     sync.RWMutex
	observers map[uuid.UUID]func(domain.RegistrationEvent)
}

func NewRegistrar(resolver ports.Resolver, opts RegistrarOptions) *Registrar {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registrar{
		resolver:  resolver,
		adapter:   resolver.Name(),
		logger:    logger.With("component", "registrar", "adapter", resolver.Name()),
		metrics:   opts.Metrics,
		baseCtx:   context.Background(),
		state:     domain.StateIdle,
		observers: make(map[uuid.UUID]func(domain.RegistrationEvent)),
	}
	r.events = bridge.New(r.dispatch, bridge.Options{
		Name:     "registration",
		Capacity: opts.EventCapacity,
		Logger:   r.logger,
		OnDrop: func(reason bridge.DropReason, n int) {
			r.metrics.BridgeDropped("registration", string(reason), n)
		},
	})
	return r
}

// Subscribe registers fn for every transition, in order, on the event
// delivery goroutine. The returned func removes it.
func (r *Registrar) Subscribe(fn func(domain.RegistrationEvent)) func() {
	id := uuid.New()
	r.obsMu.Lock()
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Registrar) dispatch(event domain.RegistrationEvent) {
	r.obsMu.RLock()
	observers := make([]func(domain.RegistrationEvent), 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.obsMu.RUnlock()

	for _, fn := range observers {
		fn(event)
	}
}

// Register announces instance. From Idle it is issued at once; from
// Registered the current instance is deregistered first and instance is
// issued when that completes. While Registering it is rejected.
func (r *Registrar) Register(ctx context.Context, instance domain.Instance) error {
	return r.register(ctx, &request{instance: instance.Clone()})
}

// RegisterAndWait is Register followed by waiting until the instance is
// Registered (nil) or its registration fails.
func (r *Registrar) RegisterAndWait(ctx context.Context, instance domain.Instance) error {
	done := make(chan error, 1)
	req := &request{instance: instance.Clone(), waiters: []chan error{done}}
	if err := r.register(ctx, req); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register_wait", ctx.Err())
	}
}

func (r *Registrar) register(ctx context.Context, req *request) error {
	if err := req.instance.Validate(); err != nil {
		return domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register", domain.ErrEngineClosed)
	}

	switch r.state {
	case domain.StateIdle:
		op := r.beginRegisterLocked(req)
		r.mu.Unlock()
		return r.issueRegister(op)

	case domain.StateRegistering:
		r.mu.Unlock()
		r.logger.Debug("register rejected while a registration is pending", "instance", req.instance.Name)
		return domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register", domain.ErrRegistrationPending)

	case domain.StateRegistered:
		r.pending = req
		op, handle := r.beginDeregisterLocked()
		r.mu.Unlock()
		r.issueDeregister(op, handle)
		return nil

	default:
		r.replacePendingLocked(req)
		r.mu.Unlock()
		return nil
	}
}

// Deregister withdraws the announced instance. It is a no-op when nothing
// is announced or a deregister is already running.
func (r *Registrar) Deregister() {
	r.mu.Lock()
	switch r.state {
	case domain.StateRegistering:
		r.deregisterRequested = true
		r.mu.Unlock()

	case domain.StateRegistered:
		op, handle := r.beginDeregisterLocked()
		r.mu.Unlock()
		r.issueDeregister(op, handle)

	case domain.StateDeregistering:
		r.replacePendingLocked(nil)
		r.mu.Unlock()

	default:
		r.mu.Unlock()
	}
}

func (r *Registrar) replacePendingLocked(req *request) {
	if r.pending != nil {
		r.pending.resolve(domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register", domain.ErrSuperseded))
	}
	r.pending = req
}

func (r *Registrar) beginRegisterLocked(req *request) *regOp {
	op := &regOp{id: uuid.New(), kind: opRegister, req: req}
	r.op = op
	r.current = req
	r.transitionLocked(domain.StateRegistering, nil)
	return op
}

func (r *Registrar) beginDeregisterLocked() (*regOp, ports.InstanceHandle) {
	op := &regOp{id: uuid.New(), kind: opDeregister, req: r.current}
	r.op = op
	r.transitionLocked(domain.StateDeregistering, nil)
	return op, r.handle
}

func (r *Registrar) issueRegister(op *regOp) error {
	opID := op.id
	handle, err := r.resolver.Register(r.baseCtx, op.req.instance, func(err error) {
		r.onRegisterComplete(opID, err)
	})

	r.mu.Lock()
	if err != nil {
		wrapped := domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register", err)
		if r.op == op {
			// There is no handle to keep, so a completion that already
			// reported success still ends in failure.
			if !op.completed || op.result == nil {
				op.result = err
			}
			op.completed = true
			r.finishRegisterLocked(op)
		}
		r.mu.Unlock()
		r.logger.Warn("register could not be issued", "instance", op.req.instance.Name, "error", err)
		return wrapped
	}

	op.issued = true
	op.handle = handle
	var next func()
	if r.op == op && op.completed {
		next = r.finishRegisterLocked(op)
	}
	r.mu.Unlock()

	if next != nil {
		next()
	}
	return nil
}

func (r *Registrar) onRegisterComplete(opID uuid.UUID, err error) {
	r.mu.Lock()
	op := r.op
	if op == nil || op.id != opID || op.kind != opRegister || op.completed {
		r.mu.Unlock()
		r.stale("register", opID)
		return
	}
	op.completed = true
	op.result = err
	if !op.issued {
		r.mu.Unlock()
		return
	}
	next := r.finishRegisterLocked(op)
	r.mu.Unlock()

	if next != nil {
		next()
	}
}

// finishRegisterLocked applies a completed register and returns the
// follow-up call to make once the lock is released, if any.
func (r *Registrar) finishRegisterLocked(op *regOp) func() {
	r.op = nil

	if op.result != nil {
		wrapped := domain.NewDiscoveryError(domain.RegisterFailure, r.adapter, "register", op.result)
		r.current = nil
		r.handle = nil
		r.deregisterRequested = false
		r.transitionLocked(domain.StateIdle, wrapped)
		op.req.resolve(wrapped)
		r.logger.Warn("registration failed", "instance", op.req.instance.Name, "error", op.result)
		return nil
	}

	r.handle = op.handle
	r.transitionLocked(domain.StateRegistered, nil)
	op.req.resolve(nil)
	r.logger.Info("service registered", "instance", op.req.instance.Name, "port", op.req.instance.Port)

	if r.deregisterRequested {
		r.deregisterRequested = false
		dereg, handle := r.beginDeregisterLocked()
		return func() { r.issueDeregister(dereg, handle) }
	}
	return nil
}

func (r *Registrar) issueDeregister(op *regOp, handle ports.InstanceHandle) {
	opID := op.id
	err := r.resolver.Deregister(handle, func(err error) {
		r.onDeregisterComplete(opID, err)
	})
	if err == nil {
		return
	}

	r.logger.Warn("deregister could not be issued", "error", err)
	// Nothing will call back; the handle is gone as far as we can tell.
	r.mu.Lock()
	if r.op != op {
		r.mu.Unlock()
		return
	}
	next := r.finishDeregisterLocked(err)
	r.mu.Unlock()
	if next != nil {
		next()
	}
}

func (r *Registrar) onDeregisterComplete(opID uuid.UUID, err error) {
	r.mu.Lock()
	op := r.op
	if op == nil || op.id != opID || op.kind != opDeregister {
		r.mu.Unlock()
		r.stale("deregister", opID)
		return
	}
	next := r.finishDeregisterLocked(err)
	r.mu.Unlock()

	if next != nil {
		next()
	}
}

func (r *Registrar) finishDeregisterLocked(err error) func() {
	name := ""
	if r.current != nil {
		name = r.current.instance.Name
	}
	r.op = nil
	r.handle = nil
	r.current = nil
	r.transitionLocked(domain.StateIdle, err)
	r.logger.Info("service deregistered", "instance", name, "error", err)

	if r.pending == nil || r.closed {
		r.replacePendingLocked(nil)
		return nil
	}
	req := r.pending
	r.pending = nil
	op := r.beginRegisterLocked(req)
	return func() { _ = r.issueRegister(op) }
}

func (r *Registrar) transitionLocked(to domain.RegistrationState, err error) {
	from := r.state
	if !domain.CanTransition(from, to) {
		r.logger.Error("illegal registration transition", "from", from, "to", to)
	}
	r.state = to

	var instance domain.Instance
	if r.current != nil {
		instance = r.current.instance.Clone()
	}
	r.metrics.Transition(from.String(), to.String())
	r.events.Send(domain.RegistrationEvent{From: from, To: to, Instance: instance, Err: err})

	if to == domain.StateIdle {
		for _, w := range r.idleWaiters {
			close(w)
		}
		r.idleWaiters = nil
	}
}

func (r *Registrar) stale(kind string, opID uuid.UUID) {
	r.metrics.StaleCallback(kind)
	r.logger.Debug("stale completion ignored",
		"op", opID,
		"error", domain.NewDiscoveryError(domain.CallbackDuringShutdown, r.adapter, kind, domain.ErrStaleCallback))
}

func (r *Registrar) State() domain.RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Current returns the announced instance while Registered.
func (r *Registrar) Current() (domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.StateRegistered || r.current == nil {
		return domain.Instance{}, false
	}
	return r.current.instance.Clone(), true
}

// Close rejects further registrations, withdraws any announced instance
// and waits, bounded by ctx, for the machine to reach Idle.
func (r *Registrar) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed && r.state == domain.StateIdle {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.replacePendingLocked(nil)

	var wait chan struct{}
	if r.state != domain.StateIdle {
		wait = make(chan struct{})
		r.idleWaiters = append(r.idleWaiters, wait)
	}

	var next func()
	switch r.state {
	case domain.StateRegistering:
		r.deregisterRequested = true
	case domain.StateRegistered:
		op, handle := r.beginDeregisterLocked()
		next = func() { r.issueDeregister(op, handle) }
	}
	r.mu.Unlock()

	if next != nil {
		next()
	}

	var err error
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			err = domain.NewDiscoveryError(domain.CallbackDuringShutdown, r.adapter, "close", ctx.Err())
		}
	}
	r.events.Close()
	return err
}
