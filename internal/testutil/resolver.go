package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/ports"
)

// FakeResolver is a ports.Resolver whose callbacks fire only when a test
// says so. Unless AutoAck is set, register and deregister completions are
// also manual.
type FakeResolver struct {
	mu sync.Mutex

	BrowseErr     error
	ResolveErr    map[string]error
	RegisterErr   error
	DeregisterErr error
	// AutoAck completes register/deregister calls successfully on a new
	// goroutine. FailRegister names instances whose registration fails.
	AutoAck      bool
	FailRegister map[string]error
	// CompleteOnCancel makes a resolve's cancel token fire its handler
	// with context.Canceled.
	CompleteOnCancel bool

	subs        []*FakeSubscription
	resolves    []*FakeResolve
	registers   []*FakeRegistration
	deregisters []*FakeRegistration
	handleSeq   atomic.Int64

	BrowseCalls  atomic.Int64
	ResolveCalls atomic.Int64
}

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		ResolveErr:   make(map[string]error),
		FailRegister: make(map[string]error),
	}
}

func (f *FakeResolver) Name() string { return "fake" }

type FakeSubscription struct {
	Query     string
	onPtr     ports.PtrHandler
	cancelled atomic.Bool
}

func (s *FakeSubscription) Cancel() { s.cancelled.Store(true) }

func (s *FakeSubscription) Cancelled() bool { return s.cancelled.Load() }

type FakeResolve struct {
	Instance  string
	ctx       context.Context
	onDone    ports.ResolveHandler
	fired     atomic.Bool
	cancelled atomic.Bool
}

// Complete fires the handler once; later calls report false.
func (r *FakeResolve) Complete(record domain.ServiceRecord, err error) bool {
	if !r.fired.CompareAndSwap(false, true) {
		return false
	}
	r.onDone(record, err)
	return true
}

func (r *FakeResolve) Cancelled() bool { return r.cancelled.Load() }

func (r *FakeResolve) Done() bool { return r.fired.Load() }

func (r *FakeResolve) Context() context.Context { return r.ctx }

type FakeHandle struct {
	ID   int64
	Name string
}

func (h *FakeHandle) InstanceName() string { return h.Name }

type FakeRegistration struct {
	Instance domain.Instance
	Handle   *FakeHandle
	onDone   ports.CompletionHandler
	fired    atomic.Bool
}

func (r *FakeRegistration) Complete(err error) bool {
	if !r.fired.CompareAndSwap(false, true) {
		return false
	}
	r.onDone(err)
	return true
}

func (r *FakeRegistration) Done() bool { return r.fired.Load() }

// Fire invokes the handler even if it already ran, like a resolver that
// reports the same completion twice.
func (r *FakeRegistration) Fire(err error) {
	r.fired.Store(true)
	r.onDone(err)
}

func (f *FakeResolver) Browse(ctx context.Context, query string, onPtr ports.PtrHandler) (ports.Subscription, error) {
	f.BrowseCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BrowseErr != nil {
		return nil, f.BrowseErr
	}
	sub := &FakeSubscription{Query: query, onPtr: onPtr}
	f.subs = append(f.subs, sub)
	go func() {
		<-ctx.Done()
		sub.Cancel()
	}()
	return sub, nil
}

func (f *FakeResolver) Resolve(ctx context.Context, instanceName string, onDone ports.ResolveHandler) (ports.CancelFunc, error) {
	f.ResolveCalls.Add(1)
	f.mu.Lock()
	if err := f.ResolveErr[instanceName]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	res := &FakeResolve{Instance: instanceName, ctx: ctx, onDone: onDone}
	f.resolves = append(f.resolves, res)
	completeOnCancel := f.CompleteOnCancel
	f.mu.Unlock()

	return func() {
		res.cancelled.Store(true)
		if completeOnCancel {
			go res.Complete(domain.ServiceRecord{}, context.Canceled)
		}
	}, nil
}

func (f *FakeResolver) Register(_ context.Context, instance domain.Instance, onDone ports.CompletionHandler) (ports.InstanceHandle, error) {
	f.mu.Lock()
	if f.RegisterErr != nil {
		err := f.RegisterErr
		f.mu.Unlock()
		return nil, err
	}
	reg := &FakeRegistration{
		Instance: instance.Clone(),
		Handle:   &FakeHandle{ID: f.handleSeq.Add(1), Name: instance.Name},
		onDone:   onDone,
	}
	f.registers = append(f.registers, reg)
	autoAck := f.AutoAck
	failErr := f.FailRegister[instance.Name]
	f.mu.Unlock()

	if autoAck {
		go reg.Complete(failErr)
	}
	return reg.Handle, nil
}

func (f *FakeResolver) Deregister(handle ports.InstanceHandle, onDone ports.CompletionHandler) error {
	h, ok := handle.(*FakeHandle)
	if !ok {
		return errors.New("fake: foreign instance handle")
	}

	f.mu.Lock()
	if f.DeregisterErr != nil {
		err := f.DeregisterErr
		f.mu.Unlock()
		return err
	}
	var inst domain.Instance
	for _, reg := range f.registers {
		if reg.Handle == h {
			inst = reg.Instance
		}
	}
	dereg := &FakeRegistration{Instance: inst, Handle: h, onDone: onDone}
	f.deregisters = append(f.deregisters, dereg)
	autoAck := f.AutoAck
	f.mu.Unlock()

	if autoAck {
		go dereg.Complete(nil)
	}
	return nil
}

// EmitPtr delivers instanceName to every live subscription on the calling
// goroutine and reports how many received it.
func (f *FakeResolver) EmitPtr(instanceName string) int {
	f.mu.Lock()
	subs := make([]*FakeSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		if !s.Cancelled() {
			subs = append(subs, s)
		}
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.onPtr(instanceName)
	}
	return len(subs)
}

// EmitPtrTo delivers to a subscription even if it was cancelled, the way a
// late callback from a real resolver would.
func (f *FakeResolver) EmitPtrTo(sub *FakeSubscription, instanceName string) {
	sub.onPtr(instanceName)
}

func (f *FakeResolver) Subscriptions() []*FakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSubscription(nil), f.subs...)
}

func (f *FakeResolver) LiveSubscriptions() int {
	n := 0
	for _, s := range f.Subscriptions() {
		if !s.Cancelled() {
			n++
		}
	}
	return n
}

func (f *FakeResolver) Resolves() []*FakeResolve {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeResolve(nil), f.resolves...)
}

// PendingResolve returns the oldest unfired resolve for instanceName.
func (f *FakeResolver) PendingResolve(instanceName string) *FakeResolve {
	for _, r := range f.Resolves() {
		if r.Instance == instanceName && !r.Done() {
			return r
		}
	}
	return nil
}

func (f *FakeResolver) Registrations() []*FakeRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeRegistration(nil), f.registers...)
}

func (f *FakeResolver) Deregistrations() []*FakeRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeRegistration(nil), f.deregisters...)
}

// LastRegistration returns the most recent register call, or nil.
func (f *FakeResolver) LastRegistration() *FakeRegistration {
	regs := f.Registrations()
	if len(regs) == 0 {
		return nil
	}
	return regs[len(regs)-1]
}

func (f *FakeResolver) LastDeregistration() *FakeRegistration {
	deregs := f.Deregistrations()
	if len(deregs) == 0 {
		return nil
	}
	return deregs[len(deregs)-1]
}

// DeregisterCount is how many times handle was passed to Deregister.
func (f *FakeResolver) DeregisterCount(handle *FakeHandle) int {
	n := 0
	for _, d := range f.Deregistrations() {
		if d.Handle == handle {
			n++
		}
	}
	return n
}
