package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/helpers/dnsname"
	"github.com/eleven-am/dnssd/internal/ports"
)

// StaticResolver serves a fixed record set plus whatever is registered on
// it. It never touches the network, which makes it the backend for tests
// and for hosts where multicast is unavailable. Every callback still runs
// on its own goroutine, after Latency.
type StaticResolver struct {
	logger  *slog.Logger
	latency time.Duration

	mu         sync.RWMutex
	records    map[string]domain.ServiceRecord
	registered map[string]*staticHandle
	subs       map[uuid.UUID]*staticSub
}

type staticSub struct {
	query  string
	ctx    context.Context
	onPtr  ports.PtrHandler
	cancel context.CancelFunc
}

type staticHandle struct {
	name    string
	removed bool
}

func (h *staticHandle) InstanceName() string {
	return h.name
}

func NewStaticResolver(config domain.StaticConfig, logger *slog.Logger) *StaticResolver {
	if logger == nil {
		logger = slog.Default()
	}
	s := &StaticResolver{
		logger:     logger.With("component", "discovery", "provider", "static"),
		latency:    config.Latency,
		records:    make(map[string]domain.ServiceRecord, len(config.Records)),
		registered: make(map[string]*staticHandle),
		subs:       make(map[uuid.UUID]*staticSub),
	}
	for _, r := range config.Records {
		r = r.Clone()
		r.Name = trimDot(r.Name)
		s.records[key(r.Name)] = r
	}
	return s
}

func (s *StaticResolver) Name() string {
	return "static"
}

func key(name string) string {
	return strings.ToLower(trimDot(name))
}

// after runs fn on a new goroutine once the configured latency passes, or
// runs nothing if ctx ends first.
func (s *StaticResolver) after(ctx context.Context, fn func()) {
	go func() {
		if s.latency > 0 {
			timer := time.NewTimer(s.latency)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		fn()
	}()
}

func inQuery(parsed dnsname.ParsedName, query string) bool {
	return dnsname.Equal(parsed.Query(), query)
}

func (s *StaticResolver) Browse(ctx context.Context, query string, onPtr ports.PtrHandler) (ports.Subscription, error) {
	parsed, err := dnsname.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	query = parsed.Query()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &staticSub{query: query, ctx: subCtx, onPtr: onPtr, cancel: cancel}
	id := uuid.New()

	s.mu.Lock()
	s.subs[id] = sub
	names := s.namesLocked(query)
	s.mu.Unlock()

	for _, name := range names {
		s.after(subCtx, func() { onPtr(name) })
	}

	return ports.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		cancel()
	}), nil
}

func (s *StaticResolver) namesLocked(query string) []string {
	var names []string
	for _, r := range s.records {
		parsed, err := dnsname.ParseInstance(r.Name)
		if err == nil && inQuery(parsed, query) {
			names = append(names, r.Name)
		}
	}
	return names
}

func (s *StaticResolver) Resolve(ctx context.Context, instanceName string, onDone ports.ResolveHandler) (ports.CancelFunc, error) {
	if _, err := dnsname.ParseInstance(instanceName); err != nil {
		return nil, err
	}

	resolveCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	finish := func(r domain.ServiceRecord, err error) {
		once.Do(func() { onDone(r, err) })
	}

	go func() {
		<-resolveCtx.Done()
		finish(domain.ServiceRecord{}, resolveCtx.Err())
	}()
	s.after(resolveCtx, func() {
		s.mu.RLock()
		r, ok := s.records[key(instanceName)]
		s.mu.RUnlock()
		if !ok {
			finish(domain.ServiceRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, instanceName))
		} else {
			finish(r.Clone(), nil)
		}
		cancel()
	})

	return ports.CancelFunc(cancel), nil
}

// Register publishes instance to this resolver's own browsers. Addresses
// are not known for a static registration, so the record carries none.
func (s *StaticResolver) Register(_ context.Context, instance domain.Instance, onDone ports.CompletionHandler) (ports.InstanceHandle, error) {
	parsed, err := dnsname.ParseInstance(instance.Name)
	if err != nil {
		return nil, err
	}

	name := trimDot(instance.Name)
	handle := &staticHandle{name: instance.Name}
	record := domain.ServiceRecord{
		Name: name,
		Host: trimDot(instance.Host),
		Port: instance.Port,
		TXT:  instance.Clone().TXT,
	}

	s.after(context.Background(), func() {
		s.mu.Lock()
		if handle.removed {
			s.mu.Unlock()
			onDone(nil)
			return
		}
		s.records[key(name)] = record
		s.registered[key(name)] = handle
		var targets []*staticSub
		for _, sub := range s.subs {
			if inQuery(parsed, sub.query) {
				targets = append(targets, sub)
			}
		}
		s.mu.Unlock()

		s.logger.Debug("registered", "instance", name, "port", instance.Port)
		onDone(nil)
		for _, sub := range targets {
			if sub.ctx.Err() == nil {
				sub.onPtr(name)
			}
		}
	})
	return handle, nil
}

func (s *StaticResolver) Deregister(handle ports.InstanceHandle, onDone ports.CompletionHandler) error {
	h, ok := handle.(*staticHandle)
	if !ok || h == nil {
		return fmt.Errorf("%w: foreign instance handle", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	if h.removed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s already deregistered", domain.ErrNotRegistered, h.name)
	}
	h.removed = true
	k := key(h.name)
	if s.registered[k] == h {
		delete(s.registered, k)
		delete(s.records, k)
	}
	s.mu.Unlock()

	s.after(context.Background(), func() {
		s.logger.Debug("deregistered", "instance", h.name)
		onDone(nil)
	})
	return nil
}

// Records lists every record the resolver would answer for, registered
// instances included.
func (s *StaticResolver) Records() []domain.ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ServiceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out
}
