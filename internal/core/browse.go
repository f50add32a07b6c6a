package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/dnssd/internal/adapters/discovery/metrics"
	"github.com/eleven-am/dnssd/internal/bridge"
	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/helpers/dnsname"
	"github.com/eleven-am/dnssd/internal/ports"
)

type BrowserOptions struct {
	BridgeCapacity int
	ResolveTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type browseSession struct {
	id     uuid.UUID
	query  string
	active bool
	sub    ports.Subscription
	cancel context.CancelFunc
	out    *bridge.Bridge[domain.ServiceRecord]
}

// Browser runs at most one browse session at a time and turns each PTR
// discovery into one resolve. Resolver callbacks find their session and
// resolve op by id, so callbacks for torn down sessions are no-ops.
type Browser struct {
	resolver ports.Resolver
	adapter  string
	opts     BrowserOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// ctrl serializes consumer calls; resolver callbacks never take it.
	ctrl sync.Mutex

	// mu guards session, resolves and closed.
	mu       sync.Mutex
	session  *browseSession
	resolves map[uuid.UUID]*resolveOp
	closed   bool
}

func NewBrowser(resolver ports.Resolver, opts BrowserOptions) *Browser {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = domain.DefaultBrowseConfig().ResolveTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		resolver:   resolver,
		adapter:    resolver.Name(),
		opts:       opts,
		logger:     logger.With("component", "browser", "adapter", resolver.Name()),
		metrics:    opts.Metrics,
		baseCtx:    ctx,
		baseCancel: cancel,
		resolves:   make(map[uuid.UUID]*resolveOp),
	}
}

// StartBrowse stops any running session, then subscribes to query. Records
// are handed to onRecord one at a time on the session's delivery goroutine.
// ctx bounds the subscription; cancelling it ends discovery but the session
// stays active until StopBrowse.
func (b *Browser) StartBrowse(ctx context.Context, query string, onRecord func(domain.ServiceRecord)) error {
	if onRecord == nil {
		return domain.NewDiscoveryError(domain.StartFailure, b.adapter, "start_browse", domain.ErrInvalidInput)
	}
	if _, err := dnsname.ParseQuery(query); err != nil {
		b.metrics.BrowseStarted(b.adapter, "rejected")
		return domain.NewDiscoveryError(domain.StartFailure, b.adapter, "start_browse", err)
	}

	b.ctrl.Lock()
	defer b.ctrl.Unlock()

	b.stopLocked()

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &browseSession{
		id:     uuid.New(),
		query:  query,
		active: true,
		cancel: cancel,
	}
	sess.out = bridge.New(onRecord, bridge.Options{
		Name:     "browse",
		Capacity: b.opts.BridgeCapacity,
		Logger:   b.logger,
		OnDrop: func(reason bridge.DropReason, n int) {
			b.metrics.BridgeDropped("browse", string(reason), n)
		},
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sess.out.Close()
		cancel()
		return domain.NewDiscoveryError(domain.StartFailure, b.adapter, "start_browse", domain.ErrEngineClosed)
	}
	// Installed before the subscription exists: PTR callbacks may fire
	// before Browse returns.
	b.session = sess
	b.mu.Unlock()

	sessionID := sess.id
	sub, err := b.resolver.Browse(sessCtx, query, func(instanceName string) {
		b.onPtrDiscovered(sessionID, instanceName)
	})
	if err != nil {
		b.mu.Lock()
		sess.active = false
		b.session = nil
		b.mu.Unlock()
		sess.out.Close()
		cancel()

		b.metrics.BrowseStarted(b.adapter, "failed")
		b.logger.Warn("browse subscription rejected", "query", query, "error", err)
		return domain.NewDiscoveryError(domain.StartFailure, b.adapter, "start_browse", err)
	}

	b.mu.Lock()
	sess.sub = sub
	b.mu.Unlock()

	b.metrics.BrowseStarted(b.adapter, "started")
	b.logger.Info("browse started", "query", query, "session", sessionID)
	return nil
}

// StopBrowse ends the current session. Resolves already in flight run to
// completion but their results are discarded. Safe to call when idle.
func (b *Browser) StopBrowse() {
	b.ctrl.Lock()
	defer b.ctrl.Unlock()
	b.stopLocked()
}

func (b *Browser) stopLocked() {
	b.mu.Lock()
	sess := b.session
	if sess == nil {
		b.mu.Unlock()
		return
	}
	sess.active = false
	b.session = nil
	sub := sess.sub
	b.mu.Unlock()

	sess.out.Close()
	if sub != nil {
		sub.Cancel()
	}
	sess.cancel()

	b.logger.Info("browse stopped", "query", sess.query, "session", sess.id)
}

func (b *Browser) onPtrDiscovered(sessionID uuid.UUID, instanceName string) {
	op := newResolveOp(b.baseCtx, sessionID, instanceName, b.opts.ResolveTimeout)

	b.mu.Lock()
	sess := b.session
	if b.closed || sess == nil || !sess.active || sess.id != sessionID {
		b.mu.Unlock()
		op.release()
		b.metrics.Discovery(b.adapter, "inactive")
		b.logger.Debug("discovery after session end dropped", "instance", instanceName, "session", sessionID)
		return
	}
	b.resolves[op.id] = op
	b.mu.Unlock()

	b.metrics.ResolveIssued()
	opID := op.id
	cancel, err := b.resolver.Resolve(op.ctx, op.query, func(record domain.ServiceRecord, err error) {
		b.onResolveComplete(opID, record, err)
	})
	if err != nil {
		b.mu.Lock()
		_, present := b.resolves[opID]
		delete(b.resolves, opID)
		b.mu.Unlock()

		if present {
			op.release()
			b.metrics.ResolveDone(b.adapter, "issue_failed", op.started)
		}
		b.metrics.Discovery(b.adapter, "resolve_rejected")
		b.logger.Debug("resolve could not be issued", "instance", instanceName, "error", err)
		return
	}

	b.mu.Lock()
	if _, present := b.resolves[opID]; present {
		op.cancel = cancel
	}
	b.mu.Unlock()
	b.metrics.Discovery(b.adapter, "resolving")
}

func (b *Browser) onResolveComplete(opID uuid.UUID, record domain.ServiceRecord, err error) {
	b.mu.Lock()
	op, ok := b.resolves[opID]
	if !ok {
		b.mu.Unlock()
		b.metrics.StaleCallback("resolve")
		b.logger.Debug("completion for unknown resolve ignored", "op", opID)
		return
	}
	delete(b.resolves, opID)

	sess := b.session
	inSession := sess != nil && sess.active && sess.id == op.session
	delivered := false
	if inSession && err == nil {
		// The send happens under mu so StopBrowse cannot slip in between the
		// active check and the enqueue.
		delivered = sess.out.Send(record.Clone())
	}
	b.mu.Unlock()

	op.release()
	result := resolveResult(err, inSession, delivered)
	b.metrics.ResolveDone(b.adapter, result, op.started)

	switch result {
	case "failed":
		b.logger.Debug("resolve failed",
			"instance", op.query,
			"error", domain.NewDiscoveryError(domain.ResolveFailure, b.adapter, "resolve", err))
	case "discarded":
		b.metrics.StaleCallback("resolve_after_stop")
		b.logger.Debug("resolve completed after session end", "instance", op.query, "session", op.session)
	}
}

// ActiveResolves is the number of resolves issued and not yet completed,
// across the current and any stopped sessions.
func (b *Browser) ActiveResolves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resolves)
}

func (b *Browser) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil && b.session.active
}

func (b *Browser) Query() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return b.session.query
}

// Close stops the session and asks the resolver to cancel every
// outstanding resolve. Further StartBrowse calls fail.
func (b *Browser) Close() error {
	b.ctrl.Lock()
	defer b.ctrl.Unlock()

	b.stopLocked()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	teardowns := make([]func(), 0, len(b.resolves))
	for _, op := range b.resolves {
		teardowns = append(teardowns, op.teardown())
	}
	b.mu.Unlock()

	for _, teardown := range teardowns {
		teardown()
	}
	b.baseCancel()

	b.logger.Debug("browser closed", "cancelled_resolves", len(teardowns))
	return nil
}
