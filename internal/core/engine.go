package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/eleven-am/dnssd/internal/adapters/discovery/metrics"
	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/ports"
)

type EngineOptions struct {
	Browse       domain.BrowseConfig
	Registration domain.RegistrationConfig
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Browse:       domain.DefaultBrowseConfig(),
		Registration: domain.DefaultRegistrationConfig(),
	}
}

// Engine is the consumer-facing discovery engine: one browse session and
// one registration over a single resolver. The two halves never share a
// lock.
type Engine struct {
	resolver  ports.Resolver
	browser   *Browser
	registrar *Registrar
	opts      EngineOptions
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewEngine(resolver ports.Resolver, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		resolver: resolver,
		browser: NewBrowser(resolver, BrowserOptions{
			BridgeCapacity: opts.Browse.BridgeCapacity,
			ResolveTimeout: opts.Browse.ResolveTimeout,
			Logger:         logger,
			Metrics:        opts.Metrics,
		}),
		registrar: NewRegistrar(resolver, RegistrarOptions{
			EventCapacity: opts.Registration.EventCapacity,
			Logger:        logger,
			Metrics:       opts.Metrics,
		}),
		opts:   opts,
		logger: logger.With("component", "engine", "adapter", resolver.Name()),
	}
}

func (e *Engine) StartBrowse(ctx context.Context, query string, onRecord func(domain.ServiceRecord)) error {
	return e.browser.StartBrowse(ctx, query, onRecord)
}

func (e *Engine) StopBrowse() {
	e.browser.StopBrowse()
}

func (e *Engine) RegisterService(ctx context.Context, instanceName, hostName string, port uint16, txt map[string]string) error {
	return e.registrar.Register(ctx, domain.Instance{
		Name: instanceName,
		Host: hostName,
		Port: port,
		TXT:  txt,
	})
}

func (e *Engine) Register(ctx context.Context, instance domain.Instance) error {
	return e.registrar.Register(ctx, instance)
}

func (e *Engine) RegisterAndWait(ctx context.Context, instance domain.Instance) error {
	if _, ok := ctx.Deadline(); !ok && e.opts.Registration.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Registration.WaitTimeout)
		defer cancel()
	}
	return e.registrar.RegisterAndWait(ctx, instance)
}

func (e *Engine) DeregisterService() {
	e.registrar.Deregister()
}

func (e *Engine) RegistrationState() domain.RegistrationState {
	return e.registrar.State()
}

func (e *Engine) RegisteredInstance() (domain.Instance, bool) {
	return e.registrar.Current()
}

func (e *Engine) SubscribeRegistration(fn func(domain.RegistrationEvent)) func() {
	return e.registrar.Subscribe(fn)
}

func (e *Engine) Browsing() bool {
	return e.browser.Active()
}

func (e *Engine) ActiveResolves() int {
	return e.browser.ActiveResolves()
}

func (e *Engine) ResolverName() string {
	return e.resolver.Name()
}

// Close stops browsing, cancels outstanding resolves, withdraws the
// registration and releases the resolver. It waits for the deregister
// callback for at most the registration wait timeout.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		timeout := e.opts.Registration.WaitTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var err error
		err = multierr.Append(err, e.browser.Close())
		err = multierr.Append(err, e.registrar.Close(ctx))
		if closer, ok := e.resolver.(ports.ResolverCloser); ok {
			err = multierr.Append(err, closer.Close())
		}
		e.closeErr = err

		switch {
		case domain.IsCallbackDuringShutdown(err):
			e.logger.Warn("engine closed before the backend confirmed the deregister", "timeout", timeout, "error", err)
		case err != nil:
			e.logger.Warn("engine closed with errors", "error", err)
		default:
			e.logger.Info("engine closed")
		}
	})
	return e.closeErr
}
