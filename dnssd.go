// Package dnssd is a DNS Service Discovery engine for Go applications.
//
// It browses the local network for instances of a service type, resolves
// each one to a host, port, address list and TXT metadata, and announces a
// single local instance. Records are delivered to the consumer on one
// goroutine in the order they resolved; results for a stopped browse are
// never delivered.
//
// Basic usage:
//
//	engine, err := dnssd.New(dnssd.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	engine.StartBrowse(ctx, "_http._tcp.local", func(r dnssd.ServiceRecord) {
//	    log.Printf("found %s at %s:%d", r.Name, r.Host, r.Port)
//	})
//	engine.RegisterService(ctx, "My Site._http._tcp.local", "myhost.local", 8080, nil)
//
// Three backends are available: zeroconf (github.com/grandcat/zeroconf, the
// default), mdns (github.com/hashicorp/mdns) and static, which serves a
// fixed record set and never touches the network.
package dnssd

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eleven-am/dnssd/internal/adapters/discovery"
	"github.com/eleven-am/dnssd/internal/adapters/discovery/metrics"
	"github.com/eleven-am/dnssd/internal/core"
	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/ports"
)

// Engine owns one browse session and one registration over a resolver
// backend.
type Engine = core.Engine

// ServiceRecord is a resolved service instance.
type ServiceRecord = domain.ServiceRecord

// Instance is what RegisterService announces.
type Instance = domain.Instance

// RegistrationState is the registration lifecycle state.
type RegistrationState = domain.RegistrationState

const (
	StateIdle          = domain.StateIdle
	StateRegistering   = domain.StateRegistering
	StateRegistered    = domain.StateRegistered
	StateDeregistering = domain.StateDeregistering
)

// RegistrationEvent describes one registration state transition.
type RegistrationEvent = domain.RegistrationEvent

// DiscoveryError carries the kind, operation and backend of a failure.
type DiscoveryError = domain.DiscoveryError

// ErrorKind classifies a DiscoveryError.
type ErrorKind = domain.ErrorKind

const (
	StartFailure           = domain.StartFailure
	ResolveFailure         = domain.ResolveFailure
	RegisterFailure        = domain.RegisterFailure
	CallbackDuringShutdown = domain.CallbackDuringShutdown
)

var (
	ErrInvalidQuery        = domain.ErrInvalidQuery
	ErrInvalidInstance     = domain.ErrInvalidInstance
	ErrInvalidConfig       = domain.ErrInvalidConfig
	ErrRegistrationPending = domain.ErrRegistrationPending
	ErrSuperseded          = domain.ErrSuperseded
	ErrNotRegistered       = domain.ErrNotRegistered
	ErrEngineClosed        = domain.ErrEngineClosed
	ErrResolverUnavailable = domain.ErrResolverUnavailable
	ErrNotFound            = domain.ErrNotFound
)

// Metrics holds the engine's prometheus collectors.
type Metrics = metrics.Metrics

// Resolver is the backend contract. Custom backends can be passed to
// NewWithResolver.
type Resolver = ports.Resolver

func IsStartFailure(err error) bool    { return domain.IsStartFailure(err) }
func IsResolveFailure(err error) bool  { return domain.IsResolveFailure(err) }
func IsRegisterFailure(err error) bool { return domain.IsRegisterFailure(err) }
func KindOf(err error) ErrorKind       { return domain.KindOf(err) }

// IsCallbackDuringShutdown reports a teardown that gave up waiting for the
// backend, e.g. a Close whose deregister never completed.
func IsCallbackDuringShutdown(err error) bool { return domain.IsCallbackDuringShutdown(err) }

func IsInvalidConfig(err error) bool { return domain.IsInvalidConfig(err) }

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *metrics.Metrics
)

// metricsFor returns collectors registered with the default prometheus
// registry, created once per process.
func metricsFor(cfg *Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	defaultMetricsOnce.Do(func() {
		defaultMetrics = metrics.New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewResolver builds the backend named by cfg.Backend.
func NewResolver(cfg *Config) (Resolver, error) {
	switch cfg.Backend {
	case domain.BackendZeroconf, "":
		return discovery.NewZeroconfResolver(cfg.Zeroconf, cfg.Registration.TTL, cfg.Logger), nil
	case domain.BackendMDNS:
		return discovery.NewMDNSResolver(cfg.MDNS, cfg.Logger), nil
	case domain.BackendStatic:
		return discovery.NewStaticResolver(cfg.Static, cfg.Logger), nil
	default:
		return nil, domain.NewConfigError("backend", fmt.Errorf("unsupported backend %q", cfg.Backend))
	}
}

// New validates cfg and returns an engine over the configured backend.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	resolver, err := NewResolver(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithResolver(cfg, resolver, metricsFor(cfg)), nil
}

// NewWithResolver builds an engine over a caller supplied backend. m may be
// nil.
func NewWithResolver(cfg *Config, resolver Resolver, m *Metrics) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return core.NewEngine(resolver, core.EngineOptions{
		Browse:       cfg.Browse,
		Registration: cfg.Registration,
		Logger:       cfg.Logger,
		Metrics:      m,
	})
}

// NewMetrics registers the engine collectors with reg, for callers that
// keep their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return metrics.New(reg)
}
