package dnssd

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/eleven-am/dnssd/internal/adapters/discovery"
	"github.com/eleven-am/dnssd/internal/adapters/storage"
	"github.com/eleven-am/dnssd/internal/domain"
)

type Identity = domain.Identity

type PeerCandidate = domain.PeerCandidate

type CandidateEvent = domain.CandidateEvent

type CandidateEventType = domain.CandidateEventType

const (
	CandidateFound        = domain.CandidateFound
	CandidateUpdated      = domain.CandidateUpdated
	LocalAddressesChanged = domain.LocalAddressesChanged
)

// Peers announces this device and tracks the peers advertising the same
// service type. It owns its engine and identity store.
type Peers struct {
	*discovery.Manager

	engine *Engine
	store  *storage.BadgerStore
}

// NewPeers opens the identity store, creating the device identity on first
// run, and wires a candidate manager over a new engine. port is what Hello
// will advertise.
func NewPeers(cfg *Config, port uint16) (*Peers, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Identity, cfg.Logger)
	if err != nil {
		return nil, err
	}
	identity, err := store.LoadOrCreate(domain.Identity{
		DeviceName: cfg.Identity.DeviceName,
		IconKey:    cfg.Identity.IconKey,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("load identity: %w", err), store.Close())
	}

	engine, err := New(cfg)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	mgr, err := discovery.NewManager(engine, identity, discovery.ManagerOptions{
		Service:    cfg.Service,
		Candidates: cfg.Candidates,
		Port:       port,
		Cache:      store,
		Logger:     cfg.Logger,
		Metrics:    metricsFor(cfg),
	})
	if err != nil {
		return nil, multierr.Combine(err, engine.Close(), store.Close())
	}

	return &Peers{Manager: mgr, engine: engine, store: store}, nil
}

// Run announces and starts browsing.
func (p *Peers) Run(ctx context.Context) error {
	if err := p.Hello(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

func (p *Peers) Engine() *Engine {
	return p.engine
}

// Close says goodbye, waits for the withdrawal and releases the store.
func (p *Peers) Close() error {
	p.Goodbye()
	p.Manager.Close()
	return multierr.Combine(p.engine.Close(), p.store.Close())
}
