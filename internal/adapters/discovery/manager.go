package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eleven-am/dnssd/internal/adapters/discovery/metrics"
	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/helpers/metadata"
	"github.com/eleven-am/dnssd/internal/helpers/netutil"
	"github.com/eleven-am/dnssd/internal/ports"
)

// Engine is the part of core.Engine the manager drives.
type Engine interface {
	StartBrowse(ctx context.Context, query string, onRecord func(domain.ServiceRecord)) error
	StopBrowse()
	RegisterService(ctx context.Context, instanceName, hostName string, port uint16, txt map[string]string) error
	DeregisterService()
}

type ManagerOptions struct {
	Service    domain.ServiceConfig
	Candidates domain.CandidateConfig
	// Port is what Hello advertises.
	Port     uint16
	Hostname string
	// Cache, when set, remembers peer addresses across runs.
	Cache   ports.AddressCache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// AcceptLoopback reports our own announcement as a candidate too.
	AcceptLoopback bool
}

// Manager turns discovered records into peer candidates: it announces the
// local identity, validates what it browses and fans the results out to
// subscribers.
type Manager struct {
	engine   Engine
	identity domain.Identity
	opts     ManagerOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	candidates *lru.Cache[string, domain.PeerCandidate]
	localAddrs []string
	browsing   bool

	subscribersMu  sync.RWMutex
	subscribers    map[int]chan domain.CandidateEvent
	nextSubscriber int
	closed         bool
}

func NewManager(engine Engine, identity domain.Identity, opts ManagerOptions) (*Manager, error) {
	if identity.Fingerprint == "" {
		return nil, fmt.Errorf("%w: identity has no fingerprint", domain.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Candidates.MaxEntries <= 0 {
		opts.Candidates = domain.DefaultCandidateConfig()
	}
	if opts.Service.Type == "" {
		opts.Service = domain.DefaultServiceConfig()
	}
	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "dnssd"
		}
		opts.Hostname = host
	}

	m := &Manager{
		engine:      engine,
		identity:    identity,
		opts:        opts,
		logger:      opts.Logger.With("component", "discovery", "subcomponent", "manager"),
		metrics:     opts.Metrics,
		subscribers: make(map[int]chan domain.CandidateEvent),
	}

	cache, err := lru.NewWithEvict(opts.Candidates.MaxEntries, func(fpt string, _ domain.PeerCandidate) {
		m.logger.Debug("candidate evicted", "fingerprint", fpt)
	})
	if err != nil {
		return nil, err
	}
	m.candidates = cache
	return m, nil
}

func (m *Manager) hostLabel() string {
	label, _, _ := strings.Cut(m.opts.Hostname, ".")
	if label == "" {
		return "dnssd"
	}
	return label
}

// deviceLabel is the identity's device name made safe for a DNS-SD
// instance label, or the host label when the name is empty.
func (m *Manager) deviceLabel() string {
	label := strings.Map(func(r rune) rune {
		switch r {
		case '.', '\\':
			return '-'
		}
		return r
	}, strings.TrimSpace(m.identity.DeviceName))
	if label == "" {
		return m.hostLabel()
	}
	return label
}

// InstanceName is "<device>-<fpt[:8]>.<_type>.<_proto>.<domain>".
func (m *Manager) InstanceName() string {
	fpt := m.identity.Fingerprint
	if len(fpt) > 8 {
		fpt = fpt[:8]
	}
	return fmt.Sprintf("%s-%s.%s", m.deviceLabel(), fpt, m.opts.Service.Query())
}

func (m *Manager) announceTXT() map[string]string {
	version := m.opts.Service.Version
	if version == "" {
		version = "dev"
	}
	return map[string]string{
		domain.TXTVersion:     version,
		domain.TXTIconKey:     m.identity.IconKey,
		domain.TXTDeviceName:  m.identity.DeviceName,
		domain.TXTFingerprint: m.identity.Fingerprint,
	}
}

// Hello advertises this device.
func (m *Manager) Hello(ctx context.Context) error {
	name := m.InstanceName()
	host := m.hostLabel() + ".local"
	if err := m.engine.RegisterService(ctx, name, host, m.opts.Port, m.announceTXT()); err != nil {
		return err
	}
	m.logger.Info("announcing", "instance", name, "host", host, "port", m.opts.Port)
	return nil
}

// Start refreshes the local address list and begins browsing for peers.
func (m *Manager) Start(ctx context.Context) error {
	if addrs, err := localIPv4s(); err != nil {
		m.logger.Warn("could not list local addresses", "error", err)
	} else {
		m.updateLocalAddresses(addrs)
	}

	if err := m.engine.StartBrowse(ctx, m.opts.Service.Query(), m.onRecord); err != nil {
		return err
	}

	m.mu.Lock()
	m.browsing = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) reject(record domain.ServiceRecord, reason string) {
	m.metrics.CandidateRejected(reason)
	m.logger.Warn("ignoring service", "instance", record.Name, "reason", reason, "txt", record.TXT)
}

func (m *Manager) onRecord(record domain.ServiceRecord) {
	if missing := metadata.Missing(record.TXT, domain.TXTFingerprint, domain.TXTDeviceName, domain.TXTIconKey); len(missing) > 0 {
		m.logger.Debug("service is missing required TXT keys", "instance", record.Name, "missing", missing)
		m.reject(record, "missing_txt")
		return
	}
	fpt := record.TXT[domain.TXTFingerprint]
	name := record.TXT[domain.TXTDeviceName]
	icon := record.TXT[domain.TXTIconKey]

	addrs := netutil.FilterIPv4(record.Addresses)
	if len(addrs) == 0 {
		m.reject(record, "no_ipv4")
		return
	}

	if fpt == m.identity.Fingerprint {
		m.updateLocalAddresses(addrs)
		if !m.opts.AcceptLoopback {
			return
		}
	} else {
		m.cacheAddresses(fpt, addrs, record.Port)
	}

	candidate := domain.PeerCandidate{
		Fingerprint:    fpt,
		DeviceName:     name,
		IconKey:        icon,
		Version:        record.TXT[domain.TXTVersion],
		Instance:       record.Name,
		Host:           addrs[0],
		Port:           record.Port,
		Addresses:      addrs,
		ConnectionType: domain.ConnectionLocal,
		SeenAt:         time.Now(),
	}

	m.mu.Lock()
	prev, existed := m.candidates.Peek(fpt)
	m.candidates.Add(fpt, candidate)
	count := m.candidates.Len()
	m.mu.Unlock()
	m.metrics.SetCandidates(count)

	switch {
	case !existed:
		m.logger.Debug("candidate found", "fingerprint", fpt, "device", name, "host", candidate.Host)
		m.broadcast(domain.CandidateEvent{Type: domain.CandidateFound, Candidate: candidate})
	case candidateChanged(prev, candidate):
		m.broadcast(domain.CandidateEvent{Type: domain.CandidateUpdated, Candidate: candidate})
	}
}

func candidateChanged(a, b domain.PeerCandidate) bool {
	return a.Host != b.Host ||
		a.Port != b.Port ||
		a.DeviceName != b.DeviceName ||
		a.IconKey != b.IconKey ||
		a.Instance != b.Instance ||
		!slices.Equal(a.Addresses, b.Addresses)
}

// updateLocalAddresses keeps the private IPv4 addresses from addrs. An
// empty result leaves the previous list alone.
func (m *Manager) updateLocalAddresses(addrs []string) {
	var usable []string
	for _, a := range netutil.FilterIPv4(addrs) {
		if netutil.IsPrivateIPv4(a) {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		m.logger.Warn("no usable local addresses", "addresses", addrs)
		return
	}

	m.mu.Lock()
	changed := !slices.Equal(m.localAddrs, usable)
	m.localAddrs = usable
	m.mu.Unlock()

	if changed {
		m.broadcast(domain.CandidateEvent{Type: domain.LocalAddressesChanged, Addresses: slices.Clone(usable)})
	}
}

// matchHost returns our address that shares a network with one of addrs.
func (m *Manager) matchHost(addrs []string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, local := range m.localAddrs {
		for _, a := range addrs {
			if netutil.IsSameNetwork(local, a) {
				return local
			}
		}
	}
	return ""
}

func (m *Manager) cacheAddresses(fpt string, addrs []string, port uint16) {
	if m.opts.Cache == nil {
		return
	}
	host := m.matchHost(addrs)
	if host == "" {
		m.logger.Debug("no local interface matches peer, not caching", "fingerprint", fpt, "addresses", addrs)
		return
	}
	err := m.opts.Cache.PutAddresses(domain.CachedAddresses{
		Fingerprint: fpt,
		Addresses:   slices.Clone(addrs),
		HostAddress: host,
		Port:        port,
	})
	if err != nil {
		m.logger.Warn("failed to cache peer addresses", "fingerprint", fpt, "error", err)
	}
}

// Candidates lists the peers seen in the current browse session.
func (m *Manager) Candidates() []domain.PeerCandidate {
	m.mu.RLock()
	values := m.candidates.Values()
	m.mu.RUnlock()

	out := make([]domain.PeerCandidate, 0, len(values))
	for _, c := range values {
		c.Addresses = slices.Clone(c.Addresses)
		out = append(out, c)
	}
	return out
}

// Candidate looks fpt up in the current session, then in the address
// cache. A cached entry is only returned while the local address it was
// matched against still belongs to us.
func (m *Manager) Candidate(fpt string) (domain.PeerCandidate, bool) {
	m.mu.RLock()
	c, ok := m.candidates.Get(fpt)
	m.mu.RUnlock()
	if ok {
		c.Addresses = slices.Clone(c.Addresses)
		return c, true
	}
	return m.cachedCandidate(fpt)
}

func (m *Manager) cachedCandidate(fpt string) (domain.PeerCandidate, bool) {
	if m.opts.Cache == nil {
		return domain.PeerCandidate{}, false
	}
	entry, err := m.opts.Cache.GetAddresses(fpt)
	if err != nil {
		if !domain.IsNotFound(err) {
			m.logger.Warn("address cache lookup failed", "fingerprint", fpt, "error", err)
		}
		return domain.PeerCandidate{}, false
	}
	if len(entry.Addresses) == 0 {
		return domain.PeerCandidate{}, false
	}

	m.mu.RLock()
	current := slices.Contains(m.localAddrs, entry.HostAddress)
	m.mu.RUnlock()
	if !current {
		m.logger.Debug("dropping cached addresses from another network", "fingerprint", fpt, "host_address", entry.HostAddress)
		if err := m.opts.Cache.DeleteAddresses(fpt); err != nil {
			m.logger.Warn("failed to delete cached addresses", "fingerprint", fpt, "error", err)
		}
		return domain.PeerCandidate{}, false
	}

	return domain.PeerCandidate{
		Fingerprint:    fpt,
		Host:           entry.Addresses[0],
		Port:           entry.Port,
		Addresses:      slices.Clone(entry.Addresses),
		ConnectionType: domain.ConnectionLocal,
		SeenAt:         entry.SeenAt,
	}, true
}

func (m *Manager) LocalAddresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.localAddrs)
}

func (m *Manager) Identity() domain.Identity {
	return m.identity
}

// Subscribe returns a channel of candidate events. Events are dropped for
// a subscriber whose buffer is full.
func (m *Manager) Subscribe() (<-chan domain.CandidateEvent, func()) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()

	ch := make(chan domain.CandidateEvent, m.opts.Candidates.SubscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSubscriber
	m.nextSubscriber++
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { m.removeSubscriber(id) })
	}
}

func (m *Manager) broadcast(event domain.CandidateEvent) {
	m.subscribersMu.RLock()
	defer m.subscribersMu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- cloneEvent(event):
		default:
			m.metrics.BridgeDropped("candidates", "full", 1)
			m.logger.Debug("subscriber full, dropping candidate event", "type", event.Type.String())
		}
	}
}

func cloneEvent(e domain.CandidateEvent) domain.CandidateEvent {
	e.Candidate.Addresses = slices.Clone(e.Candidate.Addresses)
	e.Addresses = slices.Clone(e.Addresses)
	return e
}

func (m *Manager) removeSubscriber(id int) {
	m.subscribersMu.Lock()
	ch, ok := m.subscribers[id]
	if ok {
		delete(m.subscribers, id)
	}
	m.subscribersMu.Unlock()

	if ok {
		close(ch)
	}
}

// Stop ends browsing and forgets the session's candidates. The
// announcement, if any, stays up.
func (m *Manager) Stop() {
	m.engine.StopBrowse()

	m.mu.Lock()
	m.browsing = false
	m.candidates.Purge()
	m.mu.Unlock()
	m.metrics.SetCandidates(0)
}

// Goodbye withdraws the announcement and stops browsing.
func (m *Manager) Goodbye() {
	m.engine.DeregisterService()
	m.Stop()
	m.logger.Info("goodbye", "instance", m.InstanceName())
}

// Close stops the manager and closes every subscriber channel.
func (m *Manager) Close() {
	m.Stop()

	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	m.closed = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *Manager) Browsing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browsing
}

// TXT returns a copy of the TXT map Hello announces.
func (m *Manager) TXT() map[string]string {
	return m.announceTXT()
}
