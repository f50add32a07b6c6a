package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/helpers/dnsname"
	"github.com/eleven-am/dnssd/internal/helpers/metadata"
	"github.com/eleven-am/dnssd/internal/helpers/netutil"
	"github.com/eleven-am/dnssd/internal/ports"
)

type mdnsServer interface {
	Shutdown() error
}

var (
	mdnsQueryContext = mdns.QueryContext
	newMDNSServer    = func(cfg *mdns.Config) (mdnsServer, error) {
		return mdns.NewServer(cfg)
	}
	localIPs = netutil.LocalIPv4s
)

// MDNSResolver implements ports.Resolver with github.com/hashicorp/mdns.
// That library only offers one-shot queries, so browsing polls and
// remembers what each round returned; resolves of a name seen by a recent
// poll are answered from that cache.
type MDNSResolver struct {
	logger *slog.Logger
	config domain.MDNSConfig

	mu    sync.RWMutex
	cache map[string]domain.ServiceRecord
}

func NewMDNSResolver(config domain.MDNSConfig, logger *slog.Logger) *MDNSResolver {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultMDNSConfig()
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaults.QueryTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}

	return &MDNSResolver{
		logger: logger.With("component", "discovery", "provider", "mdns"),
		config: config,
		cache:  make(map[string]domain.ServiceRecord),
	}
}

func (m *MDNSResolver) Name() string {
	return "mdns"
}

func (m *MDNSResolver) iface() (*net.Interface, error) {
	if m.config.Interface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(m.config.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", m.config.Interface, err)
	}
	return iface, nil
}

func (m *MDNSResolver) Browse(ctx context.Context, query string, onPtr ports.PtrHandler) (ports.Subscription, error) {
	parsed, err := dnsname.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	iface, err := m.iface()
	if err != nil {
		return nil, err
	}

	browseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.browseLoop(browseCtx, parsed, iface, onPtr)
	}()

	m.logger.Debug("browse subscribed", "service", parsed.Service, "domain", parsed.Domain, "interval", m.config.PollInterval)

	var once sync.Once
	return ports.SubscriptionFunc(func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}), nil
}

func (m *MDNSResolver) browseLoop(ctx context.Context, parsed dnsname.ParsedName, iface *net.Interface, onPtr ports.PtrHandler) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	known := make(map[string]struct{})
	for {
		seen := m.poll(ctx, parsed, iface)
		if ctx.Err() != nil {
			return
		}

		// A name is reported when it first appears and again if it comes
		// back after missing a round.
		for name := range seen {
			if _, ok := known[name]; !ok {
				onPtr(name)
			}
		}
		for name := range known {
			if _, ok := seen[name]; !ok {
				m.forget(name)
			}
		}
		known = seen

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MDNSResolver) poll(ctx context.Context, parsed dnsname.ParsedName, iface *net.Interface) map[string]struct{} {
	seen := make(map[string]struct{})
	err := m.query(ctx, parsed, iface, func(entry *mdns.ServiceEntry) bool {
		record := m.toRecord(entry)
		seen[record.Name] = struct{}{}
		m.remember(record)
		return true
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("mdns query failed",
			"service", parsed.Service,
			"unavailable", netutil.IsNetworkUnavailable(err),
			"error", err)
	}
	return seen
}

// query runs one mDNS question for parsed's service type and hands every
// answer to visit until visit returns false.
func (m *MDNSResolver) query(ctx context.Context, parsed dnsname.ParsedName, iface *net.Interface, visit func(*mdns.ServiceEntry) bool) error {
	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *mdns.ServiceEntry, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stopped := false
		for entry := range entries {
			if stopped || entry == nil || entry.Name == "" {
				continue
			}
			if !visit(entry) {
				stopped = true
				cancel()
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:     parsed.Service,
		Domain:      strings.TrimSuffix(parsed.Domain, "."),
		Timeout:     m.config.QueryTimeout,
		Interface:   iface,
		Entries:     entries,
		DisableIPv6: m.config.DisableIPv6,
	}
	err := mdnsQueryContext(queryCtx, params)
	close(entries)
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return networkError(err)
}

func (m *MDNSResolver) remember(record domain.ServiceRecord) {
	m.mu.Lock()
	m.cache[strings.ToLower(record.Name)] = record
	m.mu.Unlock()
}

func (m *MDNSResolver) forget(name string) {
	m.mu.Lock()
	delete(m.cache, strings.ToLower(name))
	m.mu.Unlock()
}

func (m *MDNSResolver) cached(name string) (domain.ServiceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.cache[strings.ToLower(trimDot(name))]
	return record.Clone(), ok
}

func (m *MDNSResolver) Resolve(ctx context.Context, instanceName string, onDone ports.ResolveHandler) (ports.CancelFunc, error) {
	parsed, err := dnsname.ParseInstance(instanceName)
	if err != nil {
		return nil, err
	}
	iface, err := m.iface()
	if err != nil {
		return nil, err
	}

	resolveCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()

		if record, ok := m.cached(instanceName); ok {
			onDone(record, nil)
			return
		}

		var (
			record domain.ServiceRecord
			found  bool
		)
		err := m.query(resolveCtx, parsed, iface, func(entry *mdns.ServiceEntry) bool {
			if !dnsname.Equal(unescapeName(entry.Name), instanceName) {
				return true
			}
			record, found = m.toRecord(entry), true
			return false
		})
		switch {
		case found:
			m.remember(record)
			onDone(record.Clone(), nil)
		case resolveCtx.Err() != nil:
			onDone(domain.ServiceRecord{}, resolveCtx.Err())
		case err != nil:
			onDone(domain.ServiceRecord{}, err)
		default:
			onDone(domain.ServiceRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, instanceName))
		}
	}()

	return ports.CancelFunc(cancel), nil
}

func (m *MDNSResolver) toRecord(entry *mdns.ServiceEntry) domain.ServiceRecord {
	var addrs []string
	if entry.AddrV4 != nil {
		addrs = append(addrs, entry.AddrV4.String())
	}
	if entry.AddrV6 != nil && !m.config.DisableIPv6 {
		addrs = append(addrs, entry.AddrV6.String())
	}

	return domain.ServiceRecord{
		Name:      trimDot(unescapeName(entry.Name)),
		Host:      trimDot(entry.Host),
		Addresses: addrs,
		Port:      uint16(entry.Port),
		TXT:       metadata.Decode(entry.InfoFields),
	}
}

// unescapeName undoes the presentation-format escaping miekg/dns applies to
// labels, so "My\ Printer" comes back as "My Printer".
func unescapeName(name string) string {
	if !strings.Contains(name, `\`) {
		return name
	}
	labels := dns.SplitDomainName(name)
	for i, label := range labels {
		labels[i] = unescapeLabel(label)
	}
	return strings.Join(labels, ".") + "."
}

func unescapeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v := int(label[i+1]-'0')*100 + int(label[i+2]-'0')*10 + int(label[i+3]-'0')
			if v < 256 {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(label[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (m *MDNSResolver) Register(_ context.Context, instance domain.Instance, onDone ports.CompletionHandler) (ports.InstanceHandle, error) {
	parsed, err := dnsname.ParseInstance(instance.Name)
	if err != nil {
		return nil, err
	}
	iface, err := m.iface()
	if err != nil {
		return nil, err
	}

	handle := newAnnouncement(instance.Name)
	inst := instance.Clone()

	go func() {
		server, err := m.announce(parsed, inst, iface)
		if server != nil {
			handle.started(func() {
				if err := server.Shutdown(); err != nil {
					m.logger.Warn("mdns server shutdown failed", "instance", inst.Name, "error", err)
				}
			})
		} else {
			handle.started(nil)
		}
		onDone(err)
	}()
	return handle, nil
}

func (m *MDNSResolver) announce(parsed dnsname.ParsedName, inst domain.Instance, iface *net.Interface) (mdnsServer, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("local addresses: %w", err)
	}
	if len(ips) == 0 {
		return nil, errNoAddress
	}

	service, err := mdns.NewMDNSService(
		parsed.Instance,
		parsed.Service,
		parsed.Domain,
		dnsname.HostName(inst.Host),
		int(inst.Port),
		ips,
		metadata.Encode(inst.TXT),
	)
	if err != nil {
		m.logger.Warn("failed to create mDNS service",
			"instance", inst.Name,
			"host", inst.Host,
			"port", inst.Port,
			"error", err)
		return nil, err
	}

	server, err := newMDNSServer(&mdns.Config{Zone: service, Iface: iface})
	if err != nil {
		m.logger.Warn("failed to create mDNS server", "instance", inst.Name, "error", err)
		return nil, unavailable(err)
	}
	m.logger.Debug("announced", "instance", inst.Name, "host", inst.Host, "port", inst.Port, "addresses", ips)
	return server, nil
}

func (m *MDNSResolver) Deregister(handle ports.InstanceHandle, onDone ports.CompletionHandler) error {
	return withdraw(m.logger, handle, onDone)
}
