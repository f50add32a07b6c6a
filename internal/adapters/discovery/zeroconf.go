package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/helpers/dnsname"
	"github.com/eleven-am/dnssd/internal/helpers/metadata"
	"github.com/eleven-am/dnssd/internal/helpers/netutil"
	"github.com/eleven-am/dnssd/internal/ports"
)

type zeroconfClient interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfServer interface {
	Shutdown()
	TTL(ttl uint32)
}

// Swapped in tests. A zeroconf client closes its sockets when its context
// ends, so every browse and lookup gets its own.
var (
	newZeroconfClient = func(opts ...zeroconf.ClientOption) (zeroconfClient, error) {
		return zeroconf.NewResolver(opts...)
	}
	zeroconfRegisterProxy = func(instance, service, domain string, port int, host string, ips, text []string, ifaces []net.Interface) (zeroconfServer, error) {
		return zeroconf.RegisterProxy(instance, service, domain, port, host, ips, text, ifaces)
	}
	localIPv4s = netutil.LocalIPv4Strings
)

// ZeroconfResolver is the default ports.Resolver, backed by
// github.com/grandcat/zeroconf.
type ZeroconfResolver struct {
	logger *slog.Logger
	config domain.ZeroconfConfig
	ttl    uint32
}

func NewZeroconfResolver(config domain.ZeroconfConfig, ttl uint32, logger *slog.Logger) *ZeroconfResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZeroconfResolver{
		logger: logger.With("component", "discovery", "provider", "zeroconf"),
		config: config,
		ttl:    ttl,
	}
}

func (z *ZeroconfResolver) Name() string {
	return "zeroconf"
}

func (z *ZeroconfResolver) interfaces() ([]net.Interface, error) {
	if len(z.config.Interfaces) == 0 {
		return nil, nil
	}
	ifaces := make([]net.Interface, 0, len(z.config.Interfaces))
	for _, name := range z.config.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", name, err)
		}
		ifaces = append(ifaces, *iface)
	}
	return ifaces, nil
}

func (z *ZeroconfResolver) client() (zeroconfClient, error) {
	var ipType zeroconf.IPType = zeroconf.IPv4AndIPv6
	if z.config.IPv4Only {
		ipType = zeroconf.IPv4
	}
	opts := []zeroconf.ClientOption{zeroconf.SelectIPTraffic(ipType)}

	ifaces, err := z.interfaces()
	if err != nil {
		return nil, err
	}
	if len(ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	client, err := newZeroconfClient(opts...)
	if err != nil {
		return nil, unavailable(err)
	}
	return client, nil
}

func (z *ZeroconfResolver) Browse(ctx context.Context, query string, onPtr ports.PtrHandler) (ports.Subscription, error) {
	parsed, err := dnsname.ParseQuery(query)
	if err != nil {
		return nil, err
	}

	client, err := z.client()
	if err != nil {
		return nil, fmt.Errorf("zeroconf client: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := client.Browse(browseCtx, parsed.Service, zeroconfDomain(parsed.Domain), entries); err != nil {
		cancel()
		return nil, networkError(err)
	}

	// zeroconf closes entries once browseCtx ends. Keep draining until then
	// so its receive loop never blocks on a send.
	go func() {
		for entry := range entries {
			if entry == nil || browseCtx.Err() != nil {
				continue
			}
			onPtr(trimDot(entry.ServiceInstanceName()))
		}
	}()

	z.logger.Debug("browse subscribed", "service", parsed.Service, "domain", parsed.Domain)

	var once sync.Once
	return ports.SubscriptionFunc(func() { once.Do(cancel) }), nil
}

func (z *ZeroconfResolver) Resolve(ctx context.Context, instanceName string, onDone ports.ResolveHandler) (ports.CancelFunc, error) {
	parsed, err := dnsname.ParseInstance(instanceName)
	if err != nil {
		return nil, err
	}

	client, err := z.client()
	if err != nil {
		return nil, fmt.Errorf("zeroconf client: %w", err)
	}

	lookupCtx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := client.Lookup(lookupCtx, parsed.Instance, parsed.Service, zeroconfDomain(parsed.Domain), entries); err != nil {
		cancel()
		return nil, networkError(err)
	}

	go func() {
		defer func() {
			cancel()
			for range entries {
			}
		}()
		select {
		case entry, ok := <-entries:
			if !ok || entry == nil {
				onDone(domain.ServiceRecord{}, lookupFailure(lookupCtx, instanceName))
				return
			}
			onDone(z.toRecord(entry), nil)
		case <-lookupCtx.Done():
			onDone(domain.ServiceRecord{}, lookupFailure(lookupCtx, instanceName))
		}
	}()

	return ports.CancelFunc(cancel), nil
}

func lookupFailure(ctx context.Context, instanceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrNotFound, instanceName)
}

func (z *ZeroconfResolver) toRecord(entry *zeroconf.ServiceEntry) domain.ServiceRecord {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	if !z.config.IPv4Only {
		for _, ip := range entry.AddrIPv6 {
			addrs = append(addrs, ip.String())
		}
	}

	return domain.ServiceRecord{
		Name:      trimDot(entry.ServiceInstanceName()),
		Host:      trimDot(entry.HostName),
		Addresses: addrs,
		Port:      uint16(entry.Port),
		TXT:       metadata.Decode(entry.Text),
	}
}

// Register returns at once; the announcement is set up on its own
// goroutine and onDone reports the outcome.
func (z *ZeroconfResolver) Register(_ context.Context, instance domain.Instance, onDone ports.CompletionHandler) (ports.InstanceHandle, error) {
	parsed, err := dnsname.ParseInstance(instance.Name)
	if err != nil {
		return nil, err
	}
	ifaces, err := z.interfaces()
	if err != nil {
		return nil, err
	}

	handle := newAnnouncement(instance.Name)
	inst := instance.Clone()

	go func() {
		server, err := z.announce(parsed, inst, ifaces)
		if server != nil {
			// Shutdown sends the goodbye packets before closing sockets.
			handle.started(server.Shutdown)
		} else {
			handle.started(nil)
		}
		onDone(err)
	}()
	return handle, nil
}

func (z *ZeroconfResolver) announce(parsed dnsname.ParsedName, inst domain.Instance, ifaces []net.Interface) (zeroconfServer, error) {
	ips, err := localIPv4s()
	if err != nil {
		return nil, fmt.Errorf("local addresses: %w", err)
	}
	if len(ips) == 0 {
		return nil, errNoAddress
	}

	server, err := zeroconfRegisterProxy(
		parsed.Instance,
		parsed.Service,
		zeroconfDomain(parsed.Domain),
		int(inst.Port),
		trimDot(inst.Host),
		ips,
		metadata.Encode(inst.TXT),
		ifaces,
	)
	if err != nil {
		err = networkError(err)
		z.logger.Warn("announce failed",
			"instance", inst.Name,
			"port", inst.Port,
			"unavailable", errors.Is(err, domain.ErrResolverUnavailable),
			"error", err)
		return nil, err
	}
	if z.ttl > 0 {
		server.TTL(z.ttl)
	}
	z.logger.Debug("announced", "instance", inst.Name, "host", inst.Host, "port", inst.Port, "addresses", ips)
	return server, nil
}

func (z *ZeroconfResolver) Deregister(handle ports.InstanceHandle, onDone ports.CompletionHandler) error {
	return withdraw(z.logger, handle, onDone)
}

// zeroconf appends the domain to host names that lack it by suffix match,
// so it must be given without the trailing dot.
func zeroconfDomain(d string) string {
	return trimDot(d)
}

func trimDot(s string) string {
	return strings.TrimSuffix(s, ".")
}
