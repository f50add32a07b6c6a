package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/testutil"
)

func stubMDNSQuery(t *testing.T, fn func(context.Context, *mdns.QueryParam) error) {
	t.Helper()

	original := mdnsQueryContext
	mdnsQueryContext = fn
	t.Cleanup(func() {
		mdnsQueryContext = original
	})
}

type fakeMDNSServer struct {
	shutdown atomic.Int32
}

func (s *fakeMDNSServer) Shutdown() error {
	s.shutdown.Add(1)
	return nil
}

func stubMDNSServer(t *testing.T) (*fakeMDNSServer, chan *mdns.Config) {
	t.Helper()
	server := &fakeMDNSServer{}
	configs := make(chan *mdns.Config, 4)

	origServer, origIPs := newMDNSServer, localIPs
	newMDNSServer = func(cfg *mdns.Config) (mdnsServer, error) {
		configs <- cfg
		return server, nil
	}
	localIPs = func() ([]net.IP, error) { return []net.IP{net.ParseIP("192.168.1.10").To4()}, nil }
	t.Cleanup(func() {
		newMDNSServer, localIPs = origServer, origIPs
	})
	return server, configs
}

func newTestMDNS(t *testing.T) *MDNSResolver {
	return NewMDNSResolver(domain.MDNSConfig{
		DisableIPv6:  true,
		QueryTimeout: 50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, testutil.Logger(t))
}

func printerEntry() *mdns.ServiceEntry {
	return &mdns.ServiceEntry{
		Name:       `Office\ Printer._svc._tcp.local.`,
		Host:       "printer.local.",
		AddrV4:     net.ParseIP("192.168.1.50"),
		Port:       9100,
		InfoFields: []string{"model=LaserX"},
	}
}

func TestMDNSResolverName(t *testing.T) {
	assert.Equal(t, "mdns", newTestMDNS(t).Name())
}

func TestMDNSBrowseReportsNewNamesOnce(t *testing.T) {
	var visible atomic.Bool
	visible.Store(true)
	var queries atomic.Int32

	stubMDNSQuery(t, func(ctx context.Context, params *mdns.QueryParam) error {
		queries.Add(1)
		if params.Service != "_svc._tcp" || params.Domain != "local" {
			return errors.New("unexpected query")
		}
		if !params.DisableIPv6 {
			return errors.New("ipv6 should be disabled")
		}
		if visible.Load() {
			params.Entries <- printerEntry()
		}
		return nil
	})

	var mu sync.Mutex
	var names []string
	m := newTestMDNS(t)
	sub, err := m.Browse(context.Background(), "_svc._tcp.local", func(name string) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(names)
	}

	require.Eventually(t, func() bool { return queries.Load() >= 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, count())
	mu.Lock()
	assert.Equal(t, "Office Printer._svc._tcp.local", names[0])
	mu.Unlock()

	// Missing a round and coming back reports the name again.
	visible.Store(false)
	seen := queries.Load()
	require.Eventually(t, func() bool { return queries.Load() >= seen+2 }, time.Second, 2*time.Millisecond)
	visible.Store(true)
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 2*time.Millisecond)
}

func TestMDNSBrowseCancelStopsPolling(t *testing.T) {
	var queries atomic.Int32
	stubMDNSQuery(t, func(ctx context.Context, params *mdns.QueryParam) error {
		queries.Add(1)
		return nil
	})

	sub, err := newTestMDNS(t).Browse(context.Background(), "_svc._tcp.local", func(string) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return queries.Load() >= 1 }, time.Second, 2*time.Millisecond)

	sub.Cancel()
	sub.Cancel()
	after := queries.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, queries.Load())
}

func TestMDNSBrowseRejectsInstanceName(t *testing.T) {
	_, err := newTestMDNS(t).Browse(context.Background(), "Printer._svc._tcp.local", func(string) {})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestMDNSResolveQueriesAndMatches(t *testing.T) {
	stubMDNSQuery(t, func(ctx context.Context, params *mdns.QueryParam) error {
		params.Entries <- &mdns.ServiceEntry{Name: "Other._svc._tcp.local.", Port: 1}
		params.Entries <- printerEntry()
		return nil
	})

	type result struct {
		record domain.ServiceRecord
		err    error
	}
	done := make(chan result, 1)
	_, err := newTestMDNS(t).Resolve(context.Background(), "Office Printer._svc._tcp.local.", func(r domain.ServiceRecord, err error) {
		done <- result{r, err}
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "Office Printer._svc._tcp.local", res.record.Name)
		assert.Equal(t, "printer.local", res.record.Host)
		assert.Equal(t, []string{"192.168.1.50"}, res.record.Addresses)
		assert.EqualValues(t, 9100, res.record.Port)
		assert.Equal(t, map[string]string{"model": "LaserX"}, res.record.TXT)
	case <-time.After(time.Second):
		t.Fatal("resolve did not complete")
	}
}

func TestMDNSResolveNotFound(t *testing.T) {
	stubMDNSQuery(t, func(ctx context.Context, params *mdns.QueryParam) error {
		return nil
	})

	done := make(chan error, 1)
	_, err := newTestMDNS(t).Resolve(context.Background(), "Ghost._svc._tcp.local", func(_ domain.ServiceRecord, err error) {
		done <- err
	})
	require.NoError(t, err)
	assert.ErrorIs(t, waitErr(t, done), domain.ErrNotFound)
}

func TestMDNSResolveQueryError(t *testing.T) {
	boom := errors.New("socket closed")
	stubMDNSQuery(t, func(ctx context.Context, params *mdns.QueryParam) error {
		return boom
	})

	done := make(chan error, 1)
	_, err := newTestMDNS(t).Resolve(context.Background(), "Ghost._svc._tcp.local", func(_ domain.ServiceRecord, err error) {
		done <- err
	})
	require.NoError(t, err)
	got := waitErr(t, done)
	assert.ErrorIs(t, got, boom)
	assert.NotErrorIs(t, got, domain.ErrResolverUnavailable)
}

func TestMDNSResolveCancel(t *testing.T) {
	stubMDNSQuery(t, func(ctx context.Context, params *mdns.QueryParam) error {
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	cancel, err := newTestMDNS(t).Resolve(context.Background(), "Ghost._svc._tcp.local", func(_ domain.ServiceRecord, err error) {
		done <- err
	})
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestMDNSResolveUsesBrowseCache(t *testing.T) {
	var queries atomic.Int32
	stubMDNSQuery(t, func(ctx context.Context, params *mdns.QueryParam) error {
		queries.Add(1)
		params.Entries <- printerEntry()
		return nil
	})

	m := newTestMDNS(t)
	m.config.PollInterval = time.Hour
	names := make(chan string, 1)
	sub, err := m.Browse(context.Background(), "_svc._tcp.local", func(name string) { names <- name })
	require.NoError(t, err)
	defer sub.Cancel()

	var name string
	select {
	case name = <-names:
	case <-time.After(time.Second):
		t.Fatal("browse reported nothing")
	}
	require.EqualValues(t, 1, queries.Load())

	done := make(chan domain.ServiceRecord, 1)
	_, err = m.Resolve(context.Background(), name, func(r domain.ServiceRecord, err error) {
		assert.NoError(t, err)
		done <- r
	})
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.EqualValues(t, 9100, r.Port)
	case <-time.After(time.Second):
		t.Fatal("resolve did not complete")
	}
	assert.EqualValues(t, 1, queries.Load())
}

func TestMDNSRegisterAndDeregister(t *testing.T) {
	server, configs := stubMDNSServer(t)
	m := newTestMDNS(t)

	done := make(chan error, 1)
	handle, err := m.Register(context.Background(), domain.Instance{
		Name: "Self._svc._tcp.local",
		Host: "host",
		Port: 8080,
		TXT:  map[string]string{"ver": "1"},
	}, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, waitErr(t, done))

	cfg := <-configs
	svc, ok := cfg.Zone.(*mdns.MDNSService)
	require.True(t, ok)
	assert.Equal(t, "Self", svc.Instance)
	assert.Equal(t, "_svc._tcp", svc.Service)
	assert.Equal(t, "host.local.", svc.HostName)
	assert.Equal(t, 8080, svc.Port)
	assert.Equal(t, []string{"ver=1"}, svc.TXT)

	derr := make(chan error, 1)
	require.NoError(t, m.Deregister(handle, func(err error) { derr <- err }))
	require.NoError(t, waitErr(t, derr))
	assert.EqualValues(t, 1, server.shutdown.Load())

	assert.ErrorIs(t, m.Deregister(handle, func(error) {}), domain.ErrNotRegistered)
}

func TestMDNSRegisterZeroPortFails(t *testing.T) {
	server, _ := stubMDNSServer(t)
	m := newTestMDNS(t)

	done := make(chan error, 1)
	handle, err := m.Register(context.Background(), domain.Instance{
		Name: "Zero._svc._tcp.local",
		Host: "host.local",
	}, func(err error) { done <- err })
	require.NoError(t, err)
	require.Error(t, waitErr(t, done))

	derr := make(chan error, 1)
	require.NoError(t, m.Deregister(handle, func(err error) { derr <- err }))
	require.NoError(t, waitErr(t, derr))
	assert.EqualValues(t, 0, server.shutdown.Load())
}

func TestMDNSServerFailureIsUnavailable(t *testing.T) {
	stubMDNSServer(t)
	bindErr := errors.New("listen udp4 0.0.0.0:5353: bind: permission denied")
	newMDNSServer = func(*mdns.Config) (mdnsServer, error) { return nil, bindErr }

	done := make(chan error, 1)
	_, err := newTestMDNS(t).Register(context.Background(), domain.Instance{
		Name: "Self._svc._tcp.local",
		Host: "host.local",
		Port: 8080,
	}, func(err error) { done <- err })
	require.NoError(t, err)

	got := waitErr(t, done)
	assert.ErrorIs(t, got, domain.ErrResolverUnavailable)
	assert.ErrorIs(t, got, bindErr)
}

func TestMDNSResolveNetworkDownIsUnavailable(t *testing.T) {
	stubMDNSQuery(t, func(context.Context, *mdns.QueryParam) error {
		return errors.New("no multicast interfaces available")
	})

	done := make(chan error, 1)
	_, err := newTestMDNS(t).Resolve(context.Background(), "Ghost._svc._tcp.local", func(_ domain.ServiceRecord, err error) {
		done <- err
	})
	require.NoError(t, err)
	assert.ErrorIs(t, waitErr(t, done), domain.ErrResolverUnavailable)
}

func TestUnescapeName(t *testing.T) {
	assert.Equal(t, "Office Printer._svc._tcp.local.", unescapeName(`Office\ Printer._svc._tcp.local.`))
	assert.Equal(t, "a.b._svc._tcp.local.", unescapeName(`a\.b._svc._tcp.local.`))
	assert.Equal(t, "A._svc._tcp.local.", unescapeName(`\065._svc._tcp.local.`))
	assert.Equal(t, "plain._svc._tcp.local.", unescapeName("plain._svc._tcp.local."))
}
