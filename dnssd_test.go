package dnssd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dnssd/internal/testutil"
)

func staticConfig(t *testing.T, records ...ServiceRecord) *Config {
	return NewConfigBuilder().
		WithLogger(testutil.Logger(t)).
		WithStaticRecords(records...).
		WithInMemoryIdentity().
		Build()
}

func TestNewStaticEngineDeliversRecords(t *testing.T) {
	cfg := staticConfig(t, ServiceRecord{
		Name:      "Printer._http._tcp.local",
		Host:      "printer.local",
		Addresses: []string{"192.168.1.50"},
		Port:      631,
	})

	engine, err := New(cfg)
	require.NoError(t, err)
	defer engine.Close()
	assert.Equal(t, "static", engine.ResolverName())

	got := make(chan ServiceRecord, 1)
	require.NoError(t, engine.StartBrowse(context.Background(), "_http._tcp.local", func(r ServiceRecord) { got <- r }))

	select {
	case r := <-got:
		assert.Equal(t, "printer.local", r.Host)
		assert.EqualValues(t, 631, r.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("record not delivered")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := NewConfigBuilder().WithLogger(testutil.Logger(t)).WithBackend("carrier-pigeon").Build()
	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewResolverPicksBackend(t *testing.T) {
	for backend, name := range map[BackendType]string{
		BackendZeroconf: "zeroconf",
		BackendMDNS:     "mdns",
		BackendStatic:   "static",
	} {
		cfg := DefaultConfig()
		cfg.Backend = backend
		r, err := NewResolver(cfg)
		require.NoError(t, err)
		assert.Equal(t, name, r.Name())
	}
}

func TestStartBrowseErrorKinds(t *testing.T) {
	engine, err := New(staticConfig(t))
	require.NoError(t, err)
	defer engine.Close()

	err = engine.StartBrowse(context.Background(), "not a query", func(ServiceRecord) {})
	require.Error(t, err)
	assert.True(t, IsStartFailure(err))
	assert.Equal(t, StartFailure, KindOf(err))
}

func TestConfigBuilder(t *testing.T) {
	cfg := NewConfigBuilder().
		WithService("printer", "udp").
		WithDomain("example.").
		WithVersion("7").
		WithResolveTimeout(time.Second).
		WithBridgeCapacity(16).
		WithTTL(60).
		WithIPv4Only(true).
		WithMDNSPolling(time.Second, 3*time.Second).
		WithIdentity("/tmp/x", "desk", "pc").
		WithMetrics(true).
		Build()

	assert.Equal(t, BackendZeroconf, cfg.Backend)
	assert.Equal(t, "_printer._udp.example.", cfg.Service.Query())
	assert.Equal(t, "7", cfg.Service.Version)
	assert.Equal(t, time.Second, cfg.Browse.ResolveTimeout)
	assert.Equal(t, 16, cfg.Browse.BridgeCapacity)
	assert.EqualValues(t, 60, cfg.Registration.TTL)
	assert.True(t, cfg.Zeroconf.IPv4Only)
	assert.True(t, cfg.MDNS.DisableIPv6)
	assert.Equal(t, 3*time.Second, cfg.MDNS.PollInterval)
	assert.Equal(t, "desk", cfg.Identity.DeviceName)
	assert.True(t, cfg.Metrics.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnssd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"backend": "mdns",
		"service": {"type": "airplay"},
		"mdns": {"interface": "en0"}
	}`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMDNS, cfg.Backend)
	assert.Equal(t, "airplay", cfg.Service.Type)
	assert.Equal(t, "tcp", cfg.Service.Protocol)
	assert.Equal(t, "en0", cfg.MDNS.Interface)
	assert.Equal(t, DefaultConfig().MDNS.QueryTimeout, cfg.MDNS.QueryTimeout)
}

func TestPeersOverStaticBackend(t *testing.T) {
	cfg := staticConfig(t, ServiceRecord{
		Name:      "phone-1234._mcservice._tcp.local",
		Host:      "phone.local",
		Addresses: []string{"192.168.1.20"},
		Port:      6000,
		TXT:       map[string]string{"fpt": "peer-fpt", "nme": "Phone", "icn": "mobile"},
	})
	cfg.Identity.DeviceName = "desk"

	peers, err := NewPeers(cfg, 5000)
	require.NoError(t, err)
	assert.NotEmpty(t, peers.Identity().Fingerprint)
	assert.Equal(t, "desk", peers.Identity().DeviceName)

	events, unsubscribe := peers.Subscribe()
	defer unsubscribe()
	require.NoError(t, peers.Run(context.Background()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			if ev.Type == CandidateFound {
				assert.Equal(t, "peer-fpt", ev.Candidate.Fingerprint)
				assert.Equal(t, "192.168.1.20", ev.Candidate.Host)
				require.NoError(t, peers.Close())
				assert.Equal(t, StateIdle, peers.Engine().RegistrationState())
				return
			}
		case <-deadline:
			t.Fatal("peer never found")
		}
	}
}
