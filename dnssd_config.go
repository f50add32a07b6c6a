package dnssd

import (
	"log/slog"
	"time"

	"github.com/eleven-am/dnssd/internal/domain"
)

type Config = domain.Config

type BackendType = domain.BackendType

const (
	BackendZeroconf = domain.BackendZeroconf
	BackendMDNS     = domain.BackendMDNS
	BackendStatic   = domain.BackendStatic
)

type ServiceConfig = domain.ServiceConfig

type BrowseConfig = domain.BrowseConfig

type RegistrationConfig = domain.RegistrationConfig

type MDNSConfig = domain.MDNSConfig

type ZeroconfConfig = domain.ZeroconfConfig

type StaticConfig = domain.StaticConfig

type IdentityConfig = domain.IdentityConfig

type CandidateConfig = domain.CandidateConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfigFile reads a JSON config and overlays it on the defaults.
func LoadConfigFile(path string) (*Config, error) {
	return domain.LoadConfigFile(path)
}

// MergeConfig overlays the non-zero fields of override onto base.
func MergeConfig(base, override *Config) (*Config, error) {
	return domain.MergeConfig(base, override)
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

func (cb *ConfigBuilder) WithBackend(backend BackendType) *ConfigBuilder {
	cb.config.Backend = backend
	return cb
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

// WithService sets the service type, e.g. ("mcservice", "tcp").
func (cb *ConfigBuilder) WithService(serviceType, protocol string) *ConfigBuilder {
	cb.config.Service.Type = serviceType
	cb.config.Service.Protocol = protocol
	return cb
}

func (cb *ConfigBuilder) WithDomain(domainName string) *ConfigBuilder {
	cb.config.Service.Domain = domainName
	return cb
}

func (cb *ConfigBuilder) WithVersion(version string) *ConfigBuilder {
	cb.config.Service.Version = version
	return cb
}

func (cb *ConfigBuilder) WithResolveTimeout(timeout time.Duration) *ConfigBuilder {
	cb.config.Browse.ResolveTimeout = timeout
	return cb
}

// WithBridgeCapacity bounds undelivered records; 0 is unbounded.
func (cb *ConfigBuilder) WithBridgeCapacity(capacity int) *ConfigBuilder {
	cb.config.Browse.BridgeCapacity = capacity
	return cb
}

func (cb *ConfigBuilder) WithTTL(ttl uint32) *ConfigBuilder {
	cb.config.Registration.TTL = ttl
	return cb
}

func (cb *ConfigBuilder) WithInterfaces(names ...string) *ConfigBuilder {
	cb.config.Zeroconf.Interfaces = append(cb.config.Zeroconf.Interfaces, names...)
	if len(names) > 0 {
		cb.config.MDNS.Interface = names[0]
	}
	return cb
}

func (cb *ConfigBuilder) WithIPv4Only(enabled bool) *ConfigBuilder {
	cb.config.Zeroconf.IPv4Only = enabled
	cb.config.MDNS.DisableIPv6 = enabled
	return cb
}

func (cb *ConfigBuilder) WithMDNSPolling(queryTimeout, interval time.Duration) *ConfigBuilder {
	cb.config.MDNS.QueryTimeout = queryTimeout
	cb.config.MDNS.PollInterval = interval
	return cb
}

// WithStaticRecords selects the static backend serving records.
func (cb *ConfigBuilder) WithStaticRecords(records ...ServiceRecord) *ConfigBuilder {
	cb.config.Backend = domain.BackendStatic
	cb.config.Static.Records = append(cb.config.Static.Records, records...)
	return cb
}

func (cb *ConfigBuilder) WithIdentity(dataDir, deviceName, iconKey string) *ConfigBuilder {
	cb.config.Identity.DataDir = dataDir
	cb.config.Identity.DeviceName = deviceName
	cb.config.Identity.IconKey = iconKey
	return cb
}

func (cb *ConfigBuilder) WithInMemoryIdentity() *ConfigBuilder {
	cb.config.Identity.InMemory = true
	return cb
}

func (cb *ConfigBuilder) WithMetrics(enabled bool) *ConfigBuilder {
	cb.config.Metrics.Enabled = enabled
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
