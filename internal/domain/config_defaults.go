package domain

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/eleven-am/dnssd/internal/xjson"
)

func DefaultConfig() *Config {
	return &Config{
		Backend:      BackendZeroconf,
		Logger:       slog.Default(),
		Service:      DefaultServiceConfig(),
		Browse:       DefaultBrowseConfig(),
		Registration: DefaultRegistrationConfig(),
		MDNS:         DefaultMDNSConfig(),
		Identity:     DefaultIdentityConfig(),
		Candidates:   DefaultCandidateConfig(),
	}
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Type:     "mcservice",
		Protocol: "tcp",
		Domain:   "local.",
		Version:  "1",
	}
}

func DefaultBrowseConfig() BrowseConfig {
	return BrowseConfig{
		BridgeCapacity: 0,
		ResolveTimeout: 10 * time.Second,
	}
}

func DefaultRegistrationConfig() RegistrationConfig {
	return RegistrationConfig{
		TTL:           120,
		EventCapacity: 0,
		WaitTimeout:   10 * time.Second,
	}
}

func DefaultMDNSConfig() MDNSConfig {
	return MDNSConfig{
		DisableIPv6:  true,
		QueryTimeout: 2 * time.Second,
		PollInterval: 5 * time.Second,
	}
}

func DefaultIdentityConfig() IdentityConfig {
	dir := "./data/identity"
	if home, err := os.UserConfigDir(); err == nil {
		dir = home + "/dnssd/identity"
	}
	return IdentityConfig{DataDir: dir, IconKey: "default", AddressTTL: 3 * time.Hour}
}

func DefaultCandidateConfig() CandidateConfig {
	return CandidateConfig{
		MaxEntries:       256,
		SubscriberBuffer: 32,
	}
}

// ServiceType renders the browse query, e.g. "_mcservice._tcp.local.".
func (s ServiceConfig) ServiceType() string {
	return fmt.Sprintf("_%s._%s", strings.TrimPrefix(s.Type, "_"), strings.TrimPrefix(s.Protocol, "_"))
}

func (s ServiceConfig) Query() string {
	domain := strings.TrimSuffix(s.Domain, ".")
	if domain == "" {
		domain = "local"
	}
	return s.ServiceType() + "." + domain + "."
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}

	switch c.Backend {
	case BackendZeroconf, BackendMDNS:
	case BackendStatic:
		for i, rec := range c.Static.Records {
			if rec.Name == "" {
				return NewConfigError(fmt.Sprintf("static.records[%d].name", i), ErrInvalidInput)
			}
		}
	default:
		return NewConfigError("backend", fmt.Errorf("unsupported backend %q", c.Backend))
	}

	if c.Service.Type == "" {
		return NewConfigError("service.type", ErrInvalidInput)
	}
	if c.Service.Protocol != "tcp" && c.Service.Protocol != "udp" {
		return NewConfigError("service.protocol", fmt.Errorf("must be tcp or udp, got %q", c.Service.Protocol))
	}
	if c.Browse.BridgeCapacity < 0 {
		return NewConfigError("browse.bridge_capacity", ErrInvalidInput)
	}
	if c.Browse.ResolveTimeout <= 0 {
		return NewConfigError("browse.resolve_timeout", ErrInvalidInput)
	}
	if c.Registration.EventCapacity < 0 {
		return NewConfigError("registration.event_capacity", ErrInvalidInput)
	}
	if c.Backend == BackendMDNS && c.MDNS.QueryTimeout <= 0 {
		return NewConfigError("mdns.query_timeout", ErrInvalidInput)
	}
	if c.Candidates.MaxEntries <= 0 {
		return NewConfigError("candidates.max_entries", ErrInvalidInput)
	}
	if !c.Identity.InMemory && c.Identity.DataDir == "" {
		return NewConfigError("identity.data_dir", ErrInvalidInput)
	}
	return nil
}

// LoadConfigFile reads a JSON config file and merges it over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("file", err)
	}

	var fileCfg Config
	if err := xjson.Unmarshal(data, &fileCfg); err != nil {
		return nil, NewConfigError("file", err)
	}
	return MergeConfig(DefaultConfig(), &fileCfg)
}
