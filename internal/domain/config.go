package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	Backend BackendType  `json:"backend" yaml:"backend"`
	Logger  *slog.Logger `json:"-" yaml:"-"`

	Service      ServiceConfig      `json:"service" yaml:"service"`
	Browse       BrowseConfig       `json:"browse" yaml:"browse"`
	Registration RegistrationConfig `json:"registration" yaml:"registration"`
	MDNS         MDNSConfig         `json:"mdns" yaml:"mdns"`
	Zeroconf     ZeroconfConfig     `json:"zeroconf" yaml:"zeroconf"`
	Static       StaticConfig       `json:"static" yaml:"static"`
	Identity     IdentityConfig     `json:"identity" yaml:"identity"`
	Candidates   CandidateConfig    `json:"candidates" yaml:"candidates"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
}

type BackendType string

const (
	BackendZeroconf BackendType = "zeroconf"
	BackendMDNS     BackendType = "mdns"
	BackendStatic   BackendType = "static"
)

// ServiceConfig names the service type browsed for and announced,
// e.g. _mcservice._tcp.local.
type ServiceConfig struct {
	Type     string `json:"type" yaml:"type"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Domain   string `json:"domain" yaml:"domain"`
	Version  string `json:"version" yaml:"version"`
}

type BrowseConfig struct {
	// BridgeCapacity bounds undelivered records; 0 is unbounded.
	BridgeCapacity int           `json:"bridge_capacity" yaml:"bridge_capacity"`
	ResolveTimeout time.Duration `json:"resolve_timeout" yaml:"resolve_timeout"`
}

type RegistrationConfig struct {
	TTL           uint32        `json:"ttl" yaml:"ttl"`
	EventCapacity int           `json:"event_capacity" yaml:"event_capacity"`
	WaitTimeout   time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

type MDNSConfig struct {
	Interface    string        `json:"interface" yaml:"interface"`
	DisableIPv6  bool          `json:"disable_ipv6" yaml:"disable_ipv6"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type ZeroconfConfig struct {
	Interfaces []string `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	IPv4Only   bool     `json:"ipv4_only" yaml:"ipv4_only"`
}

type StaticConfig struct {
	Records []ServiceRecord `json:"records,omitempty" yaml:"records,omitempty"`
	Latency time.Duration   `json:"latency" yaml:"latency"`
}

type IdentityConfig struct {
	DataDir    string `json:"data_dir" yaml:"data_dir"`
	InMemory   bool   `json:"in_memory" yaml:"in_memory"`
	DeviceName string `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	IconKey    string `json:"icon_key,omitempty" yaml:"icon_key,omitempty"`
	// AddressTTL bounds how long a peer's cached addresses are trusted.
	AddressTTL time.Duration `json:"address_ttl" yaml:"address_ttl"`
}

type CandidateConfig struct {
	MaxEntries       int `json:"max_entries" yaml:"max_entries"`
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}
