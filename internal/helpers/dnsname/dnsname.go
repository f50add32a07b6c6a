// Package dnsname builds and splits DNS-SD names of the form
// <instance>.<_service>.<_proto>.<domain>.
package dnsname

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/eleven-am/dnssd/internal/domain"
)

// ParsedName is a DNS-SD name split into its parts. Domain is fully
// qualified; Instance is empty for a bare service query.
type ParsedName struct {
	Instance string
	Service  string
	Domain   string
}

// ServiceName is the "<_service>.<_proto>" pair.
func (p ParsedName) ServiceName() string {
	return p.Service
}

func (p ParsedName) Query() string {
	return dns.Fqdn(p.Service + "." + strings.TrimSuffix(p.Domain, "."))
}

func (p ParsedName) String() string {
	if p.Instance == "" {
		return p.Query()
	}
	return dns.Fqdn(p.Instance + "." + p.Service + "." + strings.TrimSuffix(p.Domain, "."))
}

// ParseQuery validates a browse query such as "_svc._tcp.local".
func ParseQuery(query string) (ParsedName, error) {
	parsed, err := parse(query)
	if err != nil {
		return ParsedName{}, err
	}
	if parsed.Instance != "" {
		return ParsedName{}, fmt.Errorf("%w: %q names an instance, not a service type", domain.ErrInvalidQuery, query)
	}
	return parsed, nil
}

// ParseInstance splits a full instance name such as
// "Printer._svc._tcp.local." into its parts.
func ParseInstance(name string) (ParsedName, error) {
	parsed, err := parse(name)
	if err != nil {
		return ParsedName{}, err
	}
	if parsed.Instance == "" {
		return ParsedName{}, fmt.Errorf("%w: %q has no instance label", domain.ErrInvalidInstance, name)
	}
	return parsed, nil
}

// InstanceName joins an instance label with a service query.
func InstanceName(instance, query string) string {
	return strings.TrimSuffix(instance, ".") + "." + dns.Fqdn(query)
}

// HostName qualifies a bare host as "<host>.local.".
func HostName(host string) string {
	if host == "" {
		return ""
	}
	if strings.Contains(strings.TrimSuffix(host, "."), ".") {
		return dns.Fqdn(host)
	}
	return dns.Fqdn(host + ".local")
}

// Equal compares two names ignoring case and the trailing dot.
func Equal(a, b string) bool {
	return strings.EqualFold(dns.Fqdn(a), dns.Fqdn(b))
}

func parse(name string) (ParsedName, error) {
	if strings.TrimSpace(name) == "" {
		return ParsedName{}, fmt.Errorf("%w: empty name", domain.ErrInvalidQuery)
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return ParsedName{}, fmt.Errorf("%w: %q is not a domain name", domain.ErrInvalidQuery, name)
	}

	labels := dns.SplitDomainName(name)
	for i := 0; i+1 < len(labels); i++ {
		if !isServiceLabel(labels[i]) || !isProtoLabel(labels[i+1]) {
			continue
		}
		rest := labels[i+2:]
		if len(rest) == 0 {
			return ParsedName{}, fmt.Errorf("%w: %q has no domain", domain.ErrInvalidQuery, name)
		}
		return ParsedName{
			Instance: strings.Join(labels[:i], "."),
			Service:  labels[i] + "." + labels[i+1],
			Domain:   dns.Fqdn(strings.Join(rest, ".")),
		}, nil
	}
	return ParsedName{}, fmt.Errorf("%w: %q has no _service._proto pair", domain.ErrInvalidQuery, name)
}

func isServiceLabel(label string) bool {
	return len(label) > 1 && label[0] == '_'
}

func isProtoLabel(label string) bool {
	l := strings.ToLower(label)
	return l == "_tcp" || l == "_udp"
}
