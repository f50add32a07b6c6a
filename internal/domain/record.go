package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ServiceRecord is a resolved service instance. Values handed out by the
// engine are private copies; mutate a Clone if you need to.
type ServiceRecord struct {
	Name      string            `json:"name" yaml:"name"`
	Host      string            `json:"host" yaml:"host"`
	Addresses []string          `json:"addresses" yaml:"addresses"`
	Port      uint16            `json:"port" yaml:"port"`
	TXT       map[string]string `json:"txt" yaml:"txt"`
}

func (r ServiceRecord) Clone() ServiceRecord {
	out := r
	out.Addresses = slices.Clone(r.Addresses)
	if r.TXT != nil {
		out.TXT = maps.Clone(r.TXT)
	}
	return out
}

func (r ServiceRecord) Equal(other ServiceRecord) bool {
	return r.Name == other.Name &&
		r.Host == other.Host &&
		r.Port == other.Port &&
		slices.Equal(r.Addresses, other.Addresses) &&
		maps.Equal(r.TXT, other.TXT)
}

func (r ServiceRecord) String() string {
	return fmt.Sprintf("%s -> %s:%d %v", r.Name, r.Host, r.Port, r.Addresses)
}

// Instance is the announce payload for a registration.
type Instance struct {
	Name string            `json:"name" yaml:"name"`
	Host string            `json:"host" yaml:"host"`
	Port uint16            `json:"port" yaml:"port"`
	TXT  map[string]string `json:"txt,omitempty" yaml:"txt,omitempty"`
}

func (i Instance) Clone() Instance {
	out := i
	if i.TXT != nil {
		out.TXT = maps.Clone(i.TXT)
	}
	return out
}

// Validate checks the synchronous preconditions for registering. Port 0
// and an empty TXT map are both allowed here; backends that cannot
// announce them reject the registration asynchronously.
func (i Instance) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: empty instance name", ErrInvalidInstance)
	}
	if strings.TrimSpace(i.Host) == "" {
		return fmt.Errorf("%w: empty host name", ErrInvalidInstance)
	}
	for k := range i.TXT {
		if k == "" {
			return fmt.Errorf("%w: empty txt key", ErrInvalidInstance)
		}
		if strings.Contains(k, "=") {
			return fmt.Errorf("%w: txt key %q contains '='", ErrInvalidInstance, k)
		}
	}
	return nil
}
