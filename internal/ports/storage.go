package ports

import "github.com/eleven-am/dnssd/internal/domain"

// IdentityStore persists the local device identity across runs.
type IdentityStore interface {
	Load() (domain.Identity, error)
	Save(identity domain.Identity) error
	LoadOrCreate(defaults domain.Identity) (domain.Identity, error)
	Close() error
}

// AddressCache remembers where peers were last reachable. Entries expire
// on their own after the store's TTL.
type AddressCache interface {
	PutAddresses(entry domain.CachedAddresses) error
	GetAddresses(fingerprint string) (domain.CachedAddresses, error)
	DeleteAddresses(fingerprint string) error
}
