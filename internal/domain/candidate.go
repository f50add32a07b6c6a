package domain

import "time"

// TXT keys announced and required by the candidate manager.
const (
	TXTVersion     = "ver"
	TXTIconKey     = "icn"
	TXTDeviceName  = "nme"
	TXTFingerprint = "fpt"
)

// Identity is what this device announces about itself.
type Identity struct {
	Fingerprint string    `json:"fingerprint"`
	DeviceName  string    `json:"device_name"`
	IconKey     string    `json:"icon_key"`
	CreatedAt   time.Time `json:"created_at"`
}

type ConnectionType string

const ConnectionLocal ConnectionType = "local"

// PeerCandidate is a validated remote device seen during the current
// browse session.
type PeerCandidate struct {
	Fingerprint    string         `json:"fingerprint"`
	DeviceName     string         `json:"device_name"`
	IconKey        string         `json:"icon_key"`
	Version        string         `json:"version,omitempty"`
	Instance       string         `json:"instance"`
	Host           string         `json:"host"`
	Port           uint16         `json:"port"`
	Addresses      []string       `json:"addresses"`
	ConnectionType ConnectionType `json:"connection_type"`
	SeenAt         time.Time      `json:"seen_at"`
}

type CandidateEventType int

const (
	CandidateFound CandidateEventType = iota
	CandidateUpdated
	LocalAddressesChanged
)

func (t CandidateEventType) String() string {
	switch t {
	case CandidateFound:
		return "found"
	case CandidateUpdated:
		return "updated"
	case LocalAddressesChanged:
		return "local_addresses"
	default:
		return "unknown"
	}
}

type CandidateEvent struct {
	Type      CandidateEventType
	Candidate PeerCandidate
	Addresses []string
}

// CachedAddresses is the last known reachability of a peer, kept across
// runs. HostAddress is the local address that shared a network with the
// peer when it was seen; the entry is only trusted while that address is
// still ours.
type CachedAddresses struct {
	Fingerprint string    `json:"fingerprint"`
	Addresses   []string  `json:"addresses"`
	HostAddress string    `json:"host_address"`
	Port        uint16    `json:"port"`
	SeenAt      time.Time `json:"seen_at"`
}
