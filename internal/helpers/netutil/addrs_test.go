package netutil

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubInterfaceAddrs(t *testing.T, addrs []net.Addr, err error) {
	t.Helper()
	original := interfaceAddrs
	interfaceAddrs = func() ([]net.Addr, error) { return addrs, err }
	t.Cleanup(func() { interfaceAddrs = original })
}

func TestLocalIPv4s(t *testing.T) {
	stubInterfaceAddrs(t, []net.Addr{
		&net.IPNet{IP: net.ParseIP("192.168.1.10"), Mask: net.CIDRMask(24, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPAddr{IP: net.ParseIP("127.0.0.1")},
		&net.IPAddr{IP: net.ParseIP("10.0.0.7")},
	}, nil)

	ips, err := LocalIPv4Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.10", "10.0.0.7"}, ips)
}

func TestLocalIPv4sError(t *testing.T) {
	stubInterfaceAddrs(t, nil, errors.New("no interfaces"))
	_, err := LocalIPv4s()
	assert.Error(t, err)
}

func TestFilterIPv4(t *testing.T) {
	got := FilterIPv4([]string{"192.168.1.50", "fe80::1", "garbage", "192.168.1.50", " 10.0.0.1 "})
	assert.Equal(t, []string{"192.168.1.50", "10.0.0.1"}, got)
}

func TestIsSameNetwork(t *testing.T) {
	assert.True(t, IsSameNetwork("192.168.1.5", "192.168.20.9"))
	assert.False(t, IsSameNetwork("192.168.1.5", "192.169.1.5"))
	assert.False(t, IsSameNetwork("192.168.1.5", "::1"))
	assert.False(t, IsSameNetwork("bad", "192.168.1.5"))
}

func TestIsPrivateIPv4(t *testing.T) {
	for _, addr := range []string{"10.1.2.3", "172.16.0.1", "172.31.255.255", "192.168.0.1"} {
		assert.True(t, IsPrivateIPv4(addr), addr)
	}
	for _, addr := range []string{"127.0.0.1", "172.32.0.1", "8.8.8.8", "169.254.1.1", "fd00::1", "garbage"} {
		assert.False(t, IsPrivateIPv4(addr), addr)
	}
}

func TestIsNetworkUnavailable(t *testing.T) {
	assert.True(t, IsNetworkUnavailable(errors.New("write udp: network is unreachable")))
	assert.False(t, IsNetworkUnavailable(errors.New("permission denied")))
	assert.False(t, IsNetworkUnavailable(nil))
	assert.True(t, IsNetworkUnavailable(fmt.Errorf("join group: %w", errors.New("no multicast interfaces"))))
}
