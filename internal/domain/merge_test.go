package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeConfigOverrideSlicesReplaceBase(t *testing.T) {
	base := DefaultConfig()
	base.Zeroconf.Interfaces = []string{"en0", "en1"}
	base.Static.Records = []ServiceRecord{{Name: "Base._svc._tcp.local", Port: 1}}

	override := &Config{}
	override.Zeroconf.Interfaces = []string{"wlan0"}
	override.Static.Records = []ServiceRecord{{Name: "Override._svc._tcp.local", Port: 2}}

	merged, err := MergeConfig(base, override)
	require.NoError(t, err)
	assert.Equal(t, []string{"wlan0"}, merged.Zeroconf.Interfaces)
	require.Len(t, merged.Static.Records, 1)
	assert.Equal(t, "Override._svc._tcp.local", merged.Static.Records[0].Name)

	assert.Equal(t, []string{"en0", "en1"}, base.Zeroconf.Interfaces)
	assert.Equal(t, "Base._svc._tcp.local", base.Static.Records[0].Name)
}

func TestMergeConfigKeepsBaseWhenOverrideEmpty(t *testing.T) {
	base := DefaultConfig()
	base.Zeroconf.Interfaces = []string{"en0"}

	override := &Config{Service: ServiceConfig{Type: "http"}}
	merged, err := MergeConfig(base, override)
	require.NoError(t, err)

	assert.Equal(t, "http", merged.Service.Type)
	assert.Equal(t, "tcp", merged.Service.Protocol)
	assert.Equal(t, []string{"en0"}, merged.Zeroconf.Interfaces)
	assert.Same(t, base.Logger, merged.Logger)

	merged.Zeroconf.Interfaces[0] = "changed"
	assert.Equal(t, "en0", base.Zeroconf.Interfaces[0], "merged config must not alias base slices")
}

func TestMergeConfigNilOverride(t *testing.T) {
	base := DefaultConfig()
	merged, err := MergeConfig(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base.Service, merged.Service)
	assert.NotSame(t, base, merged)
}
