package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/xerrors"
)

func newTestAddressManager(t *testing.T, addrs ...string) *AddressManager {
	t.Helper()
	m, err := NewAddressManager("default", addrs, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestAddressManagerEmptyPool(t *testing.T) {
	m := newTestAddressManager(t)
	_, err := m.Address()
	assert.ErrorIs(t, err, xerrors.ErrInvalidState)

	_, err = m.FormatURL("/registry/instances", false)
	assert.ErrorIs(t, err, xerrors.ErrInvalidState)
}

func TestAddressManagerRoundRobin(t *testing.T) {
	m := newTestAddressManager(t, "http://a:30100", "http://b:30100", "http://c:30100")

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		addr, err := m.Address()
		require.NoError(t, err)
		seen[addr]++
		assert.Equal(t, addr, m.Current())
	}
	assert.Equal(t, map[string]int{"http://a:30100": 2, "http://b:30100": 2, "http://c:30100": 2}, seen)
}

func TestAddressManagerFormatURL(t *testing.T) {
	m, err := NewAddressManager("my project", []string{"https://sc:30100"}, nil)
	require.NoError(t, err)
	defer m.Close()

	u, err := m.FormatURL("/registry/microservices", false)
	require.NoError(t, err)
	assert.Equal(t, "https://sc:30100/v4/my%20project/registry/microservices", u)
	assert.True(t, m.SSLEnabled())

	u, err = m.FormatURL("/v4/token", true)
	require.NoError(t, err)
	assert.Equal(t, "https://sc:30100/v4/token", u)

	d, err := NewAddressManager("", nil, nil)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, DefaultProject, d.Project())
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rest://10.0.0.1:30100", "http://10.0.0.1:30100"},
		{"rest://10.0.0.1:30100?sslEnabled=false", "http://10.0.0.1:30100"},
		{"rest://10.0.0.1:30100?sslEnabled=true", "https://10.0.0.1:30100"},
		{"http://10.0.0.1:30100", "http://10.0.0.1:30100"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeEndpoint(tt.in), tt.in)
	}
}

func TestAddressManagerRefreshPrefersZone(t *testing.T) {
	m := newTestAddressManager(t, "http://default:30100")

	m.RefreshEndpoint(RefreshEndpointEvent{
		SameZone:   []string{"rest://z1:30100", "rest://z2:30100?sslEnabled=true"},
		SameRegion: []string{"rest://r1:30100"},
	})
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		addr, err := m.Address()
		require.NoError(t, err)
		seen[addr] = true
	}
	assert.Equal(t, map[string]bool{"http://z1:30100": true, "https://z2:30100": true}, seen)

	// 同 zone 为空时使用同 region
	m.RefreshEndpoint(RefreshEndpointEvent{SameRegion: []string{"rest://r1:30100"}})
	addr, err := m.Address()
	require.NoError(t, err)
	assert.Equal(t, "http://r1:30100", addr)

	// 拓扑为空时回落到配置地址
	m.RefreshEndpoint(RefreshEndpointEvent{})
	addr, err = m.Address()
	require.NoError(t, err)
	assert.Equal(t, "http://default:30100", addr)
}

func TestAddressManagerIsolation(t *testing.T) {
	m := newTestAddressManager(t, "http://a:30100", "http://b:30100")

	m.RecordFailState("http://a:30100")
	m.RecordFailState("http://a:30100")
	m.RecordSuccessState("http://a:30100")
	m.RecordFailState("http://a:30100")
	// 成功抵消一次失败，尚未隔离
	assert.Len(t, m.available(), 2)

	m.RecordFailState("http://a:30100")
	for i := 0; i < 4; i++ {
		addr, err := m.Address()
		require.NoError(t, err)
		assert.Equal(t, "http://b:30100", addr)
	}

	// 池中最后一个地址不会被隔离
	for i := 0; i < 6; i++ {
		m.RecordFailState("http://b:30100")
	}
	addr, err := m.Address()
	require.NoError(t, err)
	assert.Equal(t, "http://b:30100", addr)
}

func TestAddressManagerCheckIsolated(t *testing.T) {
	m := newTestAddressManager(t, "http://a:30100", "http://b:30100")

	var mu sync.Mutex
	reachable := map[string]bool{}
	var dialed []string
	m.dial = func(_ context.Context, addr string) error {
		mu.Lock()
		defer mu.Unlock()
		dialed = append(dialed, addr)
		if reachable[addr] {
			return nil
		}
		return errors.New("connection refused")
	}

	for i := 0; i < isolateThreshold; i++ {
		m.RecordFailState("http://a:30100")
	}
	assert.Equal(t, []string{"http://b:30100"}, m.available())

	// 隔离后处于抑制期，不探测
	m.checkIsolated(context.Background())
	assert.Empty(t, dialed)

	m.probe.Invalidate("http://a:30100")
	m.checkIsolated(context.Background())
	assert.Equal(t, []string{"http://a:30100"}, dialed)
	assert.Equal(t, []string{"http://b:30100"}, m.available())

	// 探测失败重新进入抑制期
	m.checkIsolated(context.Background())
	assert.Len(t, dialed, 1)

	m.probe.Invalidate("http://a:30100")
	reachable["http://a:30100"] = true
	m.checkIsolated(context.Background())
	assert.ElementsMatch(t, []string{"http://a:30100", "http://b:30100"}, m.available())
}
