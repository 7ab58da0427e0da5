package registry

import (
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"

	"github.com/ceyewan/servicecomb/xerrors"
)

// fakeClientConn 记录 resolver 推送的状态
type fakeClientConn struct {
	resolver.ClientConn

	mu     sync.Mutex
	states []resolver.State
}

func (f *fakeClientConn) UpdateState(s resolver.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return nil
}

func (f *fakeClientConn) addrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return nil
	}
	var out []string
	for _, a := range f.states[len(f.states)-1].Addresses {
		out = append(out, a.Addr)
	}
	return out
}

func mustTarget(t *testing.T, raw string) resolver.Target {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return resolver.Target{URL: *u}
}

func TestParseTarget(t *testing.T) {
	app, name, err := parseTarget(mustTarget(t, "cse:///app/order"))
	require.NoError(t, err)
	assert.Equal(t, "app", app)
	assert.Equal(t, "order", name)

	for _, raw := range []string{"cse:///order", "cse:///", "cse:///app/"} {
		_, _, err := parseTarget(mustTarget(t, raw))
		assert.ErrorIs(t, err, xerrors.ErrInvalidInput, raw)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"grpc://10.0.0.1:9090", "10.0.0.1:9090"},
		{"rest://10.0.0.1:8080?sslEnabled=false", "10.0.0.1:8080"},
		{"highway://10.0.0.1:7070?login=true&x=1", "10.0.0.1:7070"},
		{"10.0.0.1:9090", "10.0.0.1:9090"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseEndpoint(tt.in), tt.in)
	}
}

func TestResolverFollowsInstanceChanges(t *testing.T) {
	client := &fakeClient{findInstances: func(_, _, _, revision string) (*FindInstancesResult, error) {
		if revision == "1" {
			return &FindInstancesResult{}, nil
		}
		return &FindInstancesResult{Modified: true, Revision: "1", Instances: []MicroserviceInstance{
			{InstanceID: "a", Status: StatusUp, Endpoints: []string{"grpc://10.0.0.1:9090", "rest://10.0.0.1:8080"}},
			{InstanceID: "b", Status: StatusDown, Endpoints: []string{"grpc://10.0.0.2:9090"}},
			{InstanceID: "c", Endpoints: []string{"grpc://10.0.0.1:9090"}},
		}}, nil
	}}
	d := newTestDiscovery(t, client, nil)
	d.UpdateMyselfServiceID("consumer")
	// 停掉后台 worker，拉取由测试显式驱动
	d.Stop()

	b := NewResolverBuilder(d, "", nil)
	assert.Equal(t, "cse", b.Scheme())

	cc := &fakeClientConn{}
	r, err := b.Build(mustTarget(t, "cse:///app/order"), cc, resolver.BuildOptions{})
	require.NoError(t, err)
	defer r.Close()

	_, ok := d.Instances("app", "order")
	assert.True(t, ok, "Build 注册订阅")
	assert.Empty(t, cc.addrs())

	d.pullAll(t.Context())
	assert.Equal(t, []string{"10.0.0.1:9090", "10.0.0.1:8080"}, cc.addrs())

	// 其他服务的变化不影响
	d.InstanceChanged.Publish(InstanceChangedEvent{AppID: "app", ServiceName: "other",
		Instances: []MicroserviceInstance{{Endpoints: []string{"grpc://9.9.9.9:1"}}}})
	assert.Equal(t, []string{"10.0.0.1:9090", "10.0.0.1:8080"}, cc.addrs())

	// 空列表保留旧状态
	d.InstanceChanged.Publish(InstanceChangedEvent{AppID: "app", ServiceName: "order"})
	assert.Equal(t, []string{"10.0.0.1:9090", "10.0.0.1:8080"}, cc.addrs())

	r.Close()
	d.InstanceChanged.Publish(InstanceChangedEvent{AppID: "app", ServiceName: "order",
		Instances: []MicroserviceInstance{{Endpoints: []string{"grpc://10.0.0.3:9090"}}}})
	assert.Equal(t, []string{"10.0.0.1:9090", "10.0.0.1:8080"}, cc.addrs(), "Close 后不再推送")
}

func TestResolverBuildUsesCachedInstances(t *testing.T) {
	client := &fakeClient{findInstances: func(string, string, string, string) (*FindInstancesResult, error) {
		return &FindInstancesResult{Modified: true, Revision: "1", Instances: []MicroserviceInstance{
			{Status: StatusUp, Endpoints: []string{"grpc://10.0.0.5:9090"}},
		}}, nil
	}}
	d := newTestDiscovery(t, client, nil)
	d.Stop()
	d.UpdateMyselfServiceID("consumer")
	d.Register("app", "order")
	d.pullAll(t.Context())

	cc := &fakeClientConn{}
	r, err := NewResolverBuilder(d, "cse", nil).Build(mustTarget(t, "cse:///app/order"), cc, resolver.BuildOptions{})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"10.0.0.5:9090"}, cc.addrs())
}
