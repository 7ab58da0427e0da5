package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/configcenter"
	"github.com/ceyewan/servicecomb/registry"
	"github.com/ceyewan/servicecomb/testkit"
	"github.com/ceyewan/servicecomb/xerrors"
)

// stubClient 除心跳外的调用全部成功
type stubClient struct {
	mu          sync.Mutex
	heartbeatOK bool
}

func (c *stubClient) QueryServiceID(context.Context, *registry.Microservice) (string, error) {
	return "", nil
}

func (c *stubClient) GetMicroservice(_ context.Context, id string) (*registry.Microservice, error) {
	return &registry.Microservice{ServiceID: id}, nil
}

func (c *stubClient) RegisterMicroservice(context.Context, *registry.Microservice) (string, error) {
	return "sid", nil
}

func (c *stubClient) RegisterSchema(context.Context, string, registry.SchemaInfo) error { return nil }

func (c *stubClient) RegisterInstance(context.Context, *registry.MicroserviceInstance) (string, error) {
	return "iid", nil
}

func (c *stubClient) FindInstances(_ context.Context, _, appID, name, _, revision string) (*registry.FindInstancesResult, error) {
	if revision == "r1" {
		return &registry.FindInstancesResult{}, nil
	}
	return &registry.FindInstancesResult{
		Modified: true,
		Revision: "r1",
		Instances: []registry.MicroserviceInstance{
			{InstanceID: appID + "-" + name, Endpoints: []string{"rest://10.0.0.1:8080"}},
		},
	}, nil
}

func (c *stubClient) Heartbeat(context.Context, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatOK {
		return nil
	}
	return errors.New("heartbeat rejected")
}

func (c *stubClient) DeleteInstance(context.Context, string, string) error { return nil }

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealthRecord(t *testing.T) {
	h := NewHealth()
	assert.False(t, h.Healthy())

	h.Record(StageHeartbeat, false)
	h.Record(StageHeartbeat, false)
	assert.Equal(t, 2, h.Stages()[StageHeartbeat].Failures)
	assert.False(t, h.Healthy())

	h.Record(StageHeartbeat, true)
	s := h.Stages()[StageHeartbeat]
	assert.True(t, s.OK)
	assert.Zero(t, s.Failures)
	assert.True(t, h.Healthy())
}

func TestHealthFollowsRegistration(t *testing.T) {
	client := &stubClient{heartbeatOK: true}
	reg, err := registry.NewRegistration(nil, client,
		registry.Microservice{AppID: "app", ServiceName: "order", Version: "1.0.0"},
		registry.MicroserviceInstance{Endpoints: []string{"rest://127.0.0.1:8080"}, HostName: "host"},
		nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })

	srv, err := New(&Config{}, WithRegistration(reg), WithLogger(testkit.NewLogger()), WithMeter(testkit.NewMeter(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	code, _ := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	reg.Start()
	require.Eventually(t, srv.Health().Healthy, 5*time.Second, 10*time.Millisecond)

	code, body := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, "sid", body["service_id"])
	assert.Equal(t, "iid", body["instance_id"])
	stages, ok := body["stages"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, stages, StageMicroservice)
	assert.Contains(t, stages, StageInstance)
}

func TestHealthDownOnHeartbeatFailure(t *testing.T) {
	h := NewHealth()
	srv, err := New(nil)
	require.NoError(t, err)
	srv.health = h

	h.Record(StageHeartbeat, true)
	code, _ := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)

	h.Record(StageHeartbeat, false)
	code, body := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "DOWN", body["status"])
}

func TestInstancesEndpoint(t *testing.T) {
	client := &stubClient{}
	d, err := registry.NewDiscovery(nil, client)
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	changed := make(chan struct{}, 4)
	d.InstanceChanged.Subscribe(func(registry.InstanceChangedEvent) { changed <- struct{}{} })
	d.Register("app", "order")
	d.UpdateMyselfServiceID("me")
	d.StartDiscovery()
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("instances not pulled")
	}

	srv, err := New(nil, WithDiscovery(d))
	require.NoError(t, err)

	code, body := get(t, srv.Handler(), "/instances")
	assert.Equal(t, http.StatusOK, code)
	subs, ok := body["subscriptions"].([]any)
	require.True(t, ok)
	assert.Len(t, subs, 1)

	code, body = get(t, srv.Handler(), "/instances/app/order")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "r1", body["revision"])

	code, _ = get(t, srv.Handler(), "/instances/app/missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConfigEndpoint(t *testing.T) {
	srv, err := New(nil)
	require.NoError(t, err)
	code, _ := get(t, srv.Handler(), "/config")
	assert.Equal(t, http.StatusNotFound, code)

	cc := testkit.NewConfigCenter(t)
	cc.Set("order", map[string]any{"timeout": "3s"})
	client, err := configcenter.New(&configcenter.Config{
		ServerURI:   []string{cc.URL},
		RefreshMode: configcenter.RefreshModePull,
		ServiceName: "order",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Stop)
	require.NoError(t, client.Refresh(testkit.NewContext(t, 5*time.Second)))

	srv, err = New(nil, WithConfigCenter(client))
	require.NoError(t, err)
	code, body := get(t, srv.Handler(), "/config")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, cc.Revision(), body["revision"])
	items, ok := body["items"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "3s", items["timeout"])

	stages := srv.Health().Stages()
	assert.Empty(t, stages, "events before subscription are not replayed")
	require.NoError(t, client.Refresh(testkit.NewContext(t, 5*time.Second)))
	assert.True(t, srv.Health().Stages()[StageConfigCenter].OK)
}

func TestServeAndShutdown(t *testing.T) {
	meter := testkit.NewMeter(t)
	srv, err := New(&Config{Addr: "127.0.0.1:0"}, WithMeter(meter))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), xerrors.ErrInvalidState)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "http_requests_total")

	require.NoError(t, srv.Shutdown(testkit.NewContext(t, 5*time.Second)))
	_, err = http.Get("http://" + srv.Addr() + "/health")
	assert.Error(t, err)
}
