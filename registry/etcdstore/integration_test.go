package etcdstore_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/registry"
	"github.com/ceyewan/servicecomb/registry/etcdstore"
	"github.com/ceyewan/servicecomb/testkit"
	"github.com/ceyewan/servicecomb/xerrors"
)

func newTestStore(t *testing.T, cfg *etcdstore.Config) *etcdstore.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping etcd integration test in short mode")
	}
	conn := testkit.NewEtcdContainerConnector(t)
	kit := testkit.NewKit(t)
	if cfg == nil {
		cfg = &etcdstore.Config{}
	}
	cfg.Prefix = "/" + testkit.NewID()
	store, err := etcdstore.New(conn, cfg,
		etcdstore.WithLogger(kit.Logger),
		etcdstore.WithMeter(kit.Meter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRegistrationFlow(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := testkit.NewContext(t, 30*time.Second)

	svc := &registry.Microservice{AppID: "default", ServiceName: "order", Version: "1.0.0"}
	sid, err := store.QueryServiceID(ctx, svc)
	require.NoError(t, err)
	assert.Empty(t, sid)

	sid, err = store.RegisterMicroservice(ctx, svc)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	again, err := store.RegisterMicroservice(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, sid, again, "same identity resolves to the existing service")

	found, err := store.QueryServiceID(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, sid, found)

	require.NoError(t, store.RegisterSchema(ctx, sid, registry.SchemaInfo{SchemaID: "hello", Schema: "openapi: 3.0.0"}))
	require.NoError(t, store.RegisterSchema(ctx, sid, registry.SchemaInfo{SchemaID: "hello", Schema: "openapi: 3.0.1"}))
	got, err := store.GetMicroservice(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, got.Schemas)

	iid, err := store.RegisterInstance(ctx, &registry.MicroserviceInstance{
		ServiceID: sid,
		HostName:  "host-1",
		Endpoints: []string{"rest://127.0.0.1:8080"},
		Status:    registry.StatusUp,
	})
	require.NoError(t, err)
	require.NotEmpty(t, iid)
	require.NoError(t, store.Heartbeat(ctx, sid, iid))

	res, err := store.FindInstances(ctx, "consumer", "default", "order", "0+", "")
	require.NoError(t, err)
	require.True(t, res.Modified)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, iid, res.Instances[0].InstanceID)

	same, err := store.FindInstances(ctx, "consumer", "default", "order", "0+", res.Revision)
	require.NoError(t, err)
	assert.False(t, same.Modified)

	none, err := store.FindInstances(ctx, "consumer", "default", "order", "2.0.0", res.Revision)
	require.NoError(t, err)
	assert.True(t, none.Modified)
	assert.Empty(t, none.Instances)

	require.NoError(t, store.DeleteInstance(ctx, sid, iid))
	require.NoError(t, store.DeleteInstance(ctx, sid, iid))
	assert.ErrorIs(t, store.Heartbeat(ctx, sid, iid), xerrors.ErrNotFound)

	after, err := store.FindInstances(ctx, "consumer", "default", "order", "0+", res.Revision)
	require.NoError(t, err)
	assert.True(t, after.Modified)
	assert.Empty(t, after.Instances)
}

func TestStoreMissingService(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := testkit.NewContext(t, 30*time.Second)

	_, err := store.GetMicroservice(ctx, "missing")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	err = store.RegisterSchema(ctx, "missing", registry.SchemaInfo{SchemaID: "s"})
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	_, err = store.RegisterInstance(ctx, &registry.MicroserviceInstance{ServiceID: "missing"})
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestStoreLeaseExpiry(t *testing.T) {
	store := newTestStore(t, &etcdstore.Config{LeaseTTL: 2 * time.Second})
	ctx := testkit.NewContext(t, 30*time.Second)

	sid, err := store.RegisterMicroservice(ctx, &registry.Microservice{AppID: "default", ServiceName: "short", Version: "1.0.0"})
	require.NoError(t, err)
	iid, err := store.RegisterInstance(ctx, &registry.MicroserviceInstance{ServiceID: sid, HostName: "h"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return xerrors.Is(store.Heartbeat(ctx, sid, iid), xerrors.ErrNotFound)
	}, 15*time.Second, 500*time.Millisecond)
}

func TestStoreWatch(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := testkit.NewContext(t, 30*time.Second)

	var changes atomic.Int32
	store.Watch(ctx, func() { changes.Add(1) })

	sid, err := store.RegisterMicroservice(ctx, &registry.Microservice{AppID: "default", ServiceName: "watched", Version: "1.0.0"})
	require.NoError(t, err)
	// 服务记录不在监听范围内
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, changes.Load())

	iid, err := store.RegisterInstance(ctx, &registry.MicroserviceInstance{ServiceID: sid, HostName: "h"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return changes.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	seen := changes.Load()
	require.NoError(t, store.DeleteInstance(ctx, sid, iid))
	require.Eventually(t, func() bool { return changes.Load() > seen }, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, store.Close())
}

func TestStoreDrivesDiscovery(t *testing.T) {
	store := newTestStore(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sid, err := store.RegisterMicroservice(ctx, &registry.Microservice{AppID: "default", ServiceName: "provider", Version: "1.0.0"})
	require.NoError(t, err)

	d, err := registry.NewDiscovery(&registry.Config{PollInterval: 600 * time.Second, PullRate: 100}, store)
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	d.UpdateMyselfServiceID("consumer")
	d.Register("default", "provider")
	store.Watch(ctx, func() { d.OnPullInstance(registry.PullInstanceEvent{}) })
	d.StartDiscovery()

	_, err = store.RegisterInstance(ctx, &registry.MicroserviceInstance{ServiceID: sid, HostName: "h", Status: registry.StatusUp})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		instances, ok := d.Instances("default", "provider")
		return ok && len(instances) == 1
	}, 10*time.Second, 50*time.Millisecond)
}
