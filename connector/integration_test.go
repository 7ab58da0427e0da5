package connector_test

import (
	"context"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/testkit"
)

func TestEtcdConnectorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	conn := testkit.NewEtcdContainerConnector(t)
	ctx := context.Background()

	assert.True(t, conn.IsHealthy())
	require.NoError(t, conn.HealthCheck(ctx))

	client := conn.GetClient()
	key := "/test/connector/" + testkit.NewID()
	_, err := client.Put(ctx, key, "value")
	require.NoError(t, err)

	resp, err := client.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "value", string(resp.Kvs[0].Value))

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsHealthy())
}

func TestNATSConnectorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	conn := testkit.NewNATSContainerConnector(t)
	ctx := context.Background()
	require.NoError(t, conn.Connect(ctx), "重复 Connect 无副作用")
	require.NoError(t, conn.HealthCheck(ctx))

	nc := conn.GetClient()
	subject := "test.connector." + testkit.NewID()
	received := make(chan string, 1)
	sub, err := nc.Subscribe(subject, func(msg *natsgo.Msg) {
		received <- string(msg.Data)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, nc.Publish(subject, []byte("hello-nats")))
	select {
	case msg := <-received:
		assert.Equal(t, "hello-nats", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}
