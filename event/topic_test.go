package event

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/testkit"
)

type changed struct {
	AppID   string `json:"appId"`
	Service string `json:"serviceName"`
}

func TestTopicOrderAndUnsubscribe(t *testing.T) {
	var topic Topic[int]
	var got []string

	unsubA := topic.Subscribe(func(v int) { got = append(got, "a") })
	topic.Subscribe(func(v int) { got = append(got, "b") })
	assert.Equal(t, 2, topic.Len())

	topic.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)

	unsubA()
	unsubA()
	assert.Equal(t, 1, topic.Len())

	got = nil
	topic.Publish(2)
	assert.Equal(t, []string{"b"}, got)
}

func TestTopicSubscribeDuringPublish(t *testing.T) {
	var topic Topic[string]
	calls := 0
	topic.Subscribe(func(string) {
		calls++
		topic.Subscribe(func(string) { calls++ })
	})
	topic.Publish("x")
	assert.Equal(t, 1, calls)
	topic.Publish("y")
	assert.Equal(t, 3, calls)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.msgs == nil {
		f.msgs = map[string][][]byte{}
	}
	f.msgs[subject] = append(f.msgs[subject], data)
	return nil
}

func TestForward(t *testing.T) {
	var topic Topic[changed]
	pub := &fakePublisher{}
	unsub := Forward(&topic, pub, "servicecomb.instances", nil)

	topic.Publish(changed{AppID: "app", Service: "svc"})
	require.Len(t, pub.msgs["servicecomb.instances"], 1)

	var decoded changed
	require.NoError(t, json.Unmarshal(pub.msgs["servicecomb.instances"][0], &decoded))
	assert.Equal(t, changed{AppID: "app", Service: "svc"}, decoded)

	unsub()
	topic.Publish(changed{AppID: "other"})
	assert.Len(t, pub.msgs["servicecomb.instances"], 1)
}

func TestForwardPublishErrorDoesNotPanic(t *testing.T) {
	var topic Topic[changed]
	Forward(&topic, &fakePublisher{err: errors.New("down")}, "s", nil)
	assert.NotPanics(t, func() { topic.Publish(changed{}) })
}

func TestRelayNilConn(t *testing.T) {
	var topic Topic[changed]
	_, err := Relay(nil, "s", &topic, nil)
	assert.Error(t, err)
}

func TestRelayIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nats integration test in short mode")
	}
	conn := testkit.NewNATSContainerConn(t)

	var topic Topic[changed]
	received := make(chan changed, 1)
	topic.Subscribe(func(c changed) { received <- c })

	sub, err := Relay(conn, "servicecomb.test.relay", &topic, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var out Topic[changed]
	Forward(&out, conn, "servicecomb.test.relay", nil)
	out.Publish(changed{AppID: "a", Service: "b"})

	select {
	case c := <-received:
		assert.Equal(t, "b", c.Service)
	case <-time.After(3 * time.Second):
		t.Fatal("relay timeout")
	}
}
