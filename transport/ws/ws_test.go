package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/xerrors"
)

// newServer 启动一个 websocket 服务端，handler 拿到连接后自行决定行为
func newServer(t *testing.T, handler func(c *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(c, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialLifecycle(t *testing.T) {
	gotHeader := make(chan string, 1)
	url := newServer(t, func(c *websocket.Conn, r *http.Request) {
		gotHeader <- r.Header.Get("x-domain-name")
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"action":"UPDATE"}`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		time.Sleep(50 * time.Millisecond)
	})

	opened := make(chan struct{}, 1)
	messages := make(chan string, 1)
	closed := make(chan int, 1)
	conn, err := NewDialer().Dial(context.Background(), url, http.Header{"x-domain-name": {"default"}}, Listener{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(b []byte) { messages <- string(b) },
		OnError:   func(err error) { t.Errorf("unexpected OnError: %v", err) },
		OnClose:   func(code int, _ string) { closed <- code },
	})
	require.NoError(t, err)

	assert.Equal(t, "default", <-gotHeader)
	<-opened
	assert.Equal(t, `{"action":"UPDATE"}`, <-messages)
	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseGoingAway, code)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	<-conn.Done()
	assert.ErrorIs(t, conn.Ping(), xerrors.ErrClosed)
}

func TestAbruptDisconnectCallsOnError(t *testing.T) {
	url := newServer(t, func(c *websocket.Conn, r *http.Request) {
		// 不发关闭帧直接断开
		_ = c.UnderlyingConn().Close()
	})

	errs := make(chan error, 1)
	_, err := NewDialer().Dial(context.Background(), url, nil, Listener{
		OnError: func(err error) { errs <- err },
		OnClose: func(int, string) { t.Error("unexpected OnClose") },
	})
	require.NoError(t, err)
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestLocalCloseCallsOnCloseOnce(t *testing.T) {
	url := newServer(t, func(c *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	closed := make(chan struct{}, 2)
	conn, err := NewDialer().Dial(context.Background(), url, nil, Listener{
		OnError: func(err error) { t.Errorf("unexpected OnError: %v", err) },
		OnClose: func(int, string) { closed <- struct{}{} },
	})
	require.NoError(t, err)
	require.NoError(t, conn.Ping())
	require.NoError(t, conn.Send([]byte("hi")))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.Len(t, closed, 1)
}

func TestDialFailure(t *testing.T) {
	_, err := NewDialer(WithHandshakeTimeout(time.Second)).Dial(context.Background(), "ws://127.0.0.1:1/watch", nil, Listener{})
	assert.ErrorIs(t, err, xerrors.ErrUnavailable)
}
