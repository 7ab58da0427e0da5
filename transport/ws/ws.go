// Package ws 是推送通道的 websocket 实现。
//
// 连接以回调形式报告生命周期：OnOpen 在握手成功后调用一次；之后读循环把每个数据帧交给 OnMessage；
// 读失败调用 OnError，对端发送关闭帧或本端 Close 时调用 OnClose。OnError 与 OnClose 只会出现其一。
// 回调在读循环 goroutine 上执行。
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/xerrors"
)

const writeWait = 10 * time.Second

// Listener 连接回调，nil 字段忽略
type Listener struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Dialer 建立 websocket 连接
type Dialer struct {
	dialer *websocket.Dialer
	logger clog.Logger
}

// Option Dialer 选项
type Option func(*Dialer)

// WithLogger 注入日志记录器，自动追加 "ws" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l.WithNamespace("ws")
		}
	}
}

// WithHandshakeTimeout 握手超时，默认 10s
func WithHandshakeTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		d.dialer.HandshakeTimeout = t
	}
}

// NewDialer 创建 Dialer
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: clog.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial 建立连接并启动读循环。握手失败直接返回错误，不触发任何回调。
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header, l Listener) (*Conn, error) {
	raw, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, xerrors.Wrapf(errors.Join(xerrors.ErrUnavailable, err), "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, xerrors.Wrapf(errors.Join(xerrors.ErrUnavailable, err), "dial %s", url)
	}

	c := &Conn{
		ws:       raw,
		url:      url,
		listener: l,
		logger:   d.logger.With(clog.String("url", url)),
		done:     make(chan struct{}),
	}
	if l.OnOpen != nil {
		l.OnOpen()
	}
	go c.readLoop()
	return c, nil
}

// Conn 一条 websocket 连接
type Conn struct {
	ws       *websocket.Conn
	url      string
	listener Listener
	logger   clog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// URL 连接地址
func (c *Conn) URL() string { return c.url }

// Done 读循环退出后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Ping 发送 ping 控制帧
func (c *Conn) Ping() error {
	if c.closed.Load() {
		return xerrors.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Send 发送文本帧
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return xerrors.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧并关闭底层连接，可重复调用
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if c.listener.OnMessage != nil {
			c.listener.OnMessage(data)
		}
	}
}

func (c *Conn) finish(err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		c.closed.Store(true)
		_ = c.ws.Close()
		if c.listener.OnClose != nil {
			c.listener.OnClose(ce.Code, ce.Text)
		}
	case c.closed.Load():
		if c.listener.OnClose != nil {
			c.listener.OnClose(websocket.CloseNormalClosure, "closed by client")
		}
	default:
		c.logger.Debug("websocket read failed", clog.Error(err))
		c.closed.Store(true)
		_ = c.ws.Close()
		if c.listener.OnError != nil {
			c.listener.OnError(err)
		}
	}
}
