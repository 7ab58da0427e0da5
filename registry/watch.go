package registry

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/event"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/transport/rest"
	"github.com/ceyewan/servicecomb/transport/ws"
	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	watchBackoffBase = 3 * time.Second
	watchBackoffMax  = 600 * time.Second
)

// Watch 维护到注册中心 watcher 端点的推送通道。
//
// 收到任何消息都发布 PullInstanceEvent，由 Discovery 执行一次额外拉取，消息内容不解析。
// 只有错误回调驱动重连；对端正常关闭只记录日志。同一时刻最多一个连接尝试。
//
// 每次切换目标或重连都会递增 gen，连接回调绑定拨号时的 gen 与地址，旧连接的回调被忽略。
type Watch struct {
	addrs   *AddressManager
	dialer  *ws.Dialer
	auth    rest.AuthProvider
	headers map[string]string
	logger  clog.Logger

	backoff      func(errors int64) time.Duration
	errors       atomic.Int64
	reconnecting atomic.Bool

	mu        sync.Mutex
	project   string
	serviceID string
	gen       uint64
	conn      *ws.Conn
	connAddr  string
	attempt   context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnects metrics.Counter

	PullInstance event.Topic[PullInstanceEvent]
}

// watchTarget 一次连接尝试的目标
type watchTarget struct {
	gen       uint64
	project   string
	serviceID string
}

// NewWatch 创建推送通道，StartWatch 后开始连接
func NewWatch(addrs *AddressManager, opts ...Option) (*Watch, error) {
	if addrs == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "address manager is required")
	}
	o := applyOptions(opts)
	counter, err := o.meter.Counter("servicecomb_watch_reconnects_total", "推送通道重连次数")
	if err != nil {
		return nil, xerrors.Wrap(err, "create watch counter")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watch{
		addrs:      addrs,
		dialer:     o.dialer,
		auth:       o.auth,
		headers:    o.headers,
		logger:     o.logger.WithNamespace("watch"),
		backoff:    watchBackoff,
		ctx:        ctx,
		cancel:     cancel,
		reconnects: counter,
	}, nil
}

// StartWatch 开始监听 serviceID 的变化。
// 目标相同的重复调用无效果；目标变化时（重新注册拿到新的 serviceId）关闭当前连接并连接新目标。
func (w *Watch) StartWatch(project, serviceID string) {
	w.mu.Lock()
	if w.ctx.Err() != nil || (w.gen > 0 && w.project == project && w.serviceID == serviceID) {
		w.mu.Unlock()
		return
	}
	old := w.serviceID
	w.project, w.serviceID = project, serviceID
	conn := w.resetLocked()
	w.errors.Store(0)
	w.reconnecting.Store(true)
	w.spawnLocked()
	w.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if old != "" {
		w.logger.Info("watch target changed",
			clog.String("old_service_id", old),
			clog.String("service_id", serviceID))
	}
}

// Target 当前监听的 project 与 serviceId
func (w *Watch) Target() (project, serviceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.project, w.serviceID
}

// Stop 关闭连接并唤醒正在等待的重连
func (w *Watch) Stop() {
	w.mu.Lock()
	w.cancel()
	conn := w.conn
	w.conn, w.connAddr = nil, ""
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	w.wg.Wait()
}

// resetLocked 作废当前连接与连接尝试，返回需要关闭的连接
func (w *Watch) resetLocked() *ws.Conn {
	w.gen++
	if w.attempt != nil {
		w.attempt()
		w.attempt = nil
	}
	conn := w.conn
	w.conn, w.connAddr = nil, ""
	return conn
}

// spawnLocked 为当前 gen 启动连接 goroutine，Stop 之后不再启动
func (w *Watch) spawnLocked() {
	if w.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.attempt = cancel
	t := watchTarget{gen: w.gen, project: w.project, serviceID: w.serviceID}
	w.wg.Add(1)
	go w.connect(ctx, t)
}

func (w *Watch) current(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen == gen
}

// backoff min(600s, errors² * 3s)
func watchBackoff(errors int64) time.Duration {
	if errors <= 0 {
		return 0
	}
	if errors >= 15 {
		return watchBackoffMax
	}
	return min(watchBackoffMax, time.Duration(errors*errors)*watchBackoffBase)
}

// watchURL http→ws、https→wss，其他 scheme 原样保留
func watchURL(addr, project, serviceID string) string {
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	}
	return addr + "/v4/" + url.PathEscape(project) + "/registry/microservices/" + url.PathEscape(serviceID) + "/watcher"
}

// connect 在独立 goroutine 上运行，直到建立连接、目标被替换或 Stop
func (w *Watch) connect(ctx context.Context, t watchTarget) {
	defer w.wg.Done()
	for {
		wait := w.backoff(w.errors.Load())
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		addr, err := w.addrs.Address()
		if err != nil {
			w.logger.Error("no registry address for watch, watch stopped", clog.Error(err))
			return
		}
		header, err := w.header(ctx)
		if err != nil {
			w.logger.Error("resolve watch headers failed", clog.Error(err))
			w.errors.Add(1)
			continue
		}

		target := watchURL(addr, t.project, t.serviceID)
		w.logger.Info("connecting to watch endpoint", clog.String("url", target))
		conn, err := w.dialer.Dial(ctx, target, header, w.listener(t.gen, addr))
		if err != nil {
			w.logger.Warn("watch dial failed", clog.String("url", target), clog.Error(err))
			w.addrs.RecordFailState(addr)
			w.errors.Add(1)
			w.reconnects.Inc(w.ctx, metrics.L("result", "failure"))
			continue
		}
		w.reconnects.Inc(w.ctx, metrics.L("result", "success"))

		// 读循环可能已经报错并触发了重连，此时 gen 已变化，这条连接直接丢弃
		w.mu.Lock()
		if ctx.Err() != nil || w.gen != t.gen {
			w.mu.Unlock()
			_ = conn.Close()
			return
		}
		w.conn, w.connAddr = conn, addr
		w.mu.Unlock()
		return
	}
}

func (w *Watch) listener(gen uint64, addr string) ws.Listener {
	return ws.Listener{
		OnOpen: func() { w.onOpen(gen, addr) },
		OnMessage: func(data []byte) {
			if w.current(gen) {
				w.onMessage(data)
			}
		},
		OnError: func(err error) { w.onError(gen, addr, err) },
		OnClose: w.onClose,
	}
}

func (w *Watch) header(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	for k, v := range w.headers {
		h.Set(k, v)
	}
	if w.auth != nil {
		auth, err := w.auth.Headers(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range auth {
			h.Set(k, v)
		}
	}
	return h, nil
}

func (w *Watch) onOpen(gen uint64, addr string) {
	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return
	}
	w.errors.Store(0)
	w.reconnecting.Store(false)
	sid := w.serviceID
	w.mu.Unlock()

	w.addrs.RecordSuccessState(addr)
	w.logger.Info("watch connected", clog.String("service_id", sid), clog.String("addr", addr))
}

func (w *Watch) onMessage(data []byte) {
	w.logger.Debug("watch message received", clog.Int("size", len(data)))
	w.PullInstance.Publish(PullInstanceEvent{})
}

func (w *Watch) onError(gen uint64, addr string, err error) {
	w.logger.Warn("watch connection error", clog.String("addr", addr), clog.Error(err))
	w.reconnect(gen, addr)
}

func (w *Watch) onClose(code int, reason string) {
	w.logger.Info("watch connection closed",
		clog.Int("code", code),
		clog.String("reason", reason))
}

// reconnect 只处理当前 gen 的连接，并发调用只有第一个生效。失败记在拨号时的地址上。
func (w *Watch) reconnect(gen uint64, addr string) {
	w.mu.Lock()
	if w.ctx.Err() != nil || w.gen != gen || !w.reconnecting.CompareAndSwap(false, true) {
		w.mu.Unlock()
		return
	}
	w.errors.Add(1)
	conn := w.resetLocked()
	w.spawnLocked()
	w.mu.Unlock()

	w.addrs.RecordFailState(addr)
	if conn != nil {
		_ = conn.Close()
	}
}
