// Package configcenter 是配置中心的刷新与推送客户端。
//
// 拉取模式下每个周期带 revision 拉取一次；推送模式下只在推送通道未建立时先拉取一次再建立通道，
// 之后依赖服务端推送的帧：CREATE 触发重新拉取，MEMBER_CHANGE 刷新地址池，其余按增量应用。
// 推送通道每 HeartbeatInterval 发送一次 ping，结果以 ConnSuccEvent / ConnFailEvent 发布；
// MemberDiscovery 订阅 ConnFailEvent，失败后下一次取址换到另一个成员。
//
// 基本使用：
//
//	cc, err := configcenter.New(&cfg.ConfigCenter, func(action string, items map[string]any) {
//		logger.Info("config changed", clog.String("action", action), clog.Int("count", len(items)))
//	}, configcenter.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	cc.Start()
//	defer cc.Stop()
package configcenter

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/event"
	"github.com/ceyewan/servicecomb/internal/chain"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/transport/rest"
	"github.com/ceyewan/servicecomb/transport/ws"
	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	HeaderDomainName  = "x-domain-name"
	HeaderEnvironment = "x-environment"
	HeaderAuthToken   = "X-Auth-Token"

	itemsPath   = "/configuration/items"
	refreshPath = "/configuration/refresh/items"
	membersPath = "/configuration/members"
)

// Client 配置中心客户端
type Client struct {
	cfg     Config
	members *MemberDiscovery
	items   *Items
	rest    *rest.Client
	dialer  *ws.Dialer
	auth    rest.AuthProvider
	logger  clog.Logger
	worker  *chain.Worker

	started  atomic.Bool
	watching atomic.Bool

	mu   sync.Mutex
	conn *ws.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshes metrics.Counter

	ConnSucc event.Topic[ConnSuccEvent]
	ConnFail event.Topic[ConnFailEvent]
}

// New 创建客户端，Start 后开始刷新
func New(cfg *Config, handler UpdateHandler, opts ...Option) (*Client, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	rc := o.rest
	if rc == nil {
		var err error
		rc, err = rest.New(&c.REST, rest.WithLogger(o.logger), rest.WithMeter(o.meter))
		if err != nil {
			return nil, xerrors.Wrap(err, "create config center rest client")
		}
	}
	refreshes, err := o.meter.Counter("servicecomb_config_refresh_total", "配置中心拉取结果")
	if err != nil {
		return nil, xerrors.Wrap(err, "create config refresh counter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cc := &Client{
		cfg:       c,
		members:   NewMemberDiscovery(c.ServerURI),
		items:     NewItems(handler),
		rest:      rc,
		dialer:    o.dialer,
		auth:      o.auth,
		logger:    o.logger,
		ctx:       ctx,
		cancel:    cancel,
		refreshes: refreshes,
	}
	cc.worker = chain.NewWorker("configcenter", cc.logger)
	cc.ConnFail.Subscribe(cc.members.OnConnFail)
	return cc, nil
}

// Items 配置副本
func (c *Client) Items() *Items { return c.items }

// Members 配置中心地址池
func (c *Client) Members() *MemberDiscovery { return c.members }

// Watching 推送通道是否已建立
func (c *Client) Watching() bool { return c.watching.Load() }

// Start 启动刷新链，重复调用无效果
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("config center client starting",
		clog.String("mode", c.cfg.RefreshMode.String()),
		clog.Strings("servers", c.members.Members()))
	c.worker.Submit(&startTask{c: c})
}

// Stop 停止刷新链，关闭推送通道
func (c *Client) Stop() {
	c.cancel()
	c.worker.Stop()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.watching.Store(false)
}

// Refresh 立即从当前成员拉取一次
func (c *Client) Refresh(ctx context.Context) error {
	server, err := c.members.ConfigServer()
	if err != nil {
		return err
	}
	return c.refreshConfig(ctx, server)
}

// RefreshMembers 从当前成员拉取成员列表并替换地址池
func (c *Client) RefreshMembers(ctx context.Context) error {
	server, err := c.members.ConfigServer()
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	header, err := c.header(callCtx)
	if err != nil {
		return err
	}
	target := server + membersPath
	resp, err := c.rest.Do(callCtx, &rest.Request{
		Method: http.MethodGet,
		URL:    target,
		Route:  membersPath,
		Header: header,
	})
	if err != nil {
		return xerrors.Wrapf(err, "fetch members from %s", server)
	}
	if err := resp.Err(http.MethodGet, target); err != nil {
		return err
	}
	var members MembersResponse
	if err := resp.Decode(&members); err != nil {
		return err
	}
	n := c.members.RefreshMembers(members)
	if n == 0 {
		c.logger.Warn("no available config center member, keep current pool", clog.String("server", server))
		return nil
	}
	c.logger.Info("config center members refreshed", clog.Strings("members", c.members.Members()))
	return nil
}

// run 执行一个刷新周期
func (c *Client) run(ctx context.Context) {
	server, err := c.members.ConfigServer()
	if err != nil {
		c.logger.Error("no config center address", clog.Error(err))
		return
	}
	if c.cfg.RefreshMode == RefreshModePull {
		_ = c.refreshConfig(ctx, server)
		return
	}
	if c.watching.Load() {
		return
	}
	// 重新建立推送通道前先拉取，避免断开期间的变更丢失
	_ = c.refreshConfig(ctx, server)
	c.watch(ctx, server)
}

// refreshConfig 拉取并应用配置。200 解析后刷新，304 视为成功，其余视为失败。
func (c *Client) refreshConfig(ctx context.Context, server string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("dimensionsInfo", deleteWhitespace(c.cfg.ServiceName))
	q.Set("revision", c.items.Revision())
	target := server + itemsPath + "?" + q.Encode()

	header, err := c.header(callCtx)
	if err != nil {
		return c.fail(ctx, "resolve auth header failed", err)
	}
	resp, err := c.rest.Do(callCtx, &rest.Request{
		Method: http.MethodGet,
		URL:    target,
		Route:  itemsPath,
		Header: header,
	})
	if err != nil {
		return c.fail(ctx, "fetch config fail", xerrors.Wrapf(err, "fetch config from %s", server))
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var remote map[string]map[string]any
		if err := json.Unmarshal(resp.Body, &remote); err != nil {
			return c.fail(ctx, "config update result parse fail", xerrors.Wrapf(err, "parse config from %s", server))
		}
		c.items.Refresh(remote)
		c.succeed(ctx, "modified")
		c.logger.Debug("config refreshed", clog.String("revision", c.items.Revision()))
		return nil
	case http.StatusNotModified:
		c.succeed(ctx, "not_modified")
		return nil
	default:
		return c.fail(ctx, "fetch config fail", resp.Err(http.MethodGet, target))
	}
}

func (c *Client) succeed(ctx context.Context, result string) {
	c.refreshes.Inc(ctx, metrics.L("result", result))
	c.ConnSucc.Publish(ConnSuccEvent{})
}

func (c *Client) fail(ctx context.Context, reason string, err error) error {
	c.refreshes.Inc(ctx, metrics.L("result", "error"))
	c.logger.Error("config update failed", clog.String("reason", reason), clog.Error(err))
	c.ConnFail.Publish(ConnFailEvent{Reason: reason})
	return err
}

// watch 建立推送通道。握手失败只记录日志，下一个周期重试。
func (c *Client) watch(ctx context.Context, server string) {
	target, err := refreshURL(server, c.cfg.RefreshPort, c.cfg.ServiceName)
	if err != nil {
		c.logger.Error("invalid config center address", clog.String("server", server), clog.Error(err))
		return
	}
	header, err := c.header(ctx)
	if err != nil {
		c.logger.Error("resolve watch headers failed", clog.Error(err))
		return
	}

	conn, err := c.dialer.Dial(ctx, target, header, ws.Listener{
		OnOpen: func() {
			c.watching.Store(true)
			c.logger.Info("config watch connected", clog.String("url", target))
		},
		OnMessage: func(data []byte) { c.onFrame(server, data) },
		OnError: func(err error) {
			c.watching.Store(false)
			c.logger.Error("watch config read fail", clog.Error(err))
		},
		OnClose: func(code int, reason string) {
			c.watching.Store(false)
			c.logger.Warn("watching config connection is closed",
				clog.Int("code", code),
				clog.String("reason", reason))
		},
	})
	if err != nil {
		c.logger.Error("config watch dial failed", clog.String("url", target), clog.Error(err))
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	old := c.conn
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go c.heartbeat(conn)
}

// heartbeat 定期 ping，连接结束或客户端停止时退出
func (c *Client) heartbeat(conn *ws.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				c.logger.Error("heartbeat fail", clog.Error(err))
				c.ConnFail.Publish(ConnFailEvent{Reason: "heartbeat fail, " + err.Error()})
				return
			}
			c.ConnSucc.Publish(ConnSuccEvent{})
		}
	}
}

func (c *Client) onFrame(server string, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		err = xerrors.Wrapf(xerrors.Join(xerrors.ErrMalformed, err), "frame of %d bytes", len(data))
		_ = c.fail(c.ctx, "config frame parse fail", err)
		return
	}
	c.logger.Info("watching config received", clog.String("action", f.Action), clog.String("key", f.Key))

	switch f.Action {
	case "CREATE":
		_ = c.refreshConfig(c.ctx, server)
	case "MEMBER_CHANGE":
		if err := c.RefreshMembers(c.ctx); err != nil {
			c.logger.Error("refresh config center members failed", clog.Error(err))
		}
	default:
		if err := c.items.RefreshIncremental(f); err != nil {
			_ = c.fail(c.ctx, "apply incremental config fail", err)
		}
	}
}

func (c *Client) header(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set(HeaderDomainName, c.cfg.TenantName)
	h.Set(HeaderEnvironment, c.cfg.Environment)
	if c.cfg.Token != "" {
		h.Set(HeaderAuthToken, c.cfg.Token)
	}
	if c.auth != nil {
		auth, err := c.auth.Headers(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range auth {
			h.Set(k, v)
		}
	}
	return h, nil
}

// refreshURL http→ws、https→wss，RefreshPort 非 0 时替换端口
func refreshURL(server string, port int, serviceName string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if port > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	u.Path = strings.TrimRight(u.Path, "/") + refreshPath
	q := url.Values{}
	q.Set("dimensionsInfo", deleteWhitespace(serviceName))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func deleteWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// startTask 首个刷新周期：按需刷新成员，执行一次刷新，然后进入周期调度
type startTask struct {
	c *Client
}

func (t *startTask) Name() string { return "config-start" }

func (t *startTask) Execute(ctx context.Context) chain.Task {
	if t.c.cfg.AutoDiscovery {
		if err := t.c.RefreshMembers(ctx); err != nil {
			t.c.logger.Error("fetch config center members failed", clog.Error(err))
		}
	}
	t.c.run(ctx)
	return chain.Delay(t.c.cfg.FirstRefreshInterval, &refreshTask{c: t.c})
}

// refreshTask 周期刷新，执行后按 RefreshInterval 重新调度自己
type refreshTask struct {
	c *Client
}

func (t *refreshTask) Name() string { return "config-refresh" }

func (t *refreshTask) Execute(ctx context.Context) chain.Task {
	t.c.run(ctx)
	return chain.Delay(t.c.cfg.RefreshInterval, t)
}
