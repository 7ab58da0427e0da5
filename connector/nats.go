package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/xerrors"
)

type natsConnector struct {
	cfg     *NATSConfig
	conn    *nats.Conn
	logger  clog.Logger
	healthy atomic.Bool
	mu      sync.RWMutex

	attempts metrics.Counter
	active   metrics.Gauge
}

// NewNATS 创建 NATS 连接器，Connect 时才建立连接
func NewNATS(cfg *NATSConfig, opts ...Option) (NATSConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "nats config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	attempts, err := o.meter.Counter("connector_connections_total", "连接器建立连接的尝试次数")
	if err != nil {
		return nil, xerrors.Wrap(err, "create connections counter")
	}
	active, err := o.meter.Gauge("connector_active_connections", "连接器当前活跃连接数")
	if err != nil {
		return nil, xerrors.Wrap(err, "create active connections gauge")
	}

	return &natsConnector{
		cfg:      cfg,
		logger:   o.logger.With(clog.String("connector", "nats"), clog.String("name", cfg.Name)),
		attempts: attempts,
		active:   active,
	}, nil
}

func (c *natsConnector) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.PingInterval(c.cfg.PingInterval),
		nats.MaxPingsOutstanding(c.cfg.MaxPingsOut),
		nats.Timeout(c.cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.healthy.Store(false)
			c.logger.Warn("nats disconnected", clog.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.healthy.Store(true)
			c.logger.Info("nats reconnected", clog.String("url", nc.ConnectedUrl()))
		}),
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

// Connect 建立连接，已连接时直接返回
func (c *natsConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	c.logger.Info("attempting to connect to nats", clog.String("url", c.cfg.URL))
	conn, err := nats.Connect(c.cfg.URL, c.natsOptions()...)
	if err != nil {
		c.attempts.Inc(ctx, metrics.L("connector", "nats"), metrics.L("result", "failure"))
		c.logger.Error("failed to connect to nats", clog.Error(err))
		return xerrors.Wrapf(joinErr(ErrConnection, err), "nats connector[%s]", c.cfg.Name)
	}

	c.conn = conn
	c.attempts.Inc(ctx, metrics.L("connector", "nats"), metrics.L("result", "success"))
	c.active.Set(ctx, 1, metrics.L("connector", "nats"))
	c.healthy.Store(true)
	c.logger.Info("successfully connected to nats")
	return nil
}

// Close 关闭连接
func (c *natsConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.conn == nil {
		return nil
	}
	c.active.Set(context.Background(), 0, metrics.L("connector", "nats"))
	c.conn.Close()
	c.conn = nil
	c.logger.Info("nats connection closed")
	return nil
}

// HealthCheck 检查连接状态
func (c *natsConnector) HealthCheck(context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.healthy.Store(false)
		return ErrNotConnected
	}
	if status := conn.Status(); status != nats.CONNECTED {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "nats connector[%s]: status %s", c.cfg.Name, status)
	}
	c.healthy.Store(true)
	return nil
}

// IsHealthy 返回缓存的健康状态
func (c *natsConnector) IsHealthy() bool {
	return c.healthy.Load()
}

// Name 返回连接器名称
func (c *natsConnector) Name() string {
	return c.cfg.Name
}

// GetClient 返回 NATS 连接
func (c *natsConnector) GetClient() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
