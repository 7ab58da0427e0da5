package connector

import (
	"context"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/xerrors"
)

const healthCheckKey = "servicecomb-health-check"

type etcdConnector struct {
	cfg     *EtcdConfig
	client  *clientv3.Client
	logger  clog.Logger
	healthy atomic.Bool
	mu      sync.RWMutex

	attempts metrics.Counter
	active   metrics.Gauge
}

// NewEtcd 创建 etcd 连接器。clientv3.New 不阻塞，连通性在 Connect 时确认。
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "etcd config is required")
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

	client, err := clientv3.New(clientv3.Config{
		Endpoints:            cfg.Endpoints,
		DialTimeout:          cfg.DialTimeout,
		DialKeepAliveTime:    cfg.KeepAliveTime,
		DialKeepAliveTimeout: cfg.KeepAliveTimeout,
		Username:             cfg.Username,
		Password:             cfg.Password,
	})
	if err != nil {
		return nil, xerrors.Wrapf(joinErr(ErrConnection, err), "etcd connector[%s]", cfg.Name)
	}

	return &etcdConnector{
		cfg:      cfg,
		client:   client,
		logger:   o.logger.With(clog.String("connector", "etcd"), clog.String("name", cfg.Name)),
		attempts: attempts,
		active:   active,
	}, nil
}

// Connect 读取一个探测 key 确认连通
func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return xerrors.Wrapf(ErrNotConnected, "etcd connector[%s]: closed", c.cfg.Name)
	}

	c.logger.Info("attempting to connect to etcd", clog.Strings("endpoints", c.cfg.Endpoints))
	if err := c.probe(ctx); err != nil {
		c.attempts.Inc(ctx, metrics.L("connector", "etcd"), metrics.L("result", "failure"))
		c.logger.Error("failed to connect to etcd", clog.Error(err))
		return xerrors.Wrapf(joinErr(ErrConnection, err), "etcd connector[%s]", c.cfg.Name)
	}

	c.attempts.Inc(ctx, metrics.L("connector", "etcd"), metrics.L("result", "success"))
	c.active.Set(ctx, 1, metrics.L("connector", "etcd"))
	c.healthy.Store(true)
	c.logger.Info("successfully connected to etcd")
	return nil
}

// Close 关闭客户端，重复调用无效果
func (c *etcdConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.client == nil {
		return nil
	}
	c.active.Set(context.Background(), 0, metrics.L("connector", "etcd"))
	err := c.client.Close()
	c.client = nil
	if err != nil {
		c.logger.Error("failed to close etcd connection", clog.Error(err))
		return xerrors.Wrapf(err, "etcd connector[%s]: close", c.cfg.Name)
	}
	c.logger.Info("etcd connection closed")
	return nil
}

// HealthCheck 检查连接健康状态
func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		c.healthy.Store(false)
		return ErrNotConnected
	}
	if err := c.probe(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrapf(joinErr(ErrHealthCheck, err), "etcd connector[%s]", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	_, err := c.client.Get(ctx, healthCheckKey)
	return err
}

// IsHealthy 返回缓存的健康状态
func (c *etcdConnector) IsHealthy() bool {
	return c.healthy.Load()
}

// Name 返回连接器名称
func (c *etcdConnector) Name() string {
	return c.cfg.Name
}

// GetClient 返回 etcd 客户端
func (c *etcdConnector) GetClient() *clientv3.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// joinErr 把哨兵错误与底层原因合并，二者都能被 errors.Is 匹配
func joinErr(kind, cause error) error {
	return xerrors.Join(kind, cause)
}
