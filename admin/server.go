// Package admin 提供本地管理端口：健康检查、实例缓存、当前配置与 Prometheus 指标。
//
//	GET /health                         心跳正常返回 200，否则 503
//	GET /instances                      所有订阅的实例缓存
//	GET /instances/:appId/:serviceName  单个订阅
//	GET /config                         配置中心展开后的配置
//	GET /metrics                        Prometheus 指标
package admin

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/configcenter"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/registry"
	"github.com/ceyewan/servicecomb/trace"
	"github.com/ceyewan/servicecomb/xerrors"
)

// Config 管理端口配置
type Config struct {
	// Addr 监听地址，默认 ":9090"
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// ServiceName 追踪与指标中的服务名
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`

	// ReadHeaderTimeout 默认 5s
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" json:"read_header_timeout"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.ServiceName == "" {
		c.ServiceName = "servicecomb-admin"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
}

// Server 管理端口
type Server struct {
	cfg          Config
	logger       clog.Logger
	meter        metrics.Meter
	health       *Health
	registration *registry.Registration
	discovery    *registry.Discovery
	config       *configcenter.Client

	engine *gin.Engine
	srv    *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New 创建管理端口，Start 后开始监听
func New(cfg *Config, opts ...Option) (*Server, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(o.meter, c.ServiceName, metrics.OperationHTTPServer)
	if err != nil {
		return nil, xerrors.Wrap(err, "create admin http metrics")
	}

	s := &Server{
		cfg:          c,
		logger:       o.logger,
		meter:        o.meter,
		health:       NewHealth(),
		registration: o.registration,
		discovery:    o.discovery,
		config:       o.config,
	}
	if s.registration != nil {
		s.health.WatchRegistration(s.registration)
	}
	if s.config != nil {
		s.health.WatchConfigCenter(s.config)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(trace.GinMiddleware(c.ServiceName))
	r.Use(metrics.GinMiddleware(httpMetrics))

	r.GET("/health", s.handleHealth)
	r.GET("/instances", s.handleInstances)
	r.GET("/instances/:appId/:serviceName", s.handleInstance)
	r.GET("/config", s.handleConfig)
	r.GET("/metrics", gin.WrapH(s.meter.Handler()))

	s.engine = r
	s.srv = &http.Server{
		Addr:              c.Addr,
		Handler:           r,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler 路由，便于测试直接调用
func (s *Server) Handler() http.Handler { return s.engine }

// Health 健康状态
func (s *Server) Health() *Health { return s.health }

// Start 监听并在后台提供服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return xerrors.Wrap(xerrors.ErrInvalidState, "admin server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return xerrors.Wrapf(err, "listen %s", s.cfg.Addr)
	}
	s.listener = ln
	s.done = make(chan struct{})

	s.logger.Info("admin http listening", clog.String("addr", ln.Addr().String()))
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin http failed", clog.Error(err))
		}
	}()
	return nil
}

// Addr 实际监听地址，未启动时返回配置地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown 优雅关闭并取消事件订阅
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Close()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return xerrors.Wrap(err, "shutdown admin server")
	}
	<-done
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"stages": s.health.Stages()}
	if s.registration != nil {
		body["service_id"] = s.registration.ServiceID()
		body["instance_id"] = s.registration.InstanceID()
	}
	if s.health.Healthy() {
		body["status"] = "UP"
		c.JSON(http.StatusOK, body)
		return
	}
	body["status"] = "DOWN"
	c.JSON(http.StatusServiceUnavailable, body)
}

func (s *Server) handleInstances(c *gin.Context) {
	if s.discovery == nil {
		c.JSON(http.StatusOK, gin.H{"subscriptions": []registry.InstanceChangedEvent{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": s.discovery.Subscriptions()})
}

func (s *Server) handleInstance(c *gin.Context) {
	if s.discovery == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "discovery is not enabled"})
		return
	}
	appID, name := c.Param("appId"), c.Param("serviceName")
	instances, ok := s.discovery.Instances(appID, name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"appId":       appID,
		"serviceName": name,
		"revision":    s.discovery.Revision(appID, name),
		"instances":   instances,
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	if s.config == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config center is not enabled"})
		return
	}
	items := s.config.Items()
	c.JSON(http.StatusOK, gin.H{
		"revision": items.Revision(),
		"items":    items.Snapshot(),
		"watching": s.config.Watching(),
	})
}
