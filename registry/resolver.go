package registry

import (
	"net/url"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/resolver"

	"github.com/ceyewan/servicecomb/breaker"
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/trace"
	"github.com/ceyewan/servicecomb/xerrors"
)

// ResolverBuilder 实现 gRPC resolver.Builder，解析 <scheme>:///<appId>/<serviceName>。
// 地址来自 Discovery 的缓存，InstanceChanged 事件到达时推送新状态。
type ResolverBuilder struct {
	discovery *Discovery
	scheme    string
	logger    clog.Logger
}

// NewResolverBuilder 创建 resolver builder，scheme 为空时使用 "cse"
func NewResolverBuilder(d *Discovery, scheme string, logger clog.Logger) *ResolverBuilder {
	if scheme == "" {
		scheme = "cse"
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return &ResolverBuilder{discovery: d, scheme: scheme, logger: logger.WithNamespace("resolver")}
}

// Build 创建 resolver 并订阅实例变化
func (b *ResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	appID, serviceName, err := parseTarget(target)
	if err != nil {
		return nil, err
	}

	r := &discoveryResolver{
		discovery:   b.discovery,
		appID:       appID,
		serviceName: serviceName,
		cc:          cc,
		logger:      b.logger.With(clog.String("app_id", appID), clog.String("service_name", serviceName)),
	}
	b.discovery.Register(appID, serviceName)
	r.unsubscribe = b.discovery.InstanceChanged.Subscribe(r.onInstanceChanged)

	if instances, ok := b.discovery.Instances(appID, serviceName); ok && len(instances) > 0 {
		r.push(instances)
	} else {
		b.discovery.OnPullInstance(PullInstanceEvent{})
	}
	return r, nil
}

// Scheme 返回 scheme
func (b *ResolverBuilder) Scheme() string {
	return b.scheme
}

// Dial 通过服务发现建立 gRPC 连接，带 otelgrpc 埋点与熔断拦截器。target 形如 "cse:///app/order"。
func (b *ResolverBuilder) Dial(target string, brk breaker.Breaker, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithResolvers(b),
		grpc.WithDefaultServiceConfig(`{"loadBalancingPolicy":"round_robin"}`),
		grpc.WithStatsHandler(trace.GRPCClientStatsHandler()),
	}
	if brk != nil {
		base = append(base, grpc.WithUnaryInterceptor(brk.UnaryClientInterceptor()))
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "dial %s", target)
	}
	return conn, nil
}

func parseTarget(target resolver.Target) (appID, serviceName string, err error) {
	path := strings.TrimPrefix(target.URL.Path, "/")
	if path == "" {
		path = target.URL.Opaque
	}
	appID, serviceName, ok := strings.Cut(path, "/")
	if !ok || appID == "" || serviceName == "" {
		return "", "", xerrors.Wrapf(xerrors.ErrInvalidInput, "invalid target %q, want <scheme>:///<appId>/<serviceName>", target.URL.String())
	}
	return appID, serviceName, nil
}

// discoveryResolver 实现 gRPC resolver.Resolver
type discoveryResolver struct {
	discovery   *Discovery
	appID       string
	serviceName string
	cc          resolver.ClientConn
	logger      clog.Logger
	unsubscribe func()
	mu          sync.Mutex
}

func (r *discoveryResolver) onInstanceChanged(e InstanceChangedEvent) {
	if e.AppID != r.appID || e.ServiceName != r.serviceName {
		return
	}
	r.push(e.Instances)
}

// push 只推送 UP 实例。地址列表为空时不更新，保留旧状态直到有新地址可用。
func (r *discoveryResolver) push(instances []MicroserviceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var addrs []resolver.Address
	seen := map[string]struct{}{}
	for _, inst := range instances {
		if inst.Status != "" && inst.Status != StatusUp {
			continue
		}
		for _, ep := range inst.Endpoints {
			addr := parseEndpoint(ep)
			if addr == "" {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			addrs = append(addrs, resolver.Address{Addr: addr, ServerName: r.serviceName})
		}
	}

	if len(addrs) == 0 {
		r.logger.Warn("no available service instances in resolver")
		return
	}
	if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		r.logger.Error("failed to update resolver state", clog.Error(err))
	}
}

// ResolveNow 请求一次额外拉取，结果通过 InstanceChanged 回来
func (r *discoveryResolver) ResolveNow(resolver.ResolveNowOptions) {
	r.discovery.OnPullInstance(PullInstanceEvent{})
}

// Close 取消订阅
func (r *discoveryResolver) Close() {
	r.unsubscribe()
}

// parseEndpoint 解析 endpoint 地址
// 支持格式: grpc://host:port, rest://host:port?sslEnabled=false, host:port
func parseEndpoint(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
