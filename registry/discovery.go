package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/event"
	"github.com/ceyewan/servicecomb/internal/chain"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/xerrors"
)

// allVersion 查询所有版本的版本规则
const allVersion = "0+"

type subscriptionKey struct {
	appID       string
	serviceName string
}

// subscription revision 与 instances 只在同一把锁下一起替换
type subscription struct {
	mu        sync.RWMutex
	revision  string
	instances []MicroserviceInstance
}

func (s *subscription) snapshot() (string, []MicroserviceInstance) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, s.instances
}

// Discovery 按 (appId, serviceName) 定期拉取实例列表。
//
// 拉取基于 revision 做条件查询，未变化时不做任何事；变化时原子替换缓存并发布 InstanceChanged。
// 周期拉取与推送触发的拉取都在同一个 Worker 上串行执行。
type Discovery struct {
	client  Client
	cfg     Config
	logger  clog.Logger
	worker  *chain.Worker
	limiter *rate.Limiter

	mu      sync.RWMutex
	entries map[subscriptionKey]*subscription

	// serviceId -> 所属微服务，只缓存查询成功的结果
	svcMu    sync.Mutex
	services map[string]*Microservice

	consumerID   atomic.Value
	pollInterval atomic.Int64
	started      atomic.Bool
	oncePending  atomic.Bool

	pulls     metrics.Counter
	instances metrics.Gauge

	InstanceChanged event.Topic[InstanceChangedEvent]
}

// NewDiscovery 创建实例发现
func NewDiscovery(cfg *Config, client Client, opts ...Option) (*Discovery, error) {
	if client == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "registry client is required")
	}
	c := cfg.withDefaults()
	o := applyOptions(opts)

	pulls, err := o.meter.Counter("servicecomb_discovery_pulls_total", "实例拉取结果")
	if err != nil {
		return nil, xerrors.Wrap(err, "create discovery counter")
	}
	gauge, err := o.meter.Gauge("servicecomb_discovery_instances", "缓存的实例数")
	if err != nil {
		return nil, xerrors.Wrap(err, "create discovery gauge")
	}

	d := &Discovery{
		client:    client,
		cfg:       c,
		logger:    o.logger.WithNamespace("discovery"),
		limiter:   rate.NewLimiter(rate.Limit(c.PullRate), 1),
		entries:   map[subscriptionKey]*subscription{},
		services:  map[string]*Microservice{},
		pulls:     pulls,
		instances: gauge,
	}
	d.consumerID.Store("")
	d.pollInterval.Store(int64(15 * time.Second))
	d.SetPollInterval(c.PollInterval)
	d.worker = chain.NewWorker("discovery", d.logger)
	return d, nil
}

// SetPollInterval 设置轮询间隔，超出 [1s, 600s] 的值被忽略
func (d *Discovery) SetPollInterval(interval time.Duration) {
	if !validInterval(interval) {
		d.logger.Warn("poll interval out of range, ignored", clog.Duration("interval", interval))
		return
	}
	d.pollInterval.Store(int64(interval))
}

// UpdateMyselfServiceID 设置调用方自身的 serviceId。为空时跳过拉取。
func (d *Discovery) UpdateMyselfServiceID(serviceID string) {
	d.consumerID.Store(serviceID)
}

// Register 确保 (appID, serviceName) 的订阅存在，不触发拉取
func (d *Discovery) Register(appID, serviceName string) {
	key := subscriptionKey{appID: appID, serviceName: serviceName}

	d.mu.RLock()
	_, ok := d.entries[key]
	d.mu.RUnlock()
	if ok {
		return
	}

	d.mu.Lock()
	if _, ok := d.entries[key]; !ok {
		d.entries[key] = &subscription{}
		d.logger.Info("subscription added",
			clog.String("app_id", appID),
			clog.String("service_name", serviceName))
	}
	d.mu.Unlock()
}

// Instances 返回缓存的实例列表。订阅不存在时 ok 为 false。
func (d *Discovery) Instances(appID, serviceName string) (instances []MicroserviceInstance, ok bool) {
	d.mu.RLock()
	s, ok := d.entries[subscriptionKey{appID: appID, serviceName: serviceName}]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	_, instances = s.snapshot()
	return slices.Clone(instances), true
}

// Revision 返回订阅当前的 revision
func (d *Discovery) Revision(appID, serviceName string) string {
	d.mu.RLock()
	s, ok := d.entries[subscriptionKey{appID: appID, serviceName: serviceName}]
	d.mu.RUnlock()
	if !ok {
		return ""
	}
	rev, _ := s.snapshot()
	return rev
}

// Subscriptions 返回所有订阅的快照，按 appId、serviceName 排序
func (d *Discovery) Subscriptions() []InstanceChangedEvent {
	d.mu.RLock()
	out := make([]InstanceChangedEvent, 0, len(d.entries))
	for k, s := range d.entries {
		rev, instances := s.snapshot()
		out = append(out, InstanceChangedEvent{
			AppID:       k.appID,
			ServiceName: k.serviceName,
			Revision:    rev,
			Instances:   slices.Clone(instances),
		})
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b InstanceChangedEvent) int {
		if c := strings.Compare(a.AppID, b.AppID); c != 0 {
			return c
		}
		return strings.Compare(a.ServiceName, b.ServiceName)
	})
	return out
}

// StartDiscovery 启动周期拉取，重复调用无效果
func (d *Discovery) StartDiscovery() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.worker.Submit(&pullInstancesTask{d: d})
}

// OnPullInstance 请求一次额外拉取。已有一次未执行的额外拉取时合并到那一次；
// 额外拉取的频率受 PullRate 限制。
func (d *Discovery) OnPullInstance(PullInstanceEvent) {
	if !d.oncePending.CompareAndSwap(false, true) {
		return
	}
	wait := d.limiter.Reserve().Delay()
	if !d.worker.Submit(chain.Delay(wait, &pullInstancesOnceTask{d: d})) {
		d.oncePending.Store(false)
	}
}

// Stop 停止拉取
func (d *Discovery) Stop() {
	d.worker.Stop()
}

// pullAll 拉取全部订阅。本地状态不可用（地址池为空）时立即返回该错误，其余错误按条目记录后继续。
func (d *Discovery) pullAll(ctx context.Context) error {
	consumerID, _ := d.consumerID.Load().(string)
	if consumerID == "" {
		d.logger.Debug("registration not ready, skip pulling instances")
		return nil
	}

	d.mu.RLock()
	keys := make([]subscriptionKey, 0, len(d.entries))
	subs := make([]*subscription, 0, len(d.entries))
	for k, s := range d.entries {
		keys = append(keys, k)
		subs = append(subs, s)
	}
	d.mu.RUnlock()

	for i, k := range keys {
		if err := d.pull(ctx, consumerID, k, subs[i]); xerrors.Is(err, xerrors.ErrInvalidState) {
			return err
		}
	}
	return nil
}

func (d *Discovery) pull(ctx context.Context, consumerID string, k subscriptionKey, s *subscription) error {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	oldRev, oldInstances := s.snapshot()
	res, err := d.client.FindInstances(callCtx, consumerID, k.appID, k.serviceName, allVersion, oldRev)
	if err != nil {
		d.pulls.Inc(ctx, metrics.L("result", "error"))
		d.logger.Error("find service instances failed",
			clog.String("app_id", k.appID),
			clog.String("service_name", k.serviceName),
			clog.Error(err))
		return err
	}
	if !res.Modified {
		d.pulls.Inc(ctx, metrics.L("result", "not_modified"))
		return nil
	}

	instances := res.Instances
	if instances == nil {
		instances = []MicroserviceInstance{}
	}
	// 所属微服务查不到时整批放弃，revision 不前进，下一轮重新拉取
	if err := d.attachMicroservices(callCtx, instances); err != nil {
		d.pulls.Inc(ctx, metrics.L("result", "error"))
		d.logger.Error("find microservice of instances failed",
			clog.String("app_id", k.appID),
			clog.String("service_name", k.serviceName),
			clog.Error(err))
		return err
	}
	s.mu.Lock()
	s.revision = res.Revision
	s.instances = instances
	s.mu.Unlock()

	d.pulls.Inc(ctx, metrics.L("result", "modified"))
	d.instances.Set(ctx, float64(len(instances)),
		metrics.L("app_id", k.appID), metrics.L("service_name", k.serviceName))
	d.logger.Info("instance changed",
		clog.String("app_id", k.appID),
		clog.String("service_name", k.serviceName),
		clog.String("revision", res.Revision),
		clog.String("origin_revision", oldRev),
		clog.Int("count", len(instances)),
		clog.Int("origin_count", len(oldInstances)))
	d.InstanceChanged.Publish(InstanceChangedEvent{
		AppID:       k.appID,
		ServiceName: k.serviceName,
		Revision:    res.Revision,
		Instances:   slices.Clone(instances),
	})
	return nil
}

func (d *Discovery) attachMicroservices(ctx context.Context, instances []MicroserviceInstance) error {
	for i := range instances {
		sid := instances[i].ServiceID
		if sid == "" {
			continue
		}
		svc, err := d.microservice(ctx, sid)
		if err != nil {
			return xerrors.Wrapf(err, "microservice %s", sid)
		}
		instances[i].Microservice = svc
	}
	return nil
}

func (d *Discovery) microservice(ctx context.Context, serviceID string) (*Microservice, error) {
	d.svcMu.Lock()
	svc, ok := d.services[serviceID]
	d.svcMu.Unlock()
	if ok {
		return svc, nil
	}

	svc, err := d.client.GetMicroservice(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	d.svcMu.Lock()
	d.services[serviceID] = svc
	d.svcMu.Unlock()
	return svc, nil
}

// pullInstancesTask 周期拉取，执行后按 pollInterval 重新调度自己
type pullInstancesTask struct {
	d *Discovery
}

func (t *pullInstancesTask) Name() string { return "pull-instances" }

func (t *pullInstancesTask) Execute(ctx context.Context) chain.Task {
	if err := t.d.pullAll(ctx); err != nil {
		t.d.logger.Error("instance pulling stopped, local state is not usable", clog.Error(err))
		return nil
	}
	return chain.Delay(time.Duration(t.d.pollInterval.Load()), t)
}

// pullInstancesOnceTask 推送触发的一次性拉取，不重新调度
type pullInstancesOnceTask struct {
	d *Discovery
}

func (t *pullInstancesOnceTask) Name() string { return "pull-instances-once" }

func (t *pullInstancesOnceTask) Execute(ctx context.Context) chain.Task {
	// 先清标记：拉取过程中到达的推送需要再触发一次
	t.d.oncePending.Store(false)
	_ = t.d.pullAll(ctx)
	return nil
}
