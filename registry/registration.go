package registry

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/event"
	"github.com/ceyewan/servicecomb/internal/chain"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/xerrors"
)

const heartbeatFailedRetry = 3

// Registration 驱动注册状态机：
//
//	RegisterMicroservice → RegisterSchemas → RegisterInstance → Heartbeat(循环)
//
// 心跳连续失败 3 次后回到 RegisterMicroservice。所有阶段在同一个 Worker 上串行执行，
// 每个阶段的结果通过对应的 Topic 发布。
type Registration struct {
	client  Client
	cfg     Config
	logger  clog.Logger
	worker  *chain.Worker
	events  metrics.Counter
	schemas []SchemaInfo

	mu                sync.RWMutex
	service           Microservice
	instance          MicroserviceInstance
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	started atomic.Bool

	Microservice event.Topic[MicroserviceRegisteredEvent]
	Schema       event.Topic[SchemaRegisteredEvent]
	Instance     event.Topic[InstanceRegisteredEvent]
	Heartbeat    event.Topic[HeartbeatEvent]
}

// NewRegistration 创建注册状态机，调用 Start 后开始执行
func NewRegistration(cfg *Config, client Client, svc Microservice, inst MicroserviceInstance,
	schemas []SchemaInfo, opts ...Option) (*Registration, error) {
	if client == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "registry client is required")
	}
	if svc.AppID == "" || svc.ServiceName == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "appId and serviceName are required")
	}
	c := cfg.withDefaults()
	o := applyOptions(opts)

	counter, err := o.meter.Counter("servicecomb_registration_events_total", "注册各阶段结果")
	if err != nil {
		return nil, xerrors.Wrap(err, "create registration counter")
	}

	if inst.Status == "" {
		inst.Status = StatusUp
	}
	r := &Registration{
		client:            client,
		cfg:               c,
		logger:            o.logger.WithNamespace("registration"),
		events:            counter,
		schemas:           slices.Clone(schemas),
		service:           svc,
		instance:          inst,
		heartbeatInterval: 30 * time.Second,
		heartbeatTimeout:  5 * time.Second,
	}
	r.SetHeartbeatInterval(c.HeartbeatInterval)
	r.SetHeartbeatTimeout(c.HeartbeatTimeout)
	r.worker = chain.NewWorker("registration", r.logger)
	return r, nil
}

// SetHeartbeatInterval 设置心跳间隔，超出 [1s, 600s] 的值被忽略
func (r *Registration) SetHeartbeatInterval(d time.Duration) {
	if !validInterval(d) {
		r.logger.Warn("heartbeat interval out of range, ignored", clog.Duration("interval", d))
		return
	}
	r.mu.Lock()
	r.heartbeatInterval = d
	r.mu.Unlock()
}

// SetHeartbeatTimeout 设置心跳超时，超出 [1s, 600s] 的值被忽略
func (r *Registration) SetHeartbeatTimeout(d time.Duration) {
	if !validInterval(d) {
		r.logger.Warn("heartbeat timeout out of range, ignored", clog.Duration("timeout", d))
		return
	}
	r.mu.Lock()
	r.heartbeatTimeout = d
	r.mu.Unlock()
}

// Start 开始注册，重复调用无效果
func (r *Registration) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.worker.Submit(&registerMicroserviceTask{r: r})
}

// Stop 停止状态机。配置了 UnregisterOnStop 且实例已注册时注销实例。
func (r *Registration) Stop(ctx context.Context) error {
	r.worker.Stop()
	if !r.cfg.UnregisterOnStop {
		return nil
	}
	serviceID, instanceID := r.ServiceID(), r.InstanceID()
	if serviceID == "" || instanceID == "" {
		return nil
	}
	if err := r.client.DeleteInstance(ctx, serviceID, instanceID); err != nil {
		return xerrors.Wrap(err, "unregister instance")
	}
	r.logger.Info("instance unregistered",
		clog.String("service_id", serviceID),
		clog.String("instance_id", instanceID))
	return nil
}

// ServiceID 注册成功前为空
func (r *Registration) ServiceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.service.ServiceID
}

// InstanceID 注册成功前为空
func (r *Registration) InstanceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance.InstanceID
}

// MicroserviceSnapshot 当前微服务描述的副本
func (r *Registration) MicroserviceSnapshot() Microservice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.service
}

// InstanceSnapshot 当前实例描述的副本
func (r *Registration) InstanceSnapshot() MicroserviceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance
}

func (r *Registration) setServiceID(id string) {
	r.mu.Lock()
	r.service.ServiceID = id
	r.instance.ServiceID = id
	r.mu.Unlock()
}

func (r *Registration) setInstanceID(id string) {
	r.mu.Lock()
	r.instance.InstanceID = id
	r.mu.Unlock()
}

func (r *Registration) heartbeatTiming() (interval, timeout time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.heartbeatInterval, r.heartbeatTimeout
}

func (r *Registration) record(ctx context.Context, stage string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	r.events.Inc(ctx, metrics.L("stage", stage), metrics.L("result", result))
}

// stopped 本地状态不可用（例如地址池为空）时结束注册流程，不再重试
func (r *Registration) stopped(stage string, err error) bool {
	if !xerrors.Is(err, xerrors.ErrInvalidState) {
		return false
	}
	r.logger.Error("registration stopped, local state is not usable",
		clog.String("stage", stage), clog.Error(err))
	return true
}

// schemaDifferent 远端已注册的契约 id 与本地不一致，且没有配置忽略
func (r *Registration) schemaDifferent(remote *Microservice) bool {
	local := r.MicroserviceSnapshot().Schemas
	if sameElements(local, remote.Schemas) {
		return false
	}
	if r.cfg.IgnoreSchemaDifferent {
		r.logger.Warn("service already registered with different schema ids, continue. " +
			"change the microservice version or delete the old microservice to eliminate this warning")
		return false
	}
	return true
}

func sameElements(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, s := range a {
		if !slices.Contains(b, s) {
			return false
		}
	}
	for _, s := range b {
		if !slices.Contains(a, s) {
			return false
		}
	}
	return true
}

type registerMicroserviceTask struct {
	r           *Registration
	failedCount int
}

func (t *registerMicroserviceTask) Name() string { return "register-microservice" }

func (t *registerMicroserviceTask) Execute(ctx context.Context) chain.Task {
	r := t.r
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	svc := r.MicroserviceSnapshot()
	serviceID, err := r.client.QueryServiceID(callCtx, &svc)
	if err != nil {
		return t.fail(ctx, err)
	}

	if serviceID == "" {
		serviceID, err = r.client.RegisterMicroservice(callCtx, &svc)
		if err != nil {
			return t.fail(ctx, err)
		}
		if serviceID == "" {
			return t.fail(ctx, xerrors.Wrap(xerrors.ErrMalformed, "empty serviceId in register response"))
		}
		r.setServiceID(serviceID)
		r.logger.Info("microservice registered", clog.String("service_id", serviceID))
		r.record(ctx, "microservice", true)
		r.Microservice.Publish(MicroserviceRegisteredEvent{Success: true, ServiceID: serviceID})
		return &registerSchemasTask{r: r}
	}

	remote, err := r.client.GetMicroservice(callCtx, serviceID)
	if err != nil {
		return t.fail(ctx, err)
	}
	r.setServiceID(serviceID)
	r.logger.Info("microservice already registered", clog.String("service_id", serviceID))
	r.record(ctx, "microservice", true)
	r.Microservice.Publish(MicroserviceRegisteredEvent{Success: true, ServiceID: serviceID})

	if r.schemaDifferent(remote) {
		if r.cfg.CanRewriteSchema {
			r.logger.Warn("service already registered with different schema ids, rewrite schemas")
			return &registerSchemasTask{r: r}
		}
		r.logger.Warn("service already registered with different schema ids, continue. " +
			"change the microservice version or delete the old microservice to eliminate this warning")
	}
	return &registerInstanceTask{r: r}
}

func (t *registerMicroserviceTask) fail(ctx context.Context, err error) chain.Task {
	t.r.record(ctx, "microservice", false)
	t.r.Microservice.Publish(MicroserviceRegisteredEvent{Success: false})
	if t.r.stopped("microservice", err) {
		return nil
	}
	t.r.logger.Error("register microservice failed, and will try again",
		clog.Int("failed_count", t.failedCount+1), clog.Error(err))
	return chain.Backoff(t.failedCount+1, &registerMicroserviceTask{r: t.r, failedCount: t.failedCount + 1})
}

// registerSchemasTask 按顺序注册全部契约，任何一个失败则整批重试
type registerSchemasTask struct {
	r           *Registration
	failedCount int
}

func (t *registerSchemasTask) Name() string { return "register-schemas" }

func (t *registerSchemasTask) Execute(ctx context.Context) chain.Task {
	r := t.r
	if len(r.schemas) == 0 {
		r.logger.Warn("no schemas defined for this microservice")
		r.record(ctx, "schema", true)
		r.Schema.Publish(SchemaRegisteredEvent{Success: true})
		return &registerInstanceTask{r: r}
	}

	serviceID := r.ServiceID()
	for _, s := range r.schemas {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		err := r.client.RegisterSchema(callCtx, serviceID, s)
		cancel()
		if err != nil {
			r.record(ctx, "schema", false)
			r.Schema.Publish(SchemaRegisteredEvent{Success: false})
			if r.stopped("schema", err) {
				return nil
			}
			r.logger.Error("register schema failed, and will try again",
				clog.String("schema_id", s.SchemaID), clog.Error(err))
			next := t.failedCount + 1
			return chain.Backoff(next, &registerSchemasTask{r: r, failedCount: next * 2})
		}
	}

	r.logger.Info("schemas registered", clog.Int("count", len(r.schemas)))
	r.record(ctx, "schema", true)
	r.Schema.Publish(SchemaRegisteredEvent{Success: true})
	return &registerInstanceTask{r: r}
}

type registerInstanceTask struct {
	r           *Registration
	failedCount int
}

func (t *registerInstanceTask) Name() string { return "register-instance" }

func (t *registerInstanceTask) Execute(ctx context.Context) chain.Task {
	r := t.r
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	inst := r.InstanceSnapshot()
	instanceID, err := r.client.RegisterInstance(callCtx, &inst)
	if err == nil && instanceID == "" {
		err = xerrors.Wrap(xerrors.ErrMalformed, "empty instanceId in register response")
	}
	if err != nil {
		r.record(ctx, "instance", false)
		r.Instance.Publish(InstanceRegisteredEvent{Success: false})
		if r.stopped("instance", err) {
			return nil
		}
		r.logger.Error("register microservice instance failed, and will try again",
			clog.Int("failed_count", t.failedCount+1), clog.Error(err))
		return chain.Backoff(t.failedCount+1, &registerInstanceTask{r: r, failedCount: t.failedCount + 1})
	}

	r.setInstanceID(instanceID)
	r.logger.Info("register microservice successfully",
		clog.String("service_id", inst.ServiceID),
		clog.String("instance_id", instanceID))
	r.record(ctx, "instance", true)
	r.Instance.Publish(InstanceRegisteredEvent{Success: true, ServiceID: inst.ServiceID, InstanceID: instanceID})
	return &heartbeatTask{r: r}
}

type heartbeatTask struct {
	r           *Registration
	failedCount int
}

func (t *heartbeatTask) Name() string { return "heartbeat" }

func (t *heartbeatTask) Execute(ctx context.Context) chain.Task {
	r := t.r
	if t.failedCount >= heartbeatFailedRetry {
		r.logger.Warn("heartbeat failed too many times, register again")
		r.record(ctx, "heartbeat", false)
		r.Heartbeat.Publish(HeartbeatEvent{Success: false})
		return &registerMicroserviceTask{r: r}
	}

	interval, timeout := r.heartbeatTiming()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.client.Heartbeat(callCtx, r.ServiceID(), r.InstanceID()); err != nil {
		r.record(ctx, "heartbeat", false)
		r.Heartbeat.Publish(HeartbeatEvent{Success: false})
		if r.stopped("heartbeat", err) {
			return nil
		}
		r.logger.Error("send heartbeat failed, and will try again",
			clog.Int("failed_count", t.failedCount+1), clog.Error(err))
		return chain.Backoff(t.failedCount+1, &heartbeatTask{r: r, failedCount: t.failedCount + 1})
	}

	r.record(ctx, "heartbeat", true)
	r.Heartbeat.Publish(HeartbeatEvent{Success: true})
	return chain.Delay(max(interval, timeout), &heartbeatTask{r: r})
}
