package admin

import (
	"maps"
	"sync"
	"time"

	"github.com/ceyewan/servicecomb/configcenter"
	"github.com/ceyewan/servicecomb/registry"
)

// 注册阶段
const (
	StageMicroservice = "microservice"
	StageSchema       = "schema"
	StageInstance     = "instance"
	StageHeartbeat    = "heartbeat"
	StageConfigCenter = "config_center"
)

// StageStatus 某个阶段最近一次结果
type StageStatus struct {
	OK       bool      `json:"ok"`
	Failures int       `json:"failures"`
	At       time.Time `json:"at"`
}

// Health 汇总注册链路与配置中心事件。
// 心跳阶段最近一次成功且之后没有失败时视为健康。
type Health struct {
	mu     sync.RWMutex
	stages map[string]StageStatus
	now    func() time.Time
	unsubs []func()
}

// NewHealth 创建空的健康状态
func NewHealth() *Health {
	return &Health{stages: map[string]StageStatus{}, now: time.Now}
}

// Record 记录一次阶段结果，连续失败次数在成功时清零
func (h *Health) Record(stage string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stages[stage]
	s.OK = ok
	s.At = h.now()
	if ok {
		s.Failures = 0
	} else {
		s.Failures++
	}
	h.stages[stage] = s
}

// Stages 所有阶段的副本
func (h *Health) Stages() map[string]StageStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.stages)
}

// Healthy 心跳阶段最近一次成功
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stages[StageHeartbeat].OK
}

// WatchRegistration 订阅注册链路的四类事件
func (h *Health) WatchRegistration(r *registry.Registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubs = append(h.unsubs,
		r.Microservice.Subscribe(func(e registry.MicroserviceRegisteredEvent) { h.Record(StageMicroservice, e.Success) }),
		r.Schema.Subscribe(func(e registry.SchemaRegisteredEvent) { h.Record(StageSchema, e.Success) }),
		r.Instance.Subscribe(func(e registry.InstanceRegisteredEvent) { h.Record(StageInstance, e.Success) }),
		r.Heartbeat.Subscribe(func(e registry.HeartbeatEvent) { h.Record(StageHeartbeat, e.Success) }),
	)
}

// WatchConfigCenter 订阅配置中心的连通性事件
func (h *Health) WatchConfigCenter(c *configcenter.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubs = append(h.unsubs,
		c.ConnSucc.Subscribe(func(configcenter.ConnSuccEvent) { h.Record(StageConfigCenter, true) }),
		c.ConnFail.Subscribe(func(configcenter.ConnFailEvent) { h.Record(StageConfigCenter, false) }),
	)
}

// Close 取消所有订阅
func (h *Health) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}
