// Package etcdstore 用 etcd 实现 registry.Client，让注册、发现与心跳链路在没有 service-center 的环境下运行。
//
// 存储结构：
//
//	<prefix>/index/<appId>/<serviceName>/<version>/<env> -> serviceId
//	<prefix>/services/<serviceId>                         -> JSON(Microservice)
//	<prefix>/schemas/<serviceId>/<schemaId>               -> JSON(SchemaInfo)
//	<prefix>/instances/<serviceId>/<instanceId>           -> JSON(MicroserviceInstance)，绑定租约
//	<prefix>/leases/<serviceId>/<instanceId>              -> 租约 ID，绑定同一租约
//
// 心跳即对实例租约做一次 KeepAliveOnce；租约过期后实例 key 自动删除，心跳返回 ErrNotFound，
// 注册链路据此在连续失败后重新注册。实例列表的 revision 是实例 key 与 ModRevision 的摘要，
// 只在该服务的实例集合变化时改变。
package etcdstore

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/connector"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/registry"
	"github.com/ceyewan/servicecomb/xerrors"
)

const schemaUpdateAttempts = 3

// Store 基于 etcd 的 registry.Client
type Store struct {
	client *clientv3.Client
	cfg    Config
	logger clog.Logger
	ops    metrics.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ registry.Client = (*Store)(nil)

// New 创建存储。Store 借用连接器的客户端，不负责关闭它。
func New(conn connector.EtcdConnector, cfg *Config, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "etcd connector is required")
	}
	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidState, "etcd client is nil")
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	ops, err := o.meter.Counter("servicecomb_etcdstore_operations_total", "etcd 注册存储操作次数")
	if err != nil {
		return nil, xerrors.Wrap(err, "create etcdstore counter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		client: client,
		cfg:    c,
		logger: o.logger,
		ops:    ops,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close 停止所有监听
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Store) QueryServiceID(ctx context.Context, svc *registry.Microservice) (string, error) {
	resp, err := s.client.Get(ctx, s.indexKey(svc))
	s.observe(ctx, "query", err)
	if err != nil {
		return "", xerrors.Wrap(err, "query service id")
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (s *Store) GetMicroservice(ctx context.Context, serviceID string) (*registry.Microservice, error) {
	resp, err := s.client.Get(ctx, s.serviceKey(serviceID))
	s.observe(ctx, "get_service", err)
	if err != nil {
		return nil, xerrors.Wrap(err, "get microservice")
	}
	if len(resp.Kvs) == 0 {
		return nil, xerrors.Wrapf(xerrors.ErrNotFound, "microservice %s", serviceID)
	}
	var svc registry.Microservice
	if err := json.Unmarshal(resp.Kvs[0].Value, &svc); err != nil {
		return nil, xerrors.Wrapf(err, "decode microservice %s", serviceID)
	}
	return &svc, nil
}

// RegisterMicroservice 按 (appId, serviceName, version, env) 去重，已存在时返回已有 id
func (s *Store) RegisterMicroservice(ctx context.Context, svc *registry.Microservice) (string, error) {
	record := *svc
	if record.ServiceID == "" {
		record.ServiceID = uuid.NewString()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return "", xerrors.Wrap(err, "encode microservice")
	}

	indexKey := s.indexKey(svc)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(indexKey), "=", 0)).
		Then(
			clientv3.OpPut(indexKey, record.ServiceID),
			clientv3.OpPut(s.serviceKey(record.ServiceID), string(data)),
		).
		Else(clientv3.OpGet(indexKey)).
		Commit()
	s.observe(ctx, "register_service", err)
	if err != nil {
		return "", xerrors.Wrap(err, "register microservice")
	}
	if resp.Succeeded {
		s.logger.Info("microservice registered",
			clog.String("service_id", record.ServiceID),
			clog.String("service_name", svc.ServiceName))
		return record.ServiceID, nil
	}
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return "", xerrors.Wrap(xerrors.ErrUnavailable, "service index vanished during registration")
	}
	return string(kvs[0].Value), nil
}

// RegisterSchema 写入契约并把 schemaId 追加到服务记录，服务记录并发修改时重试
func (s *Store) RegisterSchema(ctx context.Context, serviceID string, schema registry.SchemaInfo) error {
	schemaData, err := json.Marshal(schema)
	if err != nil {
		return xerrors.Wrap(err, "encode schema")
	}
	svcKey := s.serviceKey(serviceID)

	for range schemaUpdateAttempts {
		resp, err := s.client.Get(ctx, svcKey)
		if err != nil {
			s.observe(ctx, "register_schema", err)
			return xerrors.Wrap(err, "get microservice")
		}
		if len(resp.Kvs) == 0 {
			return xerrors.Wrapf(xerrors.ErrNotFound, "microservice %s", serviceID)
		}
		var svc registry.Microservice
		if err := json.Unmarshal(resp.Kvs[0].Value, &svc); err != nil {
			return xerrors.Wrapf(err, "decode microservice %s", serviceID)
		}

		ops := []clientv3.Op{clientv3.OpPut(s.schemaKey(serviceID, schema.SchemaID), string(schemaData))}
		if !slices.Contains(svc.Schemas, schema.SchemaID) {
			svc.Schemas = append(svc.Schemas, schema.SchemaID)
			data, err := json.Marshal(&svc)
			if err != nil {
				return xerrors.Wrap(err, "encode microservice")
			}
			ops = append(ops, clientv3.OpPut(svcKey, string(data)))
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(svcKey), "=", resp.Kvs[0].ModRevision)).
			Then(ops...).
			Commit()
		s.observe(ctx, "register_schema", err)
		if err != nil {
			return xerrors.Wrap(err, "register schema")
		}
		if txn.Succeeded {
			return nil
		}
		s.logger.Debug("microservice modified concurrently, retry schema registration",
			clog.String("service_id", serviceID),
			clog.String("schema_id", schema.SchemaID))
	}
	return xerrors.Wrapf(xerrors.ErrUnavailable, "register schema %s: too many concurrent updates", schema.SchemaID)
}

// RegisterInstance 为实例申请租约，实例 key 与租约 key 绑定同一租约
func (s *Store) RegisterInstance(ctx context.Context, inst *registry.MicroserviceInstance) (string, error) {
	record := *inst
	if record.InstanceID == "" {
		record.InstanceID = uuid.NewString()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return "", xerrors.Wrap(err, "encode instance")
	}

	lease, err := s.client.Grant(ctx, int64(s.cfg.LeaseTTL.Seconds()))
	if err != nil {
		s.observe(ctx, "register_instance", err)
		return "", xerrors.Wrap(err, "grant lease")
	}

	svcKey := s.serviceKey(record.ServiceID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(svcKey), ">", 0)).
		Then(
			clientv3.OpPut(s.instanceKey(record.ServiceID, record.InstanceID), string(data), clientv3.WithLease(lease.ID)),
			clientv3.OpPut(s.leaseKey(record.ServiceID, record.InstanceID),
				strconv.FormatInt(int64(lease.ID), 16), clientv3.WithLease(lease.ID)),
		).
		Commit()
	s.observe(ctx, "register_instance", err)
	if err == nil && !resp.Succeeded {
		err = xerrors.Wrapf(xerrors.ErrNotFound, "microservice %s", record.ServiceID)
	}
	if err != nil {
		if _, revokeErr := s.client.Revoke(ctx, lease.ID); revokeErr != nil {
			s.logger.Warn("failed to revoke lease",
				clog.Int64("lease_id", int64(lease.ID)),
				clog.Error(revokeErr))
		}
		return "", xerrors.Wrap(err, "register instance")
	}

	s.logger.Info("instance registered",
		clog.String("service_id", record.ServiceID),
		clog.String("instance_id", record.InstanceID),
		clog.Duration("ttl", s.cfg.LeaseTTL))
	return record.InstanceID, nil
}

// FindInstances 查询 (appId, serviceName) 下满足版本规则的所有实例。
// 所有读取在同一个事务内完成，revision 与实例列表来自同一快照。
func (s *Store) FindInstances(ctx context.Context, _, appID, serviceName, versionRule, revision string) (*registry.FindInstancesResult, error) {
	indexPrefix := s.indexPrefix(appID, serviceName)
	idx, err := s.client.Get(ctx, indexPrefix, clientv3.WithPrefix())
	if err != nil {
		s.observe(ctx, "find_instances", err)
		return nil, xerrors.Wrap(err, "list service index")
	}

	var ops []clientv3.Op
	for _, kv := range idx.Kvs {
		version, _, _ := strings.Cut(strings.TrimPrefix(string(kv.Key), indexPrefix), "/")
		if v, err := url.PathUnescape(version); err == nil {
			version = v
		}
		if !versionMatches(versionRule, version) {
			continue
		}
		ops = append(ops, clientv3.OpGet(s.instancePrefix(string(kv.Value)), clientv3.WithPrefix()))
	}

	h := xxhash.New()
	var instances []registry.MicroserviceInstance
	if len(ops) > 0 {
		resp, err := s.client.Txn(ctx).Then(ops...).Commit()
		s.observe(ctx, "find_instances", err)
		if err != nil {
			return nil, xerrors.Wrap(err, "list instances")
		}
		for _, r := range resp.Responses {
			for _, kv := range r.GetResponseRange().GetKvs() {
				_, _ = h.Write(kv.Key)
				_, _ = h.WriteString(strconv.FormatInt(kv.ModRevision, 10))
				var inst registry.MicroserviceInstance
				if err := json.Unmarshal(kv.Value, &inst); err != nil {
					s.logger.Warn("failed to decode instance",
						clog.String("key", string(kv.Key)),
						clog.Error(err))
					continue
				}
				instances = append(instances, inst)
			}
		}
	}

	current := strconv.FormatUint(h.Sum64(), 16)
	if current == revision {
		return &registry.FindInstancesResult{}, nil
	}
	return &registry.FindInstancesResult{
		Modified:  true,
		Revision:  current,
		Instances: instances,
	}, nil
}

// Heartbeat 续约一次。租约已过期时返回 ErrNotFound。
func (s *Store) Heartbeat(ctx context.Context, serviceID, instanceID string) error {
	leaseID, err := s.leaseOf(ctx, serviceID, instanceID)
	if err != nil {
		s.observe(ctx, "heartbeat", err)
		return err
	}
	_, err = s.client.KeepAliveOnce(ctx, leaseID)
	s.observe(ctx, "heartbeat", err)
	if xerrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return xerrors.Wrapf(xerrors.ErrNotFound, "lease of instance %s", instanceID)
	}
	if err != nil {
		return xerrors.Wrap(err, "keepalive lease")
	}
	return nil
}

// DeleteInstance 撤销实例租约，实例已不存在时视为成功
func (s *Store) DeleteInstance(ctx context.Context, serviceID, instanceID string) error {
	leaseID, err := s.leaseOf(ctx, serviceID, instanceID)
	if xerrors.Is(err, xerrors.ErrNotFound) {
		_, err = s.client.Delete(ctx, s.instanceKey(serviceID, instanceID))
		s.observe(ctx, "delete_instance", err)
		if err != nil {
			return xerrors.Wrap(err, "delete instance")
		}
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.Revoke(ctx, leaseID)
	s.observe(ctx, "delete_instance", err)
	if err != nil && !xerrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return xerrors.Wrap(err, "revoke lease")
	}
	s.logger.Info("instance deleted",
		clog.String("service_id", serviceID),
		clog.String("instance_id", instanceID))
	return nil
}

func (s *Store) leaseOf(ctx context.Context, serviceID, instanceID string) (clientv3.LeaseID, error) {
	resp, err := s.client.Get(ctx, s.leaseKey(serviceID, instanceID))
	if err != nil {
		return 0, xerrors.Wrap(err, "get lease")
	}
	if len(resp.Kvs) == 0 {
		return 0, xerrors.Wrapf(xerrors.ErrNotFound, "lease of instance %s", instanceID)
	}
	id, err := strconv.ParseInt(string(resp.Kvs[0].Value), 16, 64)
	if err != nil {
		return 0, xerrors.Wrapf(err, "parse lease of instance %s", instanceID)
	}
	return clientv3.LeaseID(id), nil
}

func (s *Store) observe(ctx context.Context, op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.ops.Inc(ctx, metrics.L("op", op), metrics.L("result", result))
}

func (s *Store) indexPrefix(appID, serviceName string) string {
	return s.cfg.Prefix + "/index/" + url.PathEscape(appID) + "/" + url.PathEscape(serviceName) + "/"
}

func (s *Store) indexKey(svc *registry.Microservice) string {
	return s.indexPrefix(svc.AppID, svc.ServiceName) + url.PathEscape(svc.Version) + "/" + url.PathEscape(svc.Environment)
}

func (s *Store) serviceKey(serviceID string) string {
	return s.cfg.Prefix + "/services/" + serviceID
}

func (s *Store) schemaKey(serviceID, schemaID string) string {
	return s.cfg.Prefix + "/schemas/" + serviceID + "/" + url.PathEscape(schemaID)
}

func (s *Store) instancePrefix(serviceID string) string {
	return s.cfg.Prefix + "/instances/" + serviceID + "/"
}

func (s *Store) instanceKey(serviceID, instanceID string) string {
	return s.instancePrefix(serviceID) + instanceID
}

func (s *Store) leaseKey(serviceID, instanceID string) string {
	return s.cfg.Prefix + "/leases/" + serviceID + "/" + instanceID
}
