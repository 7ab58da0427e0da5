package registry

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/transport/rest"
	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	headerConsumerID       = "X-ConsumerId"
	headerResourceRevision = "X-Resource-Revision"
)

// ServiceCenterClient 通过 REST 访问 service-center，实现 Client。
// 每次调用从 AddressManager 取地址，并把调用结果回报给它用于隔离判断。
type ServiceCenterClient struct {
	addrs  *AddressManager
	rest   *rest.Client
	auth   rest.AuthProvider
	logger clog.Logger
}

var _ Client = (*ServiceCenterClient)(nil)

// NewServiceCenterClient 创建客户端
func NewServiceCenterClient(addrs *AddressManager, rc *rest.Client, opts ...Option) *ServiceCenterClient {
	o := applyOptions(opts)
	return &ServiceCenterClient{
		addrs:  addrs,
		rest:   rc,
		auth:   o.auth,
		logger: o.logger.WithNamespace("servicecenter"),
	}
}

// NewTokenAuth 创建 RBAC 令牌鉴权，令牌通过 POST /v4/token 换取。
// rc 不能携带该令牌鉴权本身。
func NewTokenAuth(addrs *AddressManager, rc *rest.Client, username, password string) *rest.TokenAuth {
	return rest.NewTokenAuth(func(ctx context.Context) (string, error) {
		var out struct {
			Token string `json:"token"`
		}
		body := map[string]string{"name": username, "password": password}
		if _, err := (&ServiceCenterClient{addrs: addrs, rest: rc, logger: clog.Discard()}).
			call(ctx, http.MethodPost, "/v4/token", "/v4/token", true, nil, body, &out); err != nil {
			return "", err
		}
		return out.Token, nil
	})
}

func (c *ServiceCenterClient) QueryServiceID(ctx context.Context, svc *Microservice) (string, error) {
	q := url.Values{}
	q.Set("type", "microservice")
	q.Set("appId", svc.AppID)
	q.Set("serviceName", svc.ServiceName)
	q.Set("version", svc.Version)
	q.Set("env", svc.Environment)

	resp, err := c.send(ctx, http.MethodGet, "/registry/existence?"+q.Encode(), "/registry/existence", false, nil, nil)
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		var out struct {
			ServiceID string `json:"serviceId"`
		}
		if err := resp.Decode(&out); err != nil {
			return "", err
		}
		return out.ServiceID, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		c.logger.Info("microservice not exists",
			clog.String("app_id", svc.AppID),
			clog.String("service_name", svc.ServiceName),
			clog.Int("status", resp.StatusCode))
		return "", nil
	default:
		return "", resp.Err(http.MethodGet, "/registry/existence")
	}
}

func (c *ServiceCenterClient) GetMicroservice(ctx context.Context, serviceID string) (*Microservice, error) {
	var out struct {
		Service *Microservice `json:"service"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/registry/microservices/"+url.PathEscape(serviceID),
		"/registry/microservices/{serviceId}", false, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Service == nil {
		return nil, xerrors.Wrapf(xerrors.ErrNotFound, "microservice %s", serviceID)
	}
	return out.Service, nil
}

func (c *ServiceCenterClient) RegisterMicroservice(ctx context.Context, svc *Microservice) (string, error) {
	var out struct {
		ServiceID string `json:"serviceId"`
	}
	body := map[string]any{"service": svc}
	if _, err := c.call(ctx, http.MethodPost, "/registry/microservices", "/registry/microservices",
		false, nil, body, &out); err != nil {
		return "", err
	}
	return out.ServiceID, nil
}

func (c *ServiceCenterClient) RegisterSchema(ctx context.Context, serviceID string, schema SchemaInfo) error {
	path := "/registry/microservices/" + url.PathEscape(serviceID) + "/schemas/" + url.PathEscape(schema.SchemaID)
	body := map[string]string{"schema": schema.Schema, "summary": schema.Summary}
	_, err := c.call(ctx, http.MethodPut, path, "/registry/microservices/{serviceId}/schemas/{schemaId}",
		false, nil, body, nil)
	return err
}

func (c *ServiceCenterClient) RegisterInstance(ctx context.Context, inst *MicroserviceInstance) (string, error) {
	var out struct {
		InstanceID string `json:"instanceId"`
	}
	path := "/registry/microservices/" + url.PathEscape(inst.ServiceID) + "/instances"
	body := map[string]any{"instance": inst}
	if _, err := c.call(ctx, http.MethodPost, path, "/registry/microservices/{serviceId}/instances",
		false, nil, body, &out); err != nil {
		return "", err
	}
	return out.InstanceID, nil
}

func (c *ServiceCenterClient) FindInstances(ctx context.Context, consumerID, appID, serviceName, versionRule, revision string) (*FindInstancesResult, error) {
	q := url.Values{}
	q.Set("appId", appID)
	q.Set("serviceName", serviceName)
	q.Set("version", versionRule)
	q.Set("rev", revision)
	header := http.Header{headerConsumerID: {consumerID}}

	resp, err := c.send(ctx, http.MethodGet, "/registry/instances?"+q.Encode(), "/registry/instances", false, header, nil)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Instances []MicroserviceInstance `json:"instances"`
		}
		if err := resp.Decode(&out); err != nil {
			return nil, err
		}
		return &FindInstancesResult{
			Modified:  true,
			Revision:  resp.Header.Get(headerResourceRevision),
			Instances: out.Instances,
		}, nil
	case http.StatusNotModified:
		return &FindInstancesResult{}, nil
	case http.StatusTooManyRequests:
		c.logger.Warn("rate limited, keep local instance cache unchanged",
			clog.String("app_id", appID),
			clog.String("service_name", serviceName))
		return &FindInstancesResult{}, nil
	default:
		return nil, resp.Err(http.MethodGet, "/registry/instances")
	}
}

func (c *ServiceCenterClient) Heartbeat(ctx context.Context, serviceID, instanceID string) error {
	path := "/registry/microservices/" + url.PathEscape(serviceID) + "/instances/" + url.PathEscape(instanceID) + "/heartbeat"
	_, err := c.call(ctx, http.MethodPut, path, "/registry/microservices/{serviceId}/instances/{instanceId}/heartbeat",
		false, nil, nil, nil)
	return err
}

func (c *ServiceCenterClient) DeleteInstance(ctx context.Context, serviceID, instanceID string) error {
	path := "/registry/microservices/" + url.PathEscape(serviceID) + "/instances/" + url.PathEscape(instanceID)
	_, err := c.call(ctx, http.MethodDelete, path, "/registry/microservices/{serviceId}/instances/{instanceId}",
		false, nil, nil, nil)
	return err
}

// call 发送请求，非 2xx 转为错误，out 非 nil 时解码响应体
func (c *ServiceCenterClient) call(ctx context.Context, method, path, route string, absolute bool,
	header http.Header, body, out any) (*rest.Response, error) {
	resp, err := c.send(ctx, method, path, route, absolute, header, body)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(method, route); err != nil {
		return nil, err
	}
	if out != nil {
		if err := resp.Decode(out); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// send 选址并发送。网络错误与 5xx 计入地址失败次数。
func (c *ServiceCenterClient) send(ctx context.Context, method, path, route string, absolute bool,
	header http.Header, body any) (*rest.Response, error) {
	addr, err := c.addrs.Address()
	if err != nil {
		return nil, err
	}
	resp, err := c.rest.Do(ctx, &rest.Request{
		Method: method,
		URL:    c.addrs.join(addr, path, absolute),
		Route:  route,
		Header: header,
		Body:   body,
	})
	if err != nil {
		c.addrs.RecordFailState(addr)
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.addrs.RecordFailState(addr)
	} else {
		c.addrs.RecordSuccessState(addr)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.auth.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
	}
	return resp, nil
}
