package registry

import (
	"context"
	"sync"
)

// fakeClient 可编程的 Client，未设置的方法返回零值
type fakeClient struct {
	mu sync.Mutex

	queryServiceID       func(svc *Microservice) (string, error)
	getMicroservice      func(serviceID string) (*Microservice, error)
	registerMicroservice func(svc *Microservice) (string, error)
	registerSchema       func(serviceID string, schema SchemaInfo) error
	registerInstance     func(inst *MicroserviceInstance) (string, error)
	findInstances        func(consumerID, appID, serviceName, revision string) (*FindInstancesResult, error)
	heartbeat            func(serviceID, instanceID string) error
	deleteInstance       func(serviceID, instanceID string) error

	calls []string
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) QueryServiceID(_ context.Context, svc *Microservice) (string, error) {
	f.record("query")
	if f.queryServiceID == nil {
		return "", nil
	}
	return f.queryServiceID(svc)
}

func (f *fakeClient) GetMicroservice(_ context.Context, serviceID string) (*Microservice, error) {
	f.record("get")
	if f.getMicroservice == nil {
		return &Microservice{ServiceID: serviceID}, nil
	}
	return f.getMicroservice(serviceID)
}

func (f *fakeClient) RegisterMicroservice(_ context.Context, svc *Microservice) (string, error) {
	f.record("register-service")
	if f.registerMicroservice == nil {
		return "sid", nil
	}
	return f.registerMicroservice(svc)
}

func (f *fakeClient) RegisterSchema(_ context.Context, serviceID string, schema SchemaInfo) error {
	f.record("schema:" + schema.SchemaID)
	if f.registerSchema == nil {
		return nil
	}
	return f.registerSchema(serviceID, schema)
}

func (f *fakeClient) RegisterInstance(_ context.Context, inst *MicroserviceInstance) (string, error) {
	f.record("register-instance")
	if f.registerInstance == nil {
		return "iid", nil
	}
	return f.registerInstance(inst)
}

func (f *fakeClient) FindInstances(_ context.Context, consumerID, appID, serviceName, _, revision string) (*FindInstancesResult, error) {
	f.record("find:" + appID + "/" + serviceName)
	if f.findInstances == nil {
		return &FindInstancesResult{}, nil
	}
	return f.findInstances(consumerID, appID, serviceName, revision)
}

func (f *fakeClient) Heartbeat(_ context.Context, serviceID, instanceID string) error {
	f.record("heartbeat")
	if f.heartbeat == nil {
		return nil
	}
	return f.heartbeat(serviceID, instanceID)
}

func (f *fakeClient) DeleteInstance(_ context.Context, serviceID, instanceID string) error {
	f.record("delete")
	if f.deleteInstance == nil {
		return nil
	}
	return f.deleteInstance(serviceID, instanceID)
}
