package config

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/configcenter"
	"github.com/ceyewan/servicecomb/registry"
)

const appYAML = `
log:
  level: debug
  format: json
metrics:
  enabled: true
  service_name: order
service:
  app_id: shop
  name: order
  version: 1.2.0
  environment: production
  host_name: order-0
  endpoints: ["rest://10.0.0.1:8080", "grpc://10.0.0.1:9090"]
  properties: {zone: az1}
  schemas:
    - id: OrderEndpoint
      summary: v1
      content: "openapi: 3.0.0"
    - id: PayEndpoint
      file: %s
  subscriptions:
    - {app_id: shop, service_name: payment}
registry:
  addresses: ["http://127.0.0.1:30100"]
  heartbeat_interval: 10s
  poll_interval: 20s
  watch: true
config_center:
  server_uri: ["http://127.0.0.1:30113"]
  refresh_mode: 1
  refresh_interval: 5s
admin:
  addr: "127.0.0.1:9091"
`

func loadApp(t *testing.T, content string) (*AppConfig, error) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", content)
	loader, err := New(&Config{Paths: []string{dir}, EnvPrefix: "SCAPP"})
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))
	return LoadApp(loader)
}

func TestLoadApp(t *testing.T) {
	schemaFile := filepath.Join(t.TempDir(), "pay.yaml")
	writeFile(t, filepath.Dir(schemaFile), "pay.yaml", "openapi: 3.0.1")

	app, err := loadApp(t, fmt.Sprintf(appYAML, schemaFile))
	require.NoError(t, err)

	assert.Equal(t, "debug", app.Log.Level)
	assert.True(t, app.Metrics.Enabled)
	assert.Equal(t, BackendServiceCenter, app.Backend)
	assert.Equal(t, []string{"http://127.0.0.1:30100"}, app.Registry.Addresses)
	assert.Equal(t, 10*time.Second, app.Registry.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, app.Registry.PollInterval)
	assert.True(t, app.Registry.Watch)
	assert.Equal(t, configcenter.RefreshModePull, app.ConfigCenter.RefreshMode)
	assert.Equal(t, 5*time.Second, app.ConfigCenter.RefreshInterval)
	assert.Equal(t, "order@shop#1.2.0", app.ConfigCenter.ServiceName)
	assert.True(t, app.ConfigCenterEnabled())
	assert.False(t, app.NATSEnabled())
	assert.Equal(t, "servicecomb", app.NATSPrefix)
	assert.Equal(t, "order", app.Admin.ServiceName)
	assert.Equal(t, []SubscriptionConfig{{AppID: "shop", ServiceName: "payment"}}, app.Service.Subscriptions)

	svc := app.Microservice()
	assert.Equal(t, registry.Microservice{
		AppID:       "shop",
		ServiceName: "order",
		Version:     "1.2.0",
		Environment: "production",
		Schemas:     []string{"OrderEndpoint", "PayEndpoint"},
		Properties:  map[string]string{"zone": "az1"},
	}, svc)

	inst, err := app.Instance()
	require.NoError(t, err)
	assert.Equal(t, "order-0", inst.HostName)
	assert.Equal(t, registry.StatusUp, inst.Status)
	assert.Len(t, inst.Endpoints, 2)

	schemas, err := app.SchemaInfos()
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, "openapi: 3.0.0", schemas[0].Schema)
	assert.Equal(t, "v1", schemas[0].Summary)
	assert.Equal(t, "openapi: 3.0.1", schemas[1].Schema)
}

func TestAppConfigValidate(t *testing.T) {
	base := func() AppConfig {
		return AppConfig{
			Service:  ServiceConfig{AppID: "shop", Name: "order", Version: "1.0.0"},
			Registry: registry.Config{Addresses: []string{"http://127.0.0.1:30100"}},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{"默认后端", func(*AppConfig) {}, false},
		{"缺少注册中心地址", func(c *AppConfig) { c.Registry.Addresses = nil }, true},
		{"etcd 后端缺少地址", func(c *AppConfig) { c.Backend = BackendEtcd }, true},
		{"etcd 后端", func(c *AppConfig) {
			c.Backend = BackendEtcd
			c.Etcd.Endpoints = []string{"127.0.0.1:2379"}
		}, false},
		{"未知后端", func(c *AppConfig) { c.Backend = "zookeeper" }, true},
		{"缺少服务版本", func(c *AppConfig) { c.Service.Version = "" }, true},
		{"契约缺少内容", func(c *AppConfig) { c.Service.Schemas = []SchemaConfig{{ID: "s"}} }, true},
		{"契约缺少 ID", func(c *AppConfig) { c.Service.Schemas = []SchemaConfig{{Content: "x"}} }, true},
		{"订阅不完整", func(c *AppConfig) { c.Service.Subscriptions = []SubscriptionConfig{{AppID: "shop"}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidationFailed)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSchemaInfosMissingFile(t *testing.T) {
	app := AppConfig{Service: ServiceConfig{Schemas: []SchemaConfig{{ID: "s", File: "/nonexistent/schema.yaml"}}}}
	_, err := app.SchemaInfos()
	assert.Error(t, err)
}
