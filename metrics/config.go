package metrics

// Config 指标配置
//
//	metrics:
//	  enabled: true
//	  service_name: "order-service"
//	  version: "v1.2.3"
//	  runtime: true
type Config struct {
	// Enabled 为 false 时 New 返回空实现
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// ServiceName 作为 OTel Resource 的 service.name
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`

	Version string `mapstructure:"version" yaml:"version" json:"version"`

	// Runtime 是否采集 Go 运行时指标（GC、goroutine、内存）
	Runtime bool `mapstructure:"runtime" yaml:"runtime" json:"runtime"`
}
