package trace

// Config 链路追踪配置
type Config struct {
	// Enabled 为 false 时不上报，仅生成 TraceID
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Sampler     float64 `mapstructure:"sampler" yaml:"sampler" json:"sampler"`
	Batcher     string  `mapstructure:"batcher" yaml:"batcher" json:"batcher"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure" json:"insecure"`
}

// DefaultConfig 返回默认配置
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Endpoint:    "localhost:4317",
		Sampler:     1.0,
		Batcher:     "batch",
		Insecure:    true,
	}
}
