package trace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"nil", nil, true},
		{"missing service", &Config{Sampler: 1}, true},
		{"enabled without endpoint", &Config{Enabled: true, ServiceName: "s", Sampler: 1}, true},
		{"bad sampler", &Config{ServiceName: "s", Sampler: 2}, true},
		{"bad batcher", &Config{ServiceName: "s", Sampler: 1, Batcher: "x"}, true},
		{"disabled ok", &Config{ServiceName: "s", Sampler: 1}, false},
		{"default", DefaultConfig("s"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPTransportPropagatesTraceparent(t *testing.T) {
	shutdown, err := Init(&Config{ServiceName: "test", Sampler: 1})
	require.NoError(t, err)
	defer shutdown(context.Background())

	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	ctx, span := Start(context.Background(), "heartbeat")
	defer span.End()
	assert.True(t, oteltrace.SpanContextFromContext(ctx).IsValid())

	client := &http.Client{Transport: HTTPTransport(nil)}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, header, span.SpanContext().TraceID().String())
}
