package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/xerrors"
)

func TestEtcdConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *EtcdConfig
		wantErr bool
	}{
		{
			name: "valid config with defaults",
			cfg:  &EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}},
		},
		{
			name: "custom values kept",
			cfg: &EtcdConfig{
				Name:        "registry",
				Endpoints:   []string{"127.0.0.1:2379"},
				DialTimeout: time.Second,
			},
		},
		{
			name:    "empty endpoints should fail",
			cfg:     &EtcdConfig{},
			wantErr: true,
		},
		{
			name:    "username without password should fail",
			cfg:     &EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}, Username: "root"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tt.cfg.Name)
			assert.Greater(t, tt.cfg.DialTimeout, time.Duration(0))
			assert.Equal(t, 10*time.Second, tt.cfg.KeepAliveTime)
		})
	}
}

func TestNATSConfigValidation(t *testing.T) {
	cfg := &NATSConfig{URL: "nats://127.0.0.1:4222"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, 60, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
	assert.Equal(t, 2*time.Minute, cfg.PingInterval)
	assert.Equal(t, 2, cfg.MaxPingsOut)

	err := (&NATSConfig{}).Validate()
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewConnectorsRejectNilConfig(t *testing.T) {
	_, err := NewEtcd(nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewNATS(nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNATSConnectorUnreachable(t *testing.T) {
	conn, err := NewNATS(&NATSConfig{Name: "unreachable", URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "unreachable", conn.Name())
	assert.Nil(t, conn.GetClient())

	err = conn.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.False(t, conn.IsHealthy())
	assert.ErrorIs(t, conn.HealthCheck(context.Background()), ErrNotConnected)
	assert.NoError(t, conn.Close())
}

func TestEtcdConnectorCloseIsIdempotent(t *testing.T) {
	conn, err := NewEtcd(&EtcdConfig{Endpoints: []string{"127.0.0.1:1"}, DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, conn.GetClient())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Nil(t, conn.GetClient())
	assert.False(t, conn.IsHealthy())

	err = conn.Connect(context.Background())
	assert.True(t, xerrors.Is(err, ErrNotConnected))
}
