package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/servicecomb/breaker"
	"github.com/ceyewan/servicecomb/xerrors"
)

type payload struct {
	ServiceName string            `json:"serviceName"`
	Properties  map[string]string `json:"properties,omitempty"`
}

func TestDoEncodesBodyAndHeaders(t *testing.T) {
	var got payload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set(HeaderContentType, "application/json")
		_, _ = w.Write([]byte(`{"serviceId":"sid"}`))
	}))
	defer srv.Close()

	c, err := New(nil,
		WithHeader("x-domain-name", "default"),
		WithAuth(StaticAuth{"X-Auth-Token": "tok"}),
	)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/v4/default/registry/microservices",
		Route:  "/registry/microservices",
		Header: http.Header{"X-ConsumerId": {"c1"}},
		Body:   payload{ServiceName: "order"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, resp.Err(http.MethodPost, srv.URL))

	var out struct {
		ServiceID string `json:"serviceId"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "sid", out.ServiceID)

	assert.Equal(t, "order", got.ServiceName)
	assert.Equal(t, "default", headers.Get("x-domain-name"))
	assert.Equal(t, "tok", headers.Get("X-Auth-Token"))
	assert.Equal(t, "c1", headers.Get("X-ConsumerId"))
	assert.Equal(t, "application/json", headers.Get(HeaderContentType))
	assert.NotEmpty(t, headers.Get(HeaderRequestID))
}

func TestDoNon2xxIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c, err := New(nil)
	require.NoError(t, err)
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Error(t, resp.Err(http.MethodGet, srv.URL))
}

func TestDoServerErrorsTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(&Config{Breaker: breaker.Config{ConsecutiveFailures: 2, Timeout: time.Hour}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
		require.NoError(t, err)
		assert.ErrorIs(t, resp.Err(http.MethodGet, srv.URL), xerrors.ErrUnavailable)
	}

	_, err = c.Do(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, xerrors.ErrUnavailable)
	assert.ErrorIs(t, err, breaker.ErrOpenState)
	assert.EqualValues(t, 2, hits.Load())
}

func TestDoNetworkError(t *testing.T) {
	c, err := New(&Config{Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/health"})
	assert.ErrorIs(t, err, xerrors.ErrUnavailable)

	_, err = c.Do(context.Background(), &Request{Method: http.MethodGet, URL: "://bad"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestMsgpackCodecUsesJSONTags(t *testing.T) {
	in := payload{ServiceName: "order", Properties: map[string]string{"k": "v"}}
	data, err := Msgpack.Marshal(in)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, Msgpack.Unmarshal(data, &generic))
	assert.Equal(t, "order", generic["serviceName"])

	var out payload
	require.NoError(t, Msgpack.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	assert.Equal(t, Msgpack, CodecFor("application/msgpack; charset=utf-8"))
	assert.Equal(t, JSON, CodecFor("text/plain"))
}

func TestTokenAuthRefreshesBeforeExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls int
	auth := NewTokenAuth(func(context.Context) (string, error) {
		calls++
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": now.Add(10 * time.Minute).Unix(),
		})
		return tok.SignedString([]byte("secret"))
	})
	auth.now = func() time.Time { return now }

	h, err := auth.Headers(context.Background())
	require.NoError(t, err)
	assert.Contains(t, h[HeaderAuthorization], "Bearer ")

	_, _ = auth.Token(context.Background())
	assert.Equal(t, 1, calls)

	// 距离过期不足 1 分钟时刷新
	now = now.Add(9*time.Minute + 30*time.Second)
	_, _ = auth.Token(context.Background())
	assert.Equal(t, 2, calls)

	auth.Invalidate()
	_, _ = auth.Token(context.Background())
	assert.Equal(t, 3, calls)
}

func TestTokenAuthOpaqueToken(t *testing.T) {
	auth := NewTokenAuth(func(context.Context) (string, error) { return "opaque", nil })
	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque", tok)

	empty := NewTokenAuth(func(context.Context) (string, error) { return "", nil })
	_, err = empty.Token(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrMalformed)
}
