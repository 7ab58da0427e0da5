// Package rest 是注册中心与配置中心调用共用的 REST 调用管线：
// 编码请求体 → 附加公共头与鉴权头 → 按 host 熔断 → 发送（otelhttp 埋点）→ 读取响应。
//
// 非 2xx 状态不是错误：Do 返回完整的 Response，由调用方按业务语义解释（例如 304 表示未变化）。
// 只有网络错误、熔断拒绝和编码失败才返回 error。
package rest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/servicecomb/breaker"
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/trace"
	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	HeaderRequestID   = "X-Request-Id"
	HeaderContentType = "Content-Type"
)

// errServerStatus 仅用于让 5xx 计入熔断失败，不会返回给调用方
var errServerStatus = errors.New("server error status")

// Config REST 客户端配置
type Config struct {
	// Timeout 单次请求超时，默认 10s。ctx 上更短的截止时间优先。
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	// Service 指标中的 service 标签
	Service string `mapstructure:"service" yaml:"service" json:"service"`

	Breaker breaker.Config `mapstructure:"breaker" yaml:"breaker" json:"breaker"`
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Service == "" {
		c.Service = "servicecomb"
	}
}

// Request 一次调用
type Request struct {
	Method string
	URL    string
	// Route 模板化路径，用作指标标签，例如 "/registry/instances"
	Route  string
	Header http.Header
	// Body 为 []byte 时原样发送，否则使用 Codec 编码
	Body  any
	Codec Codec
}

// Response 调用结果
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode 按响应的 Content-Type 解码
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "empty response body")
	}
	if err := CodecFor(r.Header.Get(HeaderContentType)).Unmarshal(r.Body, v); err != nil {
		return xerrors.Wrap(err, "decode response")
	}
	return nil
}

// Err 非 2xx 时返回 *xerrors.StatusError
func (r *Response) Err(method, rawURL string) error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return &xerrors.StatusError{Method: method, URL: rawURL, Status: r.StatusCode, Body: string(r.Body)}
}

// Client REST 客户端，并发安全
type Client struct {
	cfg     Config
	http    *http.Client
	breaker breaker.Breaker
	auth    AuthProvider
	headers http.Header
	logger  clog.Logger
	metrics *metrics.HTTPMetrics
}

// New 创建客户端
func New(cfg *Config, opts ...Option) (*Client, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := &options{
		logger:  clog.Discard(),
		meter:   metrics.Discard(),
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(o)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: trace.HTTPTransport(nil)}
	}

	brk := o.breaker
	if brk == nil {
		var err error
		brk, err = breaker.New(&c.Breaker, breaker.WithLogger(o.logger), breaker.WithMeter(o.meter))
		if err != nil {
			return nil, err
		}
	}

	hm, err := metrics.NewHTTPMetrics(o.meter, c.Service, metrics.OperationHTTPClient)
	if err != nil {
		return nil, xerrors.Wrap(err, "create http metrics")
	}

	return &Client{
		cfg:     c,
		http:    httpClient,
		breaker: brk,
		auth:    o.auth,
		headers: o.headers,
		logger:  o.logger,
		metrics: hm,
	}, nil
}

// Do 执行请求
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "parse url %q: %v", req.URL, err)
	}

	body, codec, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(err, "build request")
	}
	if err := c.fillHeaders(ctx, httpReq, req, codec, len(body) > 0); err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *Response
	err = c.breaker.Execute(ctx, u.Host, func() error {
		r, err := c.send(httpReq)
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.Observe(ctx, req.Method, req.Route, status, time.Since(start))

	if err != nil && !errors.Is(err, errServerStatus) {
		c.logger.DebugContext(ctx, "request failed",
			clog.String("method", req.Method),
			clog.String("url", req.URL),
			clog.Error(err))
		return nil, xerrors.Wrapf(errors.Join(xerrors.ErrUnavailable, err), "%s %s", req.Method, req.URL)
	}

	c.logger.DebugContext(ctx, "request done",
		clog.String("method", req.Method),
		clog.String("url", req.URL),
		clog.Int("status", resp.StatusCode),
		clog.Duration("cost", time.Since(start)))
	return resp, nil
}

func (c *Client) send(req *http.Request) (*Response, error) {
	// breaker 可能在半开态重试同一个 Request，body 需要可重读
	if req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, xerrors.Wrap(err, "read response body")
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func (c *Client) fillHeaders(ctx context.Context, httpReq *http.Request, req *Request, codec Codec, hasBody bool) error {
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.auth != nil {
		auth, err := c.auth.Headers(ctx)
		if err != nil {
			return xerrors.Wrap(err, "resolve auth headers")
		}
		for k, v := range auth {
			httpReq.Header.Set(k, v)
		}
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if hasBody && httpReq.Header.Get(HeaderContentType) == "" {
		httpReq.Header.Set(HeaderContentType, codec.ContentType())
	}
	if httpReq.Header.Get(HeaderRequestID) == "" {
		httpReq.Header.Set(HeaderRequestID, uuid.NewString())
	}
	return nil
}

func encodeBody(req *Request) ([]byte, Codec, error) {
	codec := req.Codec
	if codec == nil {
		codec = JSON
	}
	switch b := req.Body.(type) {
	case nil:
		return nil, codec, nil
	case []byte:
		return b, codec, nil
	default:
		data, err := codec.Marshal(b)
		if err != nil {
			return nil, nil, xerrors.Wrap(err, "encode request body")
		}
		return data, codec, nil
	}
}
