package rest

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ceyewan/servicecomb/xerrors"
)

// HeaderAuthorization RBAC 令牌头
const HeaderAuthorization = "Authorization"

// AuthProvider 为每个请求提供鉴权头
type AuthProvider interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// StaticAuth 固定的鉴权头，例如配置中心的 X-Auth-Token
type StaticAuth map[string]string

func (s StaticAuth) Headers(context.Context) (map[string]string, error) {
	return s, nil
}

// TokenFetcher 向注册中心换取 RBAC 令牌
type TokenFetcher func(ctx context.Context) (string, error)

// TokenAuth 缓存 RBAC 令牌，在 JWT exp 到期前 RefreshBefore 时间重新获取。
// 令牌不是 JWT 或没有 exp 时按 DefaultTTL 缓存。
type TokenAuth struct {
	fetch         TokenFetcher
	refreshBefore time.Duration
	defaultTTL    time.Duration
	now           func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenAuth 创建令牌鉴权
func NewTokenAuth(fetch TokenFetcher) *TokenAuth {
	return &TokenAuth{
		fetch:         fetch,
		refreshBefore: time.Minute,
		defaultTTL:    10 * time.Minute,
		now:           time.Now,
	}
}

func (a *TokenAuth) Headers(ctx context.Context) (map[string]string, error) {
	token, err := a.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{HeaderAuthorization: "Bearer " + token}, nil
}

// Token 返回有效令牌，必要时重新获取
func (a *TokenAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.expiresAt.Add(-a.refreshBefore)) {
		return a.token, nil
	}
	token, err := a.fetch(ctx)
	if err != nil {
		return "", xerrors.Wrap(err, "fetch rbac token")
	}
	if token == "" {
		return "", xerrors.Wrap(xerrors.ErrMalformed, "empty rbac token")
	}
	a.token = token
	a.expiresAt = a.expiry(token)
	return token, nil
}

// Invalidate 丢弃缓存令牌，收到 401 后调用
func (a *TokenAuth) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

// expiry 只读取 exp，不校验签名：令牌由服务端签发和校验，客户端只关心何时刷新
func (a *TokenAuth) expiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return a.now().Add(a.defaultTTL)
}
