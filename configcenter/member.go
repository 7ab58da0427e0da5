package configcenter

import (
	"math/rand/v2"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/servicecomb/xerrors"
)

// Member /configuration/members 返回的一个成员
type Member struct {
	Status    string   `json:"status,omitempty"`
	Endpoints []string `json:"endpoints"`
	IsHTTPS   bool     `json:"isHttps,omitempty"`
}

// MembersResponse /configuration/members 响应
type MembersResponse struct {
	Instances []Member `json:"instances"`
}

// MemberDiscovery 配置中心地址池。
//
// 构造时打乱一次，取址为 pool[counter % len]；每个 ConnFailEvent 使 counter 加一，
// 下一次取址换到另一个成员。RefreshMembers 在同一把锁内整体替换地址池。
type MemberDiscovery struct {
	mu      sync.RWMutex
	pool    []string
	counter atomic.Uint64
}

// NewMemberDiscovery 复制并打乱 uris
func NewMemberDiscovery(uris []string) *MemberDiscovery {
	pool := slices.Clone(uris)
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return &MemberDiscovery{pool: pool}
}

// ConfigServer 返回当前成员，地址池为空时返回 ErrInvalidState
func (m *MemberDiscovery) ConfigServer() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.pool) == 0 {
		return "", xerrors.Wrap(xerrors.ErrInvalidState, "config center address is not available")
	}
	return m.pool[m.counter.Load()%uint64(len(m.pool))], nil
}

// OnConnFail 切换到下一个成员
func (m *MemberDiscovery) OnConnFail(ConnFailEvent) {
	m.counter.Add(1)
}

// Members 当前地址池副本
func (m *MemberDiscovery) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.pool)
}

// RefreshMembers 用 UP 成员替换地址池并重新打乱，返回新地址池大小。
// 没有可用成员时保留原地址池并返回 0。
func (m *MemberDiscovery) RefreshMembers(resp MembersResponse) int {
	var pool []string
	for _, member := range resp.Instances {
		if member.Status != "" && member.Status != "UP" {
			continue
		}
		if len(member.Endpoints) == 0 {
			continue
		}
		if addr := memberAddress(member.Endpoints[0], member.IsHTTPS); addr != "" {
			pool = append(pool, addr)
		}
	}
	if len(pool) == 0 {
		return 0
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	m.mu.Lock()
	m.pool = pool
	m.mu.Unlock()
	return len(pool)
}

// memberAddress rest://host:port?sslEnabled=true → https://host:port
func memberAddress(endpoint string, https bool) string {
	hostPort := endpoint
	if _, rest, ok := strings.Cut(endpoint, "://"); ok {
		hostPort = rest
	}
	hostPort, query, _ := strings.Cut(hostPort, "?")
	hostPort = strings.TrimRight(hostPort, "/")
	if hostPort == "" {
		return ""
	}
	if q, err := url.ParseQuery(query); err == nil && q.Get("sslEnabled") == "true" {
		https = true
	}
	if https {
		return "https://" + hostPort
	}
	return "http://" + hostPort
}
