package registry

import (
	"context"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	isolateThreshold = 3
	checkInterval    = time.Minute
	checkDialTimeout = 3 * time.Second
)

// AddressManager 注册中心地址池。
//
// 收到拓扑事件前从配置地址中轮询；之后优先同 zone，其次同 region。
// 同一地址连续失败 3 次被隔离，后台每分钟探测一次被隔离的地址，可连通则重新加入。
// 探测失败的地址在 10 分钟内不再探测。
type AddressManager struct {
	project string
	logger  clog.Logger
	dial    func(ctx context.Context, addr string) error

	mu        sync.Mutex
	index     int
	current   string
	defaults  []string
	zone      []string
	region    []string
	refreshed bool
	sameZone  map[string]bool
	failures  map[string]int
	isolated  map[string]struct{}

	// probe 为 false 表示最近探测失败，过期后重新探测
	probe *otter.Cache[string, bool]

	checkOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewAddressManager 创建地址池。addresses 可以为空，此时 Address 返回 ErrInvalidState。
func NewAddressManager(project string, addresses []string, logger clog.Logger) (*AddressManager, error) {
	if project == "" {
		project = DefaultProject
	}
	if logger == nil {
		logger = clog.Discard()
	}
	probe, err := otter.New(&otter.Options[string, bool]{
		MaximumSize:      100,
		ExpiryCalculator: otter.ExpiryWriting[string, bool](10 * time.Minute),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to build address cache")
	}
	m := &AddressManager{
		project:  project,
		logger:   logger.WithNamespace("address"),
		defaults: slices.Clone(addresses),
		sameZone: map[string]bool{},
		failures: map[string]int{},
		isolated: map[string]struct{}{},
		probe:    probe,
		stop:     make(chan struct{}),
	}
	m.dial = m.tcpDial
	return m, nil
}

// Address 按轮询返回一个可用地址
func (m *AddressManager) Address() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool := m.available()
	if len(pool) == 0 {
		pool = m.defaults
	}
	if len(pool) == 0 {
		return "", xerrors.Wrap(xerrors.ErrInvalidState, "no registry address available")
	}
	m.index++
	if m.index >= len(pool) {
		m.index = 0
	}
	m.current = pool[m.index]
	return m.current, nil
}

// FormatURL 选择地址并拼接路径。absolute 为 false 时加上 /v4/{project} 前缀。
func (m *AddressManager) FormatURL(path string, absolute bool) (string, error) {
	addr, err := m.Address()
	if err != nil {
		return "", err
	}
	return m.join(addr, path, absolute), nil
}

func (m *AddressManager) join(addr, path string, absolute bool) string {
	if absolute {
		return addr + path
	}
	return addr + "/v4/" + url.PathEscape(m.project) + path
}

// Current 最近一次选中的地址
func (m *AddressManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SSLEnabled 最近一次选中的地址是否为 https
func (m *AddressManager) SSLEnabled() bool {
	return strings.HasPrefix(m.Current(), "https://")
}

// Project 项目名
func (m *AddressManager) Project() string { return m.project }

// RefreshEndpoint 用拓扑事件替换同 zone、同 region 地址
func (m *AddressManager) RefreshEndpoint(e RefreshEndpointEvent) {
	zone := normalizeEndpoints(e.SameZone)
	region := normalizeEndpoints(e.SameRegion)

	m.mu.Lock()
	m.refreshed = true
	m.zone = zone
	m.region = region
	for _, a := range zone {
		m.sameZone[a] = true
	}
	for _, a := range region {
		m.sameZone[a] = false
	}
	m.mu.Unlock()

	for _, a := range append(zone, region...) {
		m.probe.Set(a, true)
	}
	m.logger.Info("registry endpoints refreshed",
		clog.Strings("same_zone", zone),
		clog.Strings("same_region", region))
	m.startCheck()
}

// RecordFailState 记录一次调用失败，连续 3 次后隔离该地址
func (m *AddressManager) RecordFailState(addr string) {
	if addr == "" {
		return
	}
	m.mu.Lock()
	m.failures[addr]++
	if m.failures[addr] < isolateThreshold {
		m.mu.Unlock()
		return
	}
	m.failures[addr] = 0
	isolated := m.isolateLocked(addr)
	m.mu.Unlock()

	if isolated {
		m.probe.Set(addr, false)
		m.logger.Warn("registry address isolated", clog.String("address", addr))
		m.startCheck()
	}
}

// RecordSuccessState 记录一次调用成功
func (m *AddressManager) RecordSuccessState(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[addr] > 0 {
		m.failures[addr]--
	}
}

// Close 停止后台探测
func (m *AddressManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// available 调用前必须持有 mu
func (m *AddressManager) available() []string {
	if !m.refreshed {
		return m.defaults
	}
	pool := m.zone
	if len(pool) == 0 {
		pool = m.region
	}
	out := make([]string, 0, len(pool))
	for _, a := range pool {
		if _, ok := m.isolated[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// isolateLocked 从所在的池中移除地址。地址是池中最后一个时不隔离，保证池不因隔离变空。
func (m *AddressManager) isolateLocked(addr string) bool {
	remove := func(pool []string) ([]string, bool) {
		i := slices.Index(pool, addr)
		if i < 0 || len(pool) == 1 {
			return pool, false
		}
		return slices.Delete(slices.Clone(pool), i, i+1), true
	}

	var ok bool
	switch {
	case !m.refreshed:
		m.defaults, ok = remove(m.defaults)
	case m.sameZone[addr]:
		m.zone, ok = remove(m.zone)
	default:
		m.region, ok = remove(m.region)
	}
	if ok {
		m.isolated[addr] = struct{}{}
	}
	return ok
}

func (m *AddressManager) rejoin(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.isolated[addr]; !ok {
		return
	}
	delete(m.isolated, addr)
	m.failures[addr] = 0
	switch {
	case !m.refreshed:
		m.defaults = append(slices.Clone(m.defaults), addr)
	case m.sameZone[addr]:
		m.zone = append(slices.Clone(m.zone), addr)
	default:
		m.region = append(slices.Clone(m.region), addr)
	}
}

func (m *AddressManager) startCheck() {
	m.checkOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(checkInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stop:
					return
				case <-ticker.C:
					m.checkIsolated(context.Background())
				}
			}
		}()
	})
}

// checkIsolated 探测被隔离且不在抑制期内的地址
func (m *AddressManager) checkIsolated(ctx context.Context) {
	m.mu.Lock()
	candidates := make([]string, 0, len(m.isolated))
	for a := range m.isolated {
		candidates = append(candidates, a)
	}
	m.mu.Unlock()

	for _, addr := range candidates {
		if probe, ok := m.probe.GetIfPresent(addr); ok && !probe {
			continue
		}
		if err := m.dial(ctx, addr); err != nil {
			m.logger.Warn("ping registry address failed, keep isolated",
				clog.String("address", addr), clog.Error(err))
			m.probe.Set(addr, false)
			continue
		}
		m.rejoin(addr)
		m.logger.Info("registry address rejoined", clog.String("address", addr))
	}
}

func (m *AddressManager) tcpDial(ctx context.Context, addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	d := net.Dialer{Timeout: checkDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// normalizeEndpoints rest://host:port?sslEnabled=true 转为 https://host:port，否则转为 http://
func normalizeEndpoints(endpoints []string) []string {
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, normalizeEndpoint(e))
	}
	return out
}

func normalizeEndpoint(endpoint string) string {
	rest, ok := strings.CutPrefix(endpoint, "rest://")
	if !ok {
		return endpoint
	}
	scheme := "http://"
	if strings.Contains(rest, "sslEnabled=true") {
		scheme = "https://"
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	return scheme + rest
}
