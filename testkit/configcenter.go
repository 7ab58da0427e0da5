package testkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// FakeMember 假配置中心 /configuration/members 返回的成员
type FakeMember struct {
	Status    string   `json:"status,omitempty"`
	Endpoints []string `json:"endpoints"`
	IsHTTPS   bool     `json:"isHttps,omitempty"`
}

// FakeConfigCenter 基于 gin 的内存版配置中心：全量拉取（带 revision 的 304）、成员列表与推送通道。
type FakeConfigCenter struct {
	URL string

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	dimensions map[string]map[string]any
	members    []FakeMember
	revision   int
	fetches    int
	headers    []http.Header
	failures   map[string][]int
	watchers   []*websocket.Conn
}

// NewConfigCenter 启动假配置中心，生命周期由 t.Cleanup 管理
func NewConfigCenter(t *testing.T) *FakeConfigCenter {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cc := &FakeConfigCenter{
		dimensions: map[string]map[string]any{},
		failures:   map[string][]int{},
		revision:   1,
	}

	r := gin.New()
	r.Use(cc.recordHeaders, cc.injectFailure)
	r.GET("/configuration/items", cc.items)
	r.GET("/configuration/members", cc.listMembers)
	r.GET("/configuration/refresh/items", cc.watch)

	cc.server = httptest.NewServer(r)
	cc.URL = cc.server.URL
	t.Cleanup(cc.Close)
	return cc
}

// Close 关闭服务端与所有推送连接
func (cc *FakeConfigCenter) Close() {
	cc.CloseWatchers()
	cc.server.Close()
}

// FailNext 让 route 接下来的请求依次返回 statuses
func (cc *FakeConfigCenter) FailNext(route string, statuses ...int) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.failures[route] = append(cc.failures[route], statuses...)
}

// Set 写入一个维度下的配置项并推进 revision，不推送
func (cc *FakeConfigCenter) Set(dimension string, items map[string]any) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.dimensions[dimension] = items
	cc.revision++
}

// SetMembers 设置成员列表
func (cc *FakeConfigCenter) SetMembers(members ...FakeMember) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.members = members
}

// Revision 当前 revision
func (cc *FakeConfigCenter) Revision() string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return strconv.Itoa(cc.revision)
}

// Fetches 返回 /configuration/items 被调用的次数
func (cc *FakeConfigCenter) Fetches() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.fetches
}

// LastHeader 最近一次请求的头
func (cc *FakeConfigCenter) LastHeader() http.Header {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.headers) == 0 {
		return http.Header{}
	}
	return cc.headers[len(cc.headers)-1].Clone()
}

// Watchers 当前推送连接数
func (cc *FakeConfigCenter) Watchers() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.watchers)
}

// Push 向所有推送连接发送一帧，frame 按 JSON 编码
func (cc *FakeConfigCenter) Push(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	cc.PushRaw(data)
}

// PushRaw 原样发送 data，不做任何编码
func (cc *FakeConfigCenter) PushRaw(data []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	alive := cc.watchers[:0]
	for _, c := range cc.watchers {
		if err := c.WriteMessage(websocket.TextMessage, data); err == nil {
			alive = append(alive, c)
		}
	}
	cc.watchers = alive
}

// PushUpdate 推送一个维度的增量更新，value 以 JSON 字符串形式携带
func (cc *FakeConfigCenter) PushUpdate(dimension string, items map[string]any) {
	value, err := json.Marshal(items)
	if err != nil {
		panic(err)
	}
	cc.Push(map[string]any{"action": "UPDATE", "key": dimension, "value": string(value)})
}

// CloseWatchers 不发关闭帧直接断开所有推送连接
func (cc *FakeConfigCenter) CloseWatchers() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for _, c := range cc.watchers {
		_ = c.UnderlyingConn().Close()
	}
	cc.watchers = nil
}

func (cc *FakeConfigCenter) recordHeaders(c *gin.Context) {
	cc.mu.Lock()
	cc.headers = append(cc.headers, c.Request.Header.Clone())
	cc.mu.Unlock()
	c.Next()
}

func (cc *FakeConfigCenter) injectFailure(c *gin.Context) {
	cc.mu.Lock()
	statuses := cc.failures[c.FullPath()]
	if len(statuses) == 0 {
		cc.mu.Unlock()
		c.Next()
		return
	}
	status := statuses[0]
	cc.failures[c.FullPath()] = statuses[1:]
	cc.mu.Unlock()
	c.AbortWithStatusJSON(status, gin.H{"error": "injected"})
}

func (cc *FakeConfigCenter) items(c *gin.Context) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.fetches++
	rev := strconv.Itoa(cc.revision)
	if c.Query("revision") == rev {
		c.Status(http.StatusNotModified)
		return
	}
	out := gin.H{"revision": gin.H{"version": rev}}
	for dim, items := range cc.dimensions {
		out[dim] = items
	}
	c.JSON(http.StatusOK, out)
}

func (cc *FakeConfigCenter) listMembers(c *gin.Context) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"instances": cc.members})
}

func (cc *FakeConfigCenter) watch(c *gin.Context) {
	conn, err := cc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cc.mu.Lock()
	cc.watchers = append(cc.watchers, conn)
	cc.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			cc.mu.Lock()
			for i, w := range cc.watchers {
				if w == conn {
					cc.watchers = append(cc.watchers[:i:i], cc.watchers[i+1:]...)
					break
				}
			}
			cc.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}
