package testkit

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// FakeService 假注册中心保存的微服务
type FakeService struct {
	ServiceID   string   `json:"serviceId,omitempty"`
	AppID       string   `json:"appId"`
	ServiceName string   `json:"serviceName"`
	Version     string   `json:"version"`
	Environment string   `json:"environment,omitempty"`
	Schemas     []string `json:"schemas,omitempty"`
}

// FakeInstance 假注册中心保存的实例
type FakeInstance struct {
	InstanceID string   `json:"instanceId,omitempty"`
	ServiceID  string   `json:"serviceId,omitempty"`
	Endpoints  []string `json:"endpoints"`
	HostName   string   `json:"hostName"`
	Status     string   `json:"status,omitempty"`
}

// FakeServiceCenter 基于 gin 的内存版 service-center，覆盖客户端用到的 v4 接口与 watcher 推送。
type FakeServiceCenter struct {
	URL string

	// Username/Password 非空时 /v4/token 校验凭据，其余接口要求 Bearer 令牌
	Username string
	Password string

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	services   map[string]*FakeService
	instances  map[string][]*FakeInstance
	schemas    map[string]map[string]string
	heartbeats map[string]int
	revision   int
	token      string
	failures   map[string][]int
	watchers   []*websocket.Conn
	watched    map[*websocket.Conn]string
}

// NewServiceCenter 启动假注册中心，生命周期由 t.Cleanup 管理
func NewServiceCenter(t *testing.T) *FakeServiceCenter {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sc := &FakeServiceCenter{
		services:   map[string]*FakeService{},
		instances:  map[string][]*FakeInstance{},
		schemas:    map[string]map[string]string{},
		heartbeats: map[string]int{},
		failures:   map[string][]int{},
		watched:    map[*websocket.Conn]string{},
		revision:   1,
	}

	r := gin.New()
	r.Use(sc.injectFailure, sc.checkToken)
	r.POST("/v4/token", sc.createToken)
	g := r.Group("/v4/:project/registry")
	g.GET("/existence", sc.existence)
	g.POST("/microservices", sc.createService)
	g.GET("/microservices/:sid", sc.getService)
	g.PUT("/microservices/:sid/schemas/:schemaId", sc.putSchema)
	g.POST("/microservices/:sid/instances", sc.createInstance)
	g.PUT("/microservices/:sid/instances/:iid/heartbeat", sc.heartbeat)
	g.DELETE("/microservices/:sid/instances/:iid", sc.deleteInstance)
	g.GET("/microservices/:sid/watcher", sc.watch)
	g.GET("/instances", sc.findInstances)

	sc.server = httptest.NewServer(r)
	sc.URL = sc.server.URL
	t.Cleanup(sc.Close)
	return sc
}

// Close 关闭服务端与所有 watcher 连接
func (sc *FakeServiceCenter) Close() {
	sc.CloseWatchers()
	sc.server.Close()
}

// FailNext 让 route（gin 路由模板，例如 "/v4/:project/registry/existence"）接下来的请求依次返回 statuses
func (sc *FakeServiceCenter) FailNext(route string, statuses ...int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.failures[route] = append(sc.failures[route], statuses...)
}

// AddInstance 直接写入一个服务及其实例，返回 instanceId
func (sc *FakeServiceCenter) AddInstance(appID, serviceName string, endpoints ...string) string {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var svc *FakeService
	for _, s := range sc.services {
		if s.AppID == appID && s.ServiceName == serviceName {
			svc = s
		}
	}
	if svc == nil {
		svc = &FakeService{ServiceID: uuid.NewString(), AppID: appID, ServiceName: serviceName, Version: "1.0.0"}
		sc.services[svc.ServiceID] = svc
	}
	inst := &FakeInstance{
		InstanceID: uuid.NewString(),
		ServiceID:  svc.ServiceID,
		Endpoints:  endpoints,
		HostName:   "fake-host",
		Status:     "UP",
	}
	sc.instances[svc.ServiceID] = append(sc.instances[svc.ServiceID], inst)
	sc.bumpLocked()
	return inst.InstanceID
}

// Services 已注册的服务
func (sc *FakeServiceCenter) Services() []FakeService {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]FakeService, 0, len(sc.services))
	for _, s := range sc.services {
		out = append(out, *s)
	}
	return out
}

// Instances 某服务下的实例
func (sc *FakeServiceCenter) Instances(serviceID string) []FakeInstance {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]FakeInstance, 0, len(sc.instances[serviceID]))
	for _, i := range sc.instances[serviceID] {
		out = append(out, *i)
	}
	return out
}

// Schemas 某服务下已注册的契约内容
func (sc *FakeServiceCenter) Schemas(serviceID string) map[string]string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := map[string]string{}
	for k, v := range sc.schemas[serviceID] {
		out[k] = v
	}
	return out
}

// Heartbeats 实例收到的心跳次数
func (sc *FakeServiceCenter) Heartbeats(instanceID string) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.heartbeats[instanceID]
}

// Revision 当前实例数据版本
func (sc *FakeServiceCenter) Revision() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return strconv.Itoa(sc.revision)
}

// Watchers 当前 watcher 连接数
func (sc *FakeServiceCenter) Watchers() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.watchers)
}

// WatchedServices 当前 watcher 连接监听的 serviceId，按连接建立顺序
func (sc *FakeServiceCenter) WatchedServices() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]string, 0, len(sc.watchers))
	for _, c := range sc.watchers {
		out = append(out, sc.watched[c])
	}
	return out
}

// Notify 向所有 watcher 推送一条消息
func (sc *FakeServiceCenter) Notify() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.notifyLocked()
}

// CloseWatchers 不发关闭帧直接断开所有 watcher
func (sc *FakeServiceCenter) CloseWatchers() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, c := range sc.watchers {
		_ = c.UnderlyingConn().Close()
		delete(sc.watched, c)
	}
	sc.watchers = nil
}

func (sc *FakeServiceCenter) bumpLocked() {
	sc.revision++
	sc.notifyLocked()
}

func (sc *FakeServiceCenter) notifyLocked() {
	alive := sc.watchers[:0]
	for _, c := range sc.watchers {
		if err := c.WriteMessage(websocket.TextMessage, []byte(`{"action":"UPDATE"}`)); err == nil {
			alive = append(alive, c)
		} else {
			delete(sc.watched, c)
		}
	}
	sc.watchers = alive
}

func (sc *FakeServiceCenter) injectFailure(c *gin.Context) {
	sc.mu.Lock()
	statuses := sc.failures[c.FullPath()]
	if len(statuses) == 0 {
		sc.mu.Unlock()
		c.Next()
		return
	}
	status := statuses[0]
	sc.failures[c.FullPath()] = statuses[1:]
	sc.mu.Unlock()
	c.AbortWithStatusJSON(status, gin.H{"errorCode": strconv.Itoa(status), "errorMessage": "injected"})
}

func (sc *FakeServiceCenter) checkToken(c *gin.Context) {
	if sc.Username == "" || c.FullPath() == "/v4/token" {
		c.Next()
		return
	}
	sc.mu.Lock()
	want := sc.token
	sc.mu.Unlock()
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if want == "" || got != want {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errorMessage": "unauthorized"})
		return
	}
	c.Next()
}

// ExpireToken 使当前令牌失效
func (sc *FakeServiceCenter) ExpireToken() {
	sc.mu.Lock()
	sc.token = ""
	sc.mu.Unlock()
}

func (sc *FakeServiceCenter) createToken(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name != sc.Username || req.Password != sc.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "bad credentials"})
		return
	}
	sc.mu.Lock()
	sc.token = uuid.NewString()
	token := sc.token
	sc.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (sc *FakeServiceCenter) existence(c *gin.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, s := range sc.services {
		if s.AppID == c.Query("appId") && s.ServiceName == c.Query("serviceName") && s.Version == c.Query("version") {
			c.JSON(http.StatusOK, gin.H{"serviceId": s.ServiceID})
			return
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"errorCode": "400012", "errorMessage": "Micro-service does not exist"})
}

func (sc *FakeServiceCenter) createService(c *gin.Context) {
	var req struct {
		Service FakeService `json:"service"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": err.Error()})
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	svc := req.Service
	svc.ServiceID = uuid.NewString()
	sc.services[svc.ServiceID] = &svc
	c.JSON(http.StatusOK, gin.H{"serviceId": svc.ServiceID})
}

func (sc *FakeServiceCenter) getService(c *gin.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	svc, ok := sc.services[c.Param("sid")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": "service not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": svc})
}

func (sc *FakeServiceCenter) putSchema(c *gin.Context) {
	var req struct {
		Schema  string `json:"schema"`
		Summary string `json:"summary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": err.Error()})
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sid := c.Param("sid")
	svc, ok := sc.services[sid]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": "service not found"})
		return
	}
	if sc.schemas[sid] == nil {
		sc.schemas[sid] = map[string]string{}
	}
	id := c.Param("schemaId")
	if !slices.Contains(svc.Schemas, id) {
		svc.Schemas = append(svc.Schemas, id)
	}
	sc.schemas[sid][id] = req.Schema
	c.Status(http.StatusOK)
}

func (sc *FakeServiceCenter) createInstance(c *gin.Context) {
	var req struct {
		Instance FakeInstance `json:"instance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": err.Error()})
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sid := c.Param("sid")
	if _, ok := sc.services[sid]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"errorMessage": "service not found"})
		return
	}
	inst := req.Instance
	inst.ServiceID = sid
	inst.InstanceID = uuid.NewString()
	sc.instances[sid] = append(sc.instances[sid], &inst)
	sc.bumpLocked()
	c.JSON(http.StatusOK, gin.H{"instanceId": inst.InstanceID})
}

func (sc *FakeServiceCenter) heartbeat(c *gin.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, i := range sc.instances[c.Param("sid")] {
		if i.InstanceID == c.Param("iid") {
			sc.heartbeats[i.InstanceID]++
			c.Status(http.StatusOK)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"errorMessage": "instance not found"})
}

func (sc *FakeServiceCenter) deleteInstance(c *gin.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sid, iid := c.Param("sid"), c.Param("iid")
	list := sc.instances[sid]
	for i, inst := range list {
		if inst.InstanceID == iid {
			sc.instances[sid] = append(list[:i:i], list[i+1:]...)
			sc.bumpLocked()
			c.Status(http.StatusOK)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"errorMessage": "instance not found"})
}

func (sc *FakeServiceCenter) findInstances(c *gin.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rev := strconv.Itoa(sc.revision)
	if c.Query("rev") == rev {
		c.Status(http.StatusNotModified)
		return
	}
	out := []FakeInstance{}
	for sid, s := range sc.services {
		if s.AppID != c.Query("appId") || s.ServiceName != c.Query("serviceName") {
			continue
		}
		for _, i := range sc.instances[sid] {
			out = append(out, *i)
		}
	}
	c.Header("X-Resource-Revision", rev)
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

func (sc *FakeServiceCenter) watch(c *gin.Context) {
	conn, err := sc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sc.mu.Lock()
	sc.watchers = append(sc.watchers, conn)
	sc.watched[conn] = c.Param("sid")
	sc.mu.Unlock()

	// 读到错误即视为断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			sc.mu.Lock()
			for i, w := range sc.watchers {
				if w == conn {
					sc.watchers = append(sc.watchers[:i:i], sc.watchers[i+1:]...)
					delete(sc.watched, conn)
					break
				}
			}
			sc.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}
