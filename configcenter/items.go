package configcenter

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	// applicationDimension 应用级维度，合并时最先写入，其他维度覆盖它
	applicationDimension = "application"
	revisionKey          = "revision"
)

// Frame 推送通道上的一帧
type Frame struct {
	Action string          `json:"action"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Items 多维度配置的内存副本。
//
// 每次刷新后把所有维度合并、展开成单层 key → value，与上一次的展开结果比较，
// 新增、修改、删除三类变更分别交给 UpdateHandler，空批次跳过。
type Items struct {
	handler UpdateHandler

	// refreshMu 串行化刷新与回调，保证变更批次按刷新顺序送达
	refreshMu sync.Mutex

	mu         sync.RWMutex
	dimensions map[string]map[string]any
	flat       map[string]any
	revision   string
}

// NewItems 创建配置副本，handler 可以为 nil
func NewItems(handler UpdateHandler) *Items {
	return &Items{
		handler:    handler,
		dimensions: map[string]map[string]any{},
		flat:       map[string]any{},
	}
}

// Revision 最近一次全量拉取的 revision
func (it *Items) Revision() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.revision
}

// Get 读取展开后的配置项
func (it *Items) Get(key string) (any, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	v, ok := it.flat[key]
	return v, ok
}

// Snapshot 展开后配置的副本
func (it *Items) Snapshot() map[string]any {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return maps.Clone(it.flat)
}

// Refresh 用全量拉取结果替换所有维度。remote 中的 "revision" 维度只用于记录 revision。
func (it *Items) Refresh(remote map[string]map[string]any) {
	it.refreshMu.Lock()
	defer it.refreshMu.Unlock()

	dims := make(map[string]map[string]any, len(remote))
	revision := ""
	for dim, items := range remote {
		if dim == revisionKey {
			if v, ok := items["version"]; ok && v != nil {
				revision = fmt.Sprint(v)
			}
			continue
		}
		dims[dim] = maps.Clone(items)
	}

	it.mu.Lock()
	it.dimensions = dims
	if revision != "" {
		it.revision = revision
	}
	it.mu.Unlock()
	it.apply()
}

// RefreshIncremental 应用一帧增量变更：UPDATE 替换 Key 维度，DELETE 删除 Key 维度。
// 其他动作返回 ErrInvalidInput。
func (it *Items) RefreshIncremental(f Frame) error {
	it.refreshMu.Lock()
	defer it.refreshMu.Unlock()

	switch f.Action {
	case "UPDATE":
		items, err := decodeFrameValue(f.Value)
		if err != nil {
			return xerrors.Wrapf(err, "decode items of dimension %q", f.Key)
		}
		it.mu.Lock()
		it.dimensions[f.Key] = items
		it.mu.Unlock()
	case "DELETE":
		it.mu.Lock()
		delete(it.dimensions, f.Key)
		it.mu.Unlock()
	default:
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "unsupported action %q", f.Action)
	}
	it.apply()
	return nil
}

// apply 重新展开并分发差异，调用方持有 refreshMu
func (it *Items) apply() {
	it.mu.Lock()
	before := it.flat
	after := merge(it.dimensions)
	it.flat = after
	it.mu.Unlock()

	created, updated, deleted := diff(before, after)
	if it.handler == nil {
		return
	}
	if len(created) > 0 {
		it.handler(ActionCreate, created)
	}
	if len(updated) > 0 {
		it.handler(ActionSet, updated)
	}
	if len(deleted) > 0 {
		it.handler(ActionDelete, deleted)
	}
}

// decodeFrameValue 兼容 value 为 JSON 对象或 JSON 字符串包裹的对象
func decodeFrameValue(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = json.RawMessage(s)
	}
	items := map[string]any{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// merge 先写入 application 维度，再按名称顺序写入其他维度，嵌套对象展开为点分 key
func merge(dims map[string]map[string]any) map[string]any {
	out := map[string]any{}
	if app, ok := dims[applicationDimension]; ok {
		flatten("", app, out)
	}
	for _, dim := range slices.Sorted(maps.Keys(dims)) {
		if dim == applicationDimension {
			continue
		}
		flatten("", dims[dim], out)
	}
	return out
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func diff(before, after map[string]any) (created, updated, deleted map[string]any) {
	created, updated, deleted = map[string]any{}, map[string]any{}, map[string]any{}
	for k, v := range after {
		old, ok := before[k]
		switch {
		case !ok:
			created[k] = v
		case !reflect.DeepEqual(old, v):
			updated[k] = v
		}
	}
	for k, v := range before {
		if _, ok := after[k]; !ok {
			deleted[k] = v
		}
	}
	return created, updated, deleted
}
