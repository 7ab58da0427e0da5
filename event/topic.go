// Package event 提供类型化的进程内事件分发。
//
// 每种事件对应一个 Topic[E]。Publish 在发布者的 goroutine 上同步、按订阅顺序调用处理函数，
// 因此处理函数不应阻塞；需要异步处理时自行投递到 Worker。
package event

import "sync"

// Topic 单一事件类型的订阅列表。零值可用。
type Topic[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[E]
}

type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// Subscribe 注册处理函数，返回取消订阅函数（可重复调用）
func (t *Topic[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[E]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

// Publish 同步分发事件
func (t *Topic[E]) Publish(e E) {
	t.mu.RLock()
	subs := make([]func(E), len(t.subs))
	for i, s := range t.subs {
		subs[i] = s.fn
	}
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// Len 当前订阅数
func (t *Topic[E]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[E]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}
