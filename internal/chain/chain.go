// Package chain 实现自调度的顺序任务链。
//
// 每个组件（注册、发现、配置中心）持有一个 Worker，Worker 内只有一个 goroutine
// 按提交顺序串行执行 Task。Task 执行完返回它的后继任务，Worker 把后继重新入队；
// 返回 nil 表示链终止。重试和周期调度都表达为 Sleep 任务：先等待，再交还后继。
package chain

import (
	"context"
	"time"
)

const (
	// BackoffBase 失败退避的步长
	BackoffBase = 3 * time.Second
	// BackoffMax 失败退避的上限
	BackoffMax = 60 * time.Second
)

// Task 链上的一个步骤。返回值是后继任务，nil 表示不再继续。
type Task interface {
	Execute(ctx context.Context) Task
}

// TaskFunc 函数适配器
type TaskFunc func(ctx context.Context) Task

func (f TaskFunc) Execute(ctx context.Context) Task {
	return f(ctx)
}

// Sleep 等待 Wait 后返回 Next。等待可被 ctx 取消，取消时链终止。
type Sleep struct {
	Wait time.Duration
	Next Task
}

// Backoff 按失败次数线性退避：min(BackoffMax, failedCount*BackoffBase)
func Backoff(failedCount int, next Task) *Sleep {
	return &Sleep{Wait: BackoffWait(failedCount), Next: next}
}

// Delay 固定等待 d 后执行 next，不受 BackoffMax 约束
func Delay(d time.Duration, next Task) *Sleep {
	return &Sleep{Wait: d, Next: next}
}

// BackoffWait 返回 failedCount 次失败后的等待时长
func BackoffWait(failedCount int) time.Duration {
	if failedCount <= 0 {
		return 0
	}
	if failedCount >= int(BackoffMax/BackoffBase) {
		return BackoffMax
	}
	return time.Duration(failedCount) * BackoffBase
}

func (s *Sleep) Execute(ctx context.Context) Task {
	if s.Wait <= 0 {
		return s.Next
	}
	timer := time.NewTimer(s.Wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return s.Next
	}
}
