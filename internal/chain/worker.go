package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/ceyewan/servicecomb/clog"
)

// Worker 单 goroutine 串行执行器，队列无界，严格按提交顺序执行。
type Worker struct {
	name   string
	logger clog.Logger

	mu      sync.Mutex
	queue   []Task
	stopped bool
	notify  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker 创建并启动 Worker
func NewWorker(name string, logger clog.Logger) *Worker {
	if logger == nil {
		logger = clog.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		name:   name,
		logger: logger.WithNamespace("chain").With(clog.String("worker", name)),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit 追加任务到队尾。Worker 已停止时丢弃并返回 false。
func (w *Worker) Submit(t Task) bool {
	if t == nil {
		return false
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.logger.Debug("worker stopped, task dropped", clog.String("task", taskName(t)))
		return false
	}
	w.queue = append(w.queue, t)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

// Stop 拒绝后续提交，取消正在进行的等待，并等待执行 goroutine 退出。
// 队列中尚未执行的任务被丢弃。
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	w.queue = nil
	w.mu.Unlock()

	w.cancel()
	<-w.done
}

// Stopped 报告 Worker 是否已停止
func (w *Worker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		t, ok := w.next()
		if !ok {
			select {
			case <-w.ctx.Done():
				return
			case <-w.notify:
				continue
			}
		}
		if next := w.run(t); next != nil {
			w.Submit(next)
		}
	}
}

func (w *Worker) next() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || len(w.queue) == 0 {
		return nil, false
	}
	t := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return t, true
}

// run 执行单个任务。任务 panic 时记录日志，链在此处终止，Worker 继续服务后续提交。
func (w *Worker) run(t Task) Task {
	var next Task
	var pc panics.Catcher
	pc.Try(func() {
		next = t.Execute(w.ctx)
	})
	if r := pc.Recovered(); r != nil {
		w.logger.Error("task panicked",
			clog.String("task", taskName(t)),
			clog.Any("panic", r.Value),
			clog.String("stack", string(r.Stack)))
		return nil
	}
	return next
}

func taskName(t Task) string {
	if n, ok := t.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", t)
}
