package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HandlerFunc 任务处理函数
type HandlerFunc func(ctx context.Context, task Task) error

// ErrUnknownTask 任务没有注册处理函数
var ErrUnknownTask = errors.New("unknown task")

// Registry 任务名到处理函数的注册表，启动时注册
type Registry struct {
	mu       sync.RWMutex
	handlers map[TaskName]HandlerFunc
}

// NewRegistry 创建任务注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskName]HandlerFunc)}
}

// Register 注册任务处理函数，重复注册会覆盖
func (r *Registry) Register(name TaskName, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Dispatch 执行任务
func (r *Registry) Dispatch(ctx context.Context, task Task) error {
	r.mu.RLock()
	h, ok := r.handlers[task.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}
	return h(ctx, task)
}
