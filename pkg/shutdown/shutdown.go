package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/hlmcp/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context)

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序依次执行：先停入口，再停执行器，最后停数据源。
type Manager struct {
	callbacks []namedHandler
	mu        sync.Mutex
	once      sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）。
// ctx 应该带超时，超时后剩余回调不再等待。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() { m.run(ctx) })
}

func (m *Manager) run(ctx context.Context) {
	m.mu.Lock()
	callbacks := make([]namedHandler, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Info("没有注册的关闭回调")
		return
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(callbacks) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return
			}
			cb := callbacks[i]
			logger.Infof("关闭: %s", cb.name)
			cb.fn(ctx)
		}
	}()

	select {
	case <-done:
		if ctx.Err() != nil {
			logger.Warnf("关闭超时: %v", ctx.Err())
			return
		}
		logger.Info("所有关闭回调已完成")
	case <-ctx.Done():
		logger.Warnf("关闭超时: %v", ctx.Err())
	}
}
