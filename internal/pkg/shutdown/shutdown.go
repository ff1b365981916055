// Package shutdown runs the process teardown sequence for renderd.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"renderq/internal/pkg/logger"
)

// Manager runs registered cleanup handlers in reverse registration order.
// Handlers run one at a time: the HTTP server must stop taking submissions
// before the scheduler drains, and the scheduler must drain before the
// resource pool and the stores it writes to are closed.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	handlers []Handler
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
}

// Handler is a named cleanup step.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// NewManager creates a new shutdown manager. A zero timeout means 30s.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup handler.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterSimple adds a cleanup handler that cannot fail.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(ctx context.Context) error {
		cleanup()
		return nil
	})
}

// Wait blocks until a shutdown signal arrives or ctx is canceled, then
// runs Shutdown.
func (m *Manager) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	}

	m.Shutdown()
}

// Shutdown runs all cleanup handlers once, newest first. Handlers that are
// still pending when the overall timeout expires are skipped.
func (m *Manager) Shutdown() {
	m.once.Do(m.shutdown)
}

func (m *Manager) shutdown() {
	defer close(m.done)

	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if ctx.Err() != nil {
			m.log.Warn("shutdown timeout exceeded, skipping handler", "name", h.Name)
			continue
		}

		start := time.Now()
		if err := h.Cleanup(ctx); err != nil {
			m.log.Error("shutdown handler failed",
				"name", h.Name,
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			continue
		}
		m.log.Debug("shutdown handler completed",
			"name", h.Name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if ctx.Err() != nil {
		m.log.Warn("graceful shutdown incomplete", "error", ctx.Err().Error())
		return
	}
	m.log.Info("graceful shutdown completed")
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
