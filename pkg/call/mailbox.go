package call

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// mailbox очередь работы одного актора. Вся работа выполняется одной
// горутиной в порядке поступления; после close новые задачи отбрасываются,
// а уже поставленные дорабатываются.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newMailbox(logger *slog.Logger) *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// post ставит работу в очередь; false, если актор уже закрыт
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.wake()
	return true
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// close запрещает новую работу. Безопасно вызывать из самого актора.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

// run цикл актора
func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			<-m.signal
			m.mu.Lock()
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.exec(fn)
	}
}

func (m *mailbox) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("PANIC восстановлен в акторе сессии",
				slog.Any("panic_value", r),
				slog.String("stack_trace", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// sync ждет, пока выполнится вся работа, поставленная до вызова
func (m *mailbox) sync(ctx context.Context) error {
	reached := make(chan struct{})
	if !m.post(func() { close(reached) }) {
		select {
		case <-m.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-reached:
		return nil
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
