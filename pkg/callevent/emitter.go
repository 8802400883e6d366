package callevent

import (
	"log/slog"
	"sync"
)

// Subscriber получатель событий
type Subscriber interface {
	OnEvent(ev Event)
}

// SubscriberFunc адаптер функции к Subscriber
type SubscriberFunc func(ev Event)

func (f SubscriberFunc) OnEvent(ev Event) { f(ev) }

// Emitter слот на одного подписчика. Без подписчика Emit ничего не делает.
type Emitter struct {
	mu     sync.RWMutex
	sub    Subscriber
	gen    uint64
	logger *slog.Logger
}

// NewEmitter создает пустой слот
func NewEmitter() *Emitter {
	return &Emitter{
		logger: slog.Default().With(slog.String("component", "emitter")),
	}
}

// Subscribe занимает слот, вытесняя предыдущего подписчика.
// Возвращенная функция освобождает слот, только если его не занял кто-то другой.
func (e *Emitter) Subscribe(sub Subscriber) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	gen := e.gen
	e.sub = sub
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen == gen {
			e.sub = nil
		}
	}
}

// HasSubscriber занят ли слот
func (e *Emitter) HasSubscriber() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sub != nil
}

// Emit доставляет событие подписчику синхронно
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	sub := e.sub
	e.mu.RUnlock()

	if sub == nil {
		e.logger.Debug("событие без подписчика", slog.String("type", string(ev.Type)), slog.String("call_id", ev.CallID))
		return
	}
	sub.OnEvent(ev)
}
