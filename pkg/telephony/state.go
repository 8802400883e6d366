package telephony

import (
	"fmt"
	"sync"
)

// ConnectionState состояние системного соединения
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionDialing
	ConnectionRinging
	ConnectionActive
	ConnectionHolding
	ConnectionDisconnected
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionNew:          "new",
	ConnectionDialing:      "dialing",
	ConnectionRinging:      "ringing",
	ConnectionActive:       "active",
	ConnectionHolding:      "holding",
	ConnectionDisconnected: "disconnected",
}

func (s ConnectionState) String() string {
	if name, ok := connectionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// StateTransition переход состояния соединения
type StateTransition struct {
	From   ConnectionState
	To     ConnectionState
	Reason string
}

// StateValidator валидирует переходы состояний соединения
type StateValidator struct {
	validTransitions map[ConnectionState]map[ConnectionState]bool
}

// NewStateValidator создает валидатор с матрицей переходов соединения
func NewStateValidator() *StateValidator {
	sv := &StateValidator{
		validTransitions: make(map[ConnectionState]map[ConnectionState]bool),
	}

	sv.addTransition(ConnectionNew, ConnectionDialing)
	sv.addTransition(ConnectionNew, ConnectionRinging)
	sv.addTransition(ConnectionNew, ConnectionActive)
	sv.addTransition(ConnectionNew, ConnectionDisconnected)

	sv.addTransition(ConnectionDialing, ConnectionRinging) // удаленная сторона звонит
	sv.addTransition(ConnectionDialing, ConnectionActive)
	sv.addTransition(ConnectionDialing, ConnectionDisconnected)

	sv.addTransition(ConnectionRinging, ConnectionActive)
	sv.addTransition(ConnectionRinging, ConnectionDisconnected)

	sv.addTransition(ConnectionActive, ConnectionHolding)
	sv.addTransition(ConnectionActive, ConnectionDisconnected)

	sv.addTransition(ConnectionHolding, ConnectionActive)
	sv.addTransition(ConnectionHolding, ConnectionDisconnected)

	// Из Disconnected переходов нет
	return sv
}

func (sv *StateValidator) addTransition(from, to ConnectionState) {
	if sv.validTransitions[from] == nil {
		sv.validTransitions[from] = make(map[ConnectionState]bool)
	}
	sv.validTransitions[from][to] = true
}

// ValidateTransition проверяет переход; повтор того же состояния допустим
func (sv *StateValidator) ValidateTransition(from, to ConnectionState) error {
	if from == to {
		return nil
	}
	if sv.validTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("невалидный переход состояния соединения: %s -> %s", from, to)
}

// StateTracker отслеживает состояние соединения с валидацией и историей
type StateTracker struct {
	current   ConnectionState
	validator *StateValidator
	history   []StateTransition
	mu        sync.RWMutex
}

// NewStateTracker создает трекер в начальном состоянии
func NewStateTracker(initial ConnectionState) *StateTracker {
	return &StateTracker{
		current:   initial,
		validator: NewStateValidator(),
		history:   make([]StateTransition, 0, 8),
	}
}

// State возвращает текущее состояние (thread-safe)
func (t *StateTracker) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// TransitionTo выполняет переход с валидацией
func (t *StateTracker) TransitionTo(next ConnectionState, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.validator.ValidateTransition(t.current, next); err != nil {
		return err
	}
	if t.current == next {
		return nil
	}

	t.history = append(t.history, StateTransition{From: t.current, To: next, Reason: reason})
	if len(t.history) > 20 {
		t.history = t.history[1:]
	}
	t.current = next
	return nil
}

// History возвращает копию истории переходов
func (t *StateTracker) History() []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	history := make([]StateTransition, len(t.history))
	copy(history, t.history)
	return history
}

// IsTerminated проверяет терминальное состояние
func (t *StateTracker) IsTerminated() bool {
	return t.State() == ConnectionDisconnected
}
