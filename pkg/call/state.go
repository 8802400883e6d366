package call

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/arzzra/callbridge/pkg/callevent"
)

// State состояние сессии звонка
type State string

const (
	StateInitializing State = "initializing"
	StateDialing      State = "dialing"
	StateRinging      State = "ringing"
	StateActive       State = "active"
	StateHolding      State = "holding"
	StateDisconnected State = "disconnected"
)

func (s State) String() string { return string(s) }

// IsTerminal достигнуто ли терминальное состояние
func (s State) IsTerminal() bool { return s == StateDisconnected }

// события автомата
const (
	evDial       = "dial"
	evRing       = "ring"
	evConnect    = "connect"
	evHold       = "hold"
	evUnhold     = "unhold"
	evDisconnect = "disconnect"
)

// Direction направление звонка
type Direction = callevent.Direction

const (
	Incoming = callevent.Incoming
	Outgoing = callevent.Outgoing
)

// newStateMachine создает автомат сессии. onTransition вызывается после
// каждого успешного перехода; в нем нельзя обращаться к самому автомату.
func newStateMachine(onTransition func(from, to State)) *fsm.FSM {
	initializing := string(StateInitializing)
	dialing := string(StateDialing)
	ringing := string(StateRinging)
	active := string(StateActive)
	holding := string(StateHolding)

	return fsm.NewFSM(
		initializing,
		fsm.Events{
			// Исходящий звонок размещен в системе
			{Name: evDial, Src: []string{initializing}, Dst: dialing},
			// Удаленная сторона звонит либо входящий допущен
			{Name: evRing, Src: []string{initializing, dialing}, Dst: ringing},
			// SDK подтвердил соединение
			{Name: evConnect, Src: []string{initializing, dialing, ringing}, Dst: active},
			{Name: evHold, Src: []string{active}, Dst: holding},
			{Name: evUnhold, Src: []string{holding}, Dst: active},
			{Name: evDisconnect, Src: []string{initializing, dialing, ringing, active, holding}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}
