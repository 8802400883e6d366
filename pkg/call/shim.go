package call

import (
	"log/slog"

	"github.com/arzzra/callbridge/pkg/telephony"
)

// NativeShim принимает команды системной телефонии для одного соединения.
// Хранит только идентификатор звонка и находит сессию через реестр, поэтому
// соединение и сессия не держат друг друга.
type NativeShim struct {
	callID   string
	registry *Registry
	logger   *slog.Logger
}

// NewNativeShim создает шим для звонка
func NewNativeShim(callID string, registry *Registry) *NativeShim {
	return &NativeShim{
		callID:   callID,
		registry: registry,
		logger:   slog.Default().With(slog.String("component", "native_shim"), slog.String("call_id", callID)),
	}
}

var _ telephony.ConnectionEvents = (*NativeShim)(nil)

func (n *NativeShim) session(op string) (*Session, bool) {
	s, ok := n.registry.Get(n.callID)
	if !ok {
		n.logger.Debug("сессия для системной команды не найдена", slog.String("op", op))
	}
	return s, ok
}

func (n *NativeShim) OnAnswer() {
	if s, ok := n.session("answer"); ok {
		s.Answer()
	}
}

func (n *NativeShim) OnReject() {
	if s, ok := n.session("reject"); ok {
		s.Reject()
	}
}

func (n *NativeShim) OnHold() {
	if s, ok := n.session("hold"); ok {
		s.ToggleHold(true)
	}
}

func (n *NativeShim) OnUnhold() {
	if s, ok := n.session("unhold"); ok {
		s.ToggleHold(false)
	}
}

func (n *NativeShim) OnDtmf(digit string) {
	if s, ok := n.session("dtmf"); ok {
		s.SendDigits(digit)
	}
}

func (n *NativeShim) OnAbort() {
	if s, ok := n.session("abort"); ok {
		s.Hangup()
	}
}

func (n *NativeShim) OnDisconnect() {
	if s, ok := n.session("disconnect"); ok {
		s.Hangup()
	}
}

func (n *NativeShim) OnAudioStateChanged(state telephony.AudioState) {
	if s, ok := n.session("audio"); ok {
		s.onNativeAudio(state)
	}
}
