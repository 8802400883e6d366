package softtel

import (
	"log/slog"
	"sync"

	"github.com/arzzra/callbridge/pkg/telephony"
)

// Connection системное соединение в процессе
type Connection struct {
	fw      *Framework
	callID  string
	order   uint64
	events  telephony.ConnectionEvents
	tracker *telephony.StateTracker
	logger  *slog.Logger

	mu        sync.Mutex
	audio     telephony.AudioState
	cause     telephony.DisconnectCause
	destroyed bool
}

var _ telephony.Connection = (*Connection)(nil)

func (c *Connection) CallID() string { return c.callID }

func (c *Connection) transition(next telephony.ConnectionState, reason string) {
	if err := c.tracker.TransitionTo(next, reason); err != nil {
		c.logger.Warn("невалидный переход соединения", slog.String("error", err.Error()))
	}
}

func (c *Connection) SetRinging() { c.transition(telephony.ConnectionRinging, "ringing") }
func (c *Connection) SetDialing() { c.transition(telephony.ConnectionDialing, "dialing") }
func (c *Connection) SetActive() { c.transition(telephony.ConnectionActive, "active") }
func (c *Connection) SetOnHold() { c.transition(telephony.ConnectionHolding, "hold") }

func (c *Connection) SetDisconnected(cause telephony.DisconnectCause) {
	c.mu.Lock()
	c.cause = cause
	c.mu.Unlock()
	c.transition(telephony.ConnectionDisconnected, string(cause))
}

// Destroy убирает соединение из группы звонков
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()
	c.fw.remove(c.callID)
}

func (c *Connection) SetMuted(muted bool) {
	c.applyAudio(func(a *telephony.AudioState) { a.Muted = muted })
}

func (c *Connection) SetAudioRoute(route telephony.AudioRoute) {
	c.applyAudio(func(a *telephony.AudioState) { a.Route = route })
}

// applyAudio меняет состояние аудио и сообщает об изменении.
// На удержании система изменения аудио не сообщает.
func (c *Connection) applyAudio(change func(*telephony.AudioState)) {
	c.mu.Lock()
	prev := c.audio
	change(&c.audio)
	cur := c.audio
	c.mu.Unlock()

	if cur == prev || c.events == nil {
		return
	}
	if c.tracker.State() == telephony.ConnectionHolding {
		c.logger.Debug("изменение аудио на удержании не сообщается")
		return
	}
	c.events.OnAudioStateChanged(cur)
}

func (c *Connection) AudioState() telephony.AudioState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

func (c *Connection) State() telephony.ConnectionState { return c.tracker.State() }

// Cause причина, с которой соединение было отключено
func (c *Connection) Cause() telephony.DisconnectCause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Destroyed снято ли соединение
func (c *Connection) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// History история переходов соединения
func (c *Connection) History() []telephony.StateTransition { return c.tracker.History() }
