// Package voicesdktest содержит управляемую тестами реализацию voicesdk.SDK.
package voicesdktest

import (
	"context"
	"sync"

	"github.com/arzzra/callbridge/pkg/voicesdk"
)

// Call записывает команды и позволяет тесту играть роль сети
type Call struct {
	mu       sync.Mutex
	sid      string
	from, to string
	muted    bool
	onHold   bool
	digits   []string
	holds    []bool
	mutes    []bool
	hangups  int
	listener voicesdk.Listener
}

// NewCall создает звонок с заданным SID (может быть пустым)
func NewCall(sid, from, to string) *Call {
	return &Call{sid: sid, from: from, to: to}
}

func (c *Call) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// AssignSID имитирует назначение авторитетного идентификатора сигнализацией
func (c *Call) AssignSID(sid string) {
	c.mu.Lock()
	c.sid = sid
	c.mu.Unlock()
}

func (c *Call) From() string { return c.from }
func (c *Call) To() string { return c.to }

func (c *Call) Mute(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	c.mutes = append(c.mutes, muted)
}

func (c *Call) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Call) Hold(onHold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHold = onHold
	c.holds = append(c.holds, onHold)
}

// ForceHold меняет состояние удержания без записи команды (удаленная сторона)
func (c *Call) ForceHold(onHold bool) {
	c.mu.Lock()
	c.onHold = onHold
	c.mu.Unlock()
}

func (c *Call) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

func (c *Call) SendDigits(digits string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digits = append(c.digits, digits)
}

func (c *Call) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups++
}

// Digits отправленные DTMF
func (c *Call) Digits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.digits...)
}

// Holds история команд удержания
func (c *Call) Holds() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.holds...)
}

// Mutes история команд микрофона
func (c *Call) Mutes() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.mutes...)
}

// Hangups количество вызовов Disconnect
func (c *Call) Hangups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

// Listener слушатель, переданный в Connect или Accept
func (c *Call) Listener() voicesdk.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Call) setListener(l voicesdk.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Invite входящее приглашение
type Invite struct {
	mu        sync.Mutex
	sid       string
	from, to  string
	params    map[string]string
	accepted  *Call
	rejected  int
	AcceptErr error
}

// NewInvite создает приглашение
func NewInvite(sid, from, to string, params map[string]string) *Invite {
	return &Invite{sid: sid, from: from, to: to, params: params}
}

func (i *Invite) CallSID() string { return i.sid }
func (i *Invite) From() string { return i.from }
func (i *Invite) To() string { return i.to }
func (i *Invite) CustomParameters() map[string]string { return i.params }

func (i *Invite) Accept(_ context.Context, listener voicesdk.Listener) (voicesdk.Call, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.AcceptErr != nil {
		return nil, i.AcceptErr
	}
	c := NewCall(i.sid, i.from, i.to)
	c.setListener(listener)
	i.accepted = c
	return c, nil
}

func (i *Invite) Reject(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rejected++
	return nil
}

// Accepted звонок, созданный Accept, или nil
func (i *Invite) Accepted() *Call {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accepted
}

// Rejections количество вызовов Reject
func (i *Invite) Rejections() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rejected
}

// ConnectRecord параметры одного вызова Connect
type ConnectRecord struct {
	Options voicesdk.ConnectOptions
	Call    *Call
}

// SDK фейковый SDK
type SDK struct {
	mu            sync.Mutex
	connects      []ConnectRecord
	registrations map[string]string
	ConnectErr    error
	// NextSID SID, который получит следующий звонок Connect; пусто означает временный звонок без SID
	NextSID string
}

// NewSDK создает фейковый SDK
func NewSDK() *SDK {
	return &SDK{registrations: make(map[string]string)}
}

func (s *SDK) Register(_ context.Context, accessToken, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[deviceToken] = accessToken
	return nil
}

func (s *SDK) Unregister(_ context.Context, _, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registrations, deviceToken)
	return nil
}

// Registered проверяет регистрацию устройства
func (s *SDK) Registered(deviceToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registrations[deviceToken]
	return ok
}

func (s *SDK) Connect(_ context.Context, opts voicesdk.ConnectOptions, listener voicesdk.Listener) (voicesdk.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectErr != nil {
		return nil, s.ConnectErr
	}
	c := NewCall(s.NextSID, opts.Params["From"], opts.Params["To"])
	c.setListener(listener)
	s.connects = append(s.connects, ConnectRecord{Options: opts, Call: c})
	return c, nil
}

// Connects записи вызовов Connect
func (s *SDK) Connects() []ConnectRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectRecord(nil), s.connects...)
}

// LastCall звонок последнего Connect или nil
func (s *SDK) LastCall() *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.connects) == 0 {
		return nil
	}
	return s.connects[len(s.connects)-1].Call
}
