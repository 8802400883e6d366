// Package softtel реализует системную телефонию в процессе: реестр
// аккаунтов, набор разрешений и группу звонков размером в один звонок.
// Используется как телефония по умолчанию для сервера и в тестах.
package softtel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/arzzra/callbridge/pkg/telephony"
)

// Permission системное разрешение
type Permission string

const (
	PermReadPhoneState Permission = "read_phone_state"
	PermCallPhone      Permission = "call_phone"
	PermMicrophone     Permission = "record_audio"
)

var (
	// ErrNoAccount нет включенного аккаунта, способного принимать звонки
	ErrNoAccount = errors.New("softtel: нет включенного аккаунта")
	// ErrGroupBusy группа звонков заполнена
	ErrGroupBusy = errors.New("softtel: группа звонков занята")
)

// Option настройка Framework
type Option func(*Framework)

// WithPermissions выдает разрешения при создании
func WithPermissions(perms ...Permission) Option {
	return func(f *Framework) {
		for _, p := range perms {
			f.perms[p] = true
		}
	}
}

// WithGroupSize задает размер группы звонков
func WithGroupSize(n int) Option {
	return func(f *Framework) {
		if n > 0 {
			f.groupSize = n
		}
	}
}

// Framework системная телефония в процессе
type Framework struct {
	mu        sync.Mutex
	perms     map[Permission]bool
	accounts  map[string]telephony.Account
	conns     map[string]*Connection
	order     uint64
	groupSize int
	logger    *slog.Logger
}

var _ telephony.Framework = (*Framework)(nil)

// New создает телефонию без аккаунтов
func New(opts ...Option) *Framework {
	f := &Framework{
		perms:     make(map[Permission]bool),
		accounts:  make(map[string]telephony.Account),
		conns:     make(map[string]*Connection),
		groupSize: 1,
		logger:    slog.Default().With(slog.String("component", "softtel")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Grant выдает разрешение
func (f *Framework) Grant(p Permission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms[p] = true
}

// Revoke отзывает разрешение
func (f *Framework) Revoke(p Permission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.perms, p)
}

func (f *Framework) has(p Permission) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perms[p]
}

func (f *Framework) HasReadPhoneState() bool { return f.has(PermReadPhoneState) }
func (f *Framework) HasCallPhone() bool { return f.has(PermCallPhone) }
func (f *Framework) HasMicrophone() bool { return f.has(PermMicrophone) }

// RegisterAccount регистрирует или обновляет аккаунт
func (f *Framework) RegisterAccount(_ context.Context, account telephony.Account) error {
	if account.ID == "" {
		return errors.New("softtel: пустой идентификатор аккаунта")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account.ID] = account
	f.logger.Info("аккаунт зарегистрирован",
		slog.String("account_id", account.ID),
		slog.Bool("enabled", account.Enabled),
	)
	return nil
}

// SetAccountEnabled включает или выключает аккаунт (пользователь в системных настройках)
func (f *Framework) SetAccountEnabled(id string, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[id]
	if !ok {
		return false
	}
	acc.Enabled = enabled
	f.accounts[id] = acc
	return true
}

func (f *Framework) HasEnabledAccount() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasEnabledAccountLocked()
}

func (f *Framework) hasEnabledAccountLocked() bool {
	for _, acc := range f.accounts {
		if acc.Enabled && acc.CallCapable {
			return true
		}
	}
	return false
}

// AdmitIncoming допускает входящий звонок в группу звонков
func (f *Framework) AdmitIncoming(_ context.Context, req telephony.IncomingRequest) (telephony.Connection, error) {
	conn, err := f.admit(req.CallID, req.Events)
	if err != nil {
		return nil, err
	}
	f.logger.Info("входящий звонок допущен", slog.String("call_id", req.CallID), slog.String("subject", req.Subject))
	return conn, nil
}

// PlaceOutgoing размещает исходящий звонок
func (f *Framework) PlaceOutgoing(_ context.Context, req telephony.OutgoingRequest) (telephony.Connection, error) {
	if !f.HasCallPhone() {
		return nil, errors.New("softtel: нет разрешения на звонки")
	}
	conn, err := f.admit(req.CallID, req.Events)
	if err != nil {
		return nil, err
	}
	f.logger.Info("исходящий звонок размещен", slog.String("call_id", req.CallID), slog.String("address", req.Address))
	return conn, nil
}

func (f *Framework) admit(callID string, events telephony.ConnectionEvents) (*Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.hasEnabledAccountLocked() {
		return nil, ErrNoAccount
	}
	if _, exists := f.conns[callID]; exists {
		return nil, fmt.Errorf("softtel: соединение %s уже существует", callID)
	}
	if len(f.conns) >= f.groupSize {
		return nil, ErrGroupBusy
	}
	f.order++
	conn := &Connection{
		fw:      f,
		callID:  callID,
		order:   f.order,
		events:  events,
		tracker: telephony.NewStateTracker(telephony.ConnectionNew),
		audio:   telephony.AudioState{Route: telephony.RouteWiredOrEarpiece},
		logger:  f.logger.With(slog.String("call_id", callID)),
	}
	f.conns[callID] = conn
	return conn, nil
}

func (f *Framework) remove(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, callID)
}

// Connection соединение по исходному идентификатору звонка
func (f *Framework) Connection(callID string) (*Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[callID]
	return c, ok
}

// Connections живые соединения в порядке создания
func (f *Framework) Connections() []*Connection {
	f.mu.Lock()
	out := make([]*Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Answer пользователь ответил из системного UI
func (f *Framework) Answer(callID string) bool {
	return f.deliver(callID, func(ev telephony.ConnectionEvents) { ev.OnAnswer() })
}

// Reject пользователь отклонил из системного UI
func (f *Framework) Reject(callID string) bool {
	return f.deliver(callID, func(ev telephony.ConnectionEvents) { ev.OnReject() })
}

// Hold система поставила звонок на удержание
func (f *Framework) Hold(callID string) bool {
	return f.deliver(callID, func(ev telephony.ConnectionEvents) { ev.OnHold() })
}

// Unhold система сняла удержание
func (f *Framework) Unhold(callID string) bool {
	return f.deliver(callID, func(ev telephony.ConnectionEvents) { ev.OnUnhold() })
}

// Dtmf нажатие клавиши в системном UI
func (f *Framework) Dtmf(callID, digit string) bool {
	return f.deliver(callID, func(ev telephony.ConnectionEvents) { ev.OnDtmf(digit) })
}

// Abort система прервала звонок
func (f *Framework) Abort(callID string) bool {
	return f.deliver(callID, func(ev telephony.ConnectionEvents) { ev.OnAbort() })
}

// Disconnect пользователь завершил звонок из системного UI
func (f *Framework) Disconnect(callID string) bool {
	return f.deliver(callID, func(ev telephony.ConnectionEvents) { ev.OnDisconnect() })
}

// ChangeAudio пользователь сменил маршрут или микрофон в системном UI
func (f *Framework) ChangeAudio(callID string, state telephony.AudioState) bool {
	c, ok := f.Connection(callID)
	if !ok {
		return false
	}
	c.applyAudio(func(a *telephony.AudioState) { *a = state })
	return true
}

func (f *Framework) deliver(callID string, fn func(telephony.ConnectionEvents)) bool {
	c, ok := f.Connection(callID)
	if !ok || c.events == nil {
		return false
	}
	fn(c.events)
	return true
}
