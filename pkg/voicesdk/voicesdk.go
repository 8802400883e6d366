// Package voicesdk описывает облачный голосовой SDK, которому принадлежит
// правда о сигнализации и медиа. Все методы Call неблокирующие: результат
// приходит позже через Listener.
package voicesdk

import (
	"context"
	"fmt"
)

// Error ошибка SDK; код и сообщение передаются наружу без изменений
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("voice sdk error %d: %s", e.Code, e.Message)
}

// Listener колбэки жизненного цикла звонка
type Listener interface {
	OnRinging(call Call)
	OnConnected(call Call)
	OnConnectFailure(call Call, err *Error)
	OnReconnecting(call Call, err *Error)
	OnReconnected(call Call)
	OnDisconnected(call Call, err *Error)
}

// HoldListener необязательный колбэк: удаленная сторона отказала в смене
// удержания, IsOnHold уже вернул прежнее значение
type HoldListener interface {
	OnHoldFailed(call Call, err *Error)
}

// Call звонок SDK
type Call interface {
	// SID авторитетный идентификатор; пустой, пока сигнализация его не назначила
	SID() string
	From() string
	To() string
	Mute(muted bool)
	IsMuted() bool
	Hold(onHold bool)
	IsOnHold() bool
	SendDigits(digits string)
	Disconnect()
}

// Invite входящее приглашение
type Invite interface {
	CallSID() string
	From() string
	To() string
	CustomParameters() map[string]string
	Accept(ctx context.Context, listener Listener) (Call, error)
	Reject(ctx context.Context) error
}

// CancelledInvite приглашение, отмененное удаленной стороной до ответа
type CancelledInvite interface {
	CallSID() string
	From() string
	To() string
	CustomParameters() map[string]string
}

// InviteHandler получатель входящих приглашений (обычно из push-уведомления)
type InviteHandler interface {
	OnInvite(invite Invite)
	OnCancelledInvite(invite CancelledInvite, err *Error)
}

// ConnectOptions параметры исходящего звонка
type ConnectOptions struct {
	AccessToken string
	Params      map[string]string
}

// SDK облачный голосовой SDK
type SDK interface {
	Register(ctx context.Context, accessToken, deviceToken string) error
	Unregister(ctx context.Context, accessToken, deviceToken string) error
	Connect(ctx context.Context, opts ConnectOptions, listener Listener) (Call, error)
}
