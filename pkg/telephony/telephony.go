// Package telephony описывает границу с системной подсистемой телефонии:
// аккаунты, разрешения, допуск входящих и размещение исходящих звонков,
// а также объект соединения, который зеркалирует состояние звонка в системе.
package telephony

import "context"

// AudioRoute маршрут аудио
type AudioRoute string

const (
	RouteSpeaker         AudioRoute = "speaker"
	RouteBluetooth       AudioRoute = "bluetooth"
	RouteWiredOrEarpiece AudioRoute = "wired_or_earpiece"
)

// Valid проверяет, что маршрут известен
func (r AudioRoute) Valid() bool {
	switch r {
	case RouteSpeaker, RouteBluetooth, RouteWiredOrEarpiece:
		return true
	}
	return false
}

// AudioState состояние аудио, которое система сообщает для соединения
type AudioState struct {
	Muted bool       `json:"muted"`
	Route AudioRoute `json:"route"`
}

// DisconnectCause причина завершения соединения
type DisconnectCause string

const (
	CauseLocal    DisconnectCause = "local"
	CauseRemote   DisconnectCause = "remote"
	CauseRejected DisconnectCause = "rejected"
	CauseMissed   DisconnectCause = "missed"
	CauseError    DisconnectCause = "error"
	CauseBusy     DisconnectCause = "busy"
)

// Account аккаунт телефонии, зарегистрированный приложением
type Account struct {
	ID          string
	Label       string
	Enabled     bool
	CallCapable bool
}

// Permissions разрешения, от которых зависит допуск звонков
type Permissions interface {
	// HasReadPhoneState право запрашивать состояние телефонии
	HasReadPhoneState() bool
	// HasCallPhone право размещать звонки
	HasCallPhone() bool
	// HasMicrophone право записывать звук
	HasMicrophone() bool
}

// ConnectionEvents команды, которые система доставляет приложению для одного соединения.
// Реализация на стороне приложения знает только идентификатор звонка.
type ConnectionEvents interface {
	OnAnswer()
	OnReject()
	OnHold()
	OnUnhold()
	OnDtmf(digit string)
	OnAbort()
	OnDisconnect()
	OnAudioStateChanged(state AudioState)
}

// IncomingRequest запрос на допуск входящего звонка
type IncomingRequest struct {
	CallID  string
	From    string
	Subject string
	Events  ConnectionEvents
}

// OutgoingRequest запрос на размещение исходящего звонка
type OutgoingRequest struct {
	CallID  string
	Address string
	Extras  map[string]string
	Events  ConnectionEvents
}

// Connection системное соединение одного звонка
type Connection interface {
	CallID() string
	SetRinging()
	SetDialing()
	SetActive()
	SetOnHold()
	SetDisconnected(cause DisconnectCause)
	Destroy()
	SetMuted(muted bool)
	SetAudioRoute(route AudioRoute)
	AudioState() AudioState
	State() ConnectionState
}

// Framework системная подсистема телефонии
type Framework interface {
	Permissions

	RegisterAccount(ctx context.Context, account Account) error
	// HasEnabledAccount есть ли включенный аккаунт, способный принимать звонки
	HasEnabledAccount() bool
	AdmitIncoming(ctx context.Context, req IncomingRequest) (Connection, error)
	PlaceOutgoing(ctx context.Context, req OutgoingRequest) (Connection, error)
}
