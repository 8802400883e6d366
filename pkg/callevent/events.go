// Package callevent приводит колбэки SDK, системной телефонии и команд
// приложения к единой таксономии событий звонка.
package callevent

import (
	"time"

	"github.com/arzzra/callbridge/pkg/telephony"
)

// Type тип канонического события
type Type string

const (
	Ringing             Type = "Ringing"
	Connected           Type = "Connected"
	ConnectFailure      Type = "ConnectFailure"
	Reconnecting        Type = "Reconnecting"
	Reconnected         Type = "Reconnected"
	DisconnectedLocal   Type = "DisconnectedLocal"
	DisconnectedRemote  Type = "DisconnectedRemote"
	Missed              Type = "Missed"
	Answer              Type = "Answer"
	Rejected            Type = "Rejected"
	Hold                Type = "Hold"
	Unhold              Type = "Unhold"
	AudioStateChanged   Type = "AudioStateChanged"
	IncomingCallIgnored Type = "IncomingCallIgnored"
)

// Terminal завершает ли событие жизненный цикл звонка
func (t Type) Terminal() bool {
	switch t {
	case ConnectFailure, DisconnectedLocal, DisconnectedRemote, Missed:
		return true
	}
	return false
}

// Direction направление звонка
type Direction string

const (
	Incoming Direction = "Incoming"
	Outgoing Direction = "Outgoing"
)

// Event каноническое событие звонка
type Event struct {
	Type         Type                  `json:"type"`
	CallID       string                `json:"callSid"`
	From         string                `json:"from"`
	To           string                `json:"to"`
	Direction    Direction             `json:"direction"`
	CustomParams string                `json:"customParams"`
	Code         int                   `json:"code,omitempty"`
	Message      string                `json:"message,omitempty"`
	Audio        *telephony.AudioState `json:"audio,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
}

// TerminalForDisconnect выбирает терминальное событие для OnDisconnected SDK.
// Локально инициированное завершение важнее ошибки: код SDK при этом
// сохраняется в payload, но тип остается DisconnectedLocal.
func TerminalForDisconnect(localHangup, hasError bool) (Type, telephony.DisconnectCause) {
	switch {
	case localHangup:
		return DisconnectedLocal, telephony.CauseLocal
	case hasError:
		return ConnectFailure, telephony.CauseError
	default:
		return DisconnectedRemote, telephony.CauseRemote
	}
}
