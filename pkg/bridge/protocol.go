package bridge

import (
	"encoding/json"
	"errors"

	"github.com/arzzra/callbridge/pkg/callevent"
	"github.com/arzzra/callbridge/pkg/dispatch"
)

// Request команда приложения
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Args   dispatch.Args   `json:"args"`
}

// ErrorBody ошибка в ответе
type ErrorBody struct {
	Code    dispatch.Code `json:"code"`
	Message string        `json:"message"`
}

type resultMessage struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

type errorMessage struct {
	ID    json.RawMessage `json:"id"`
	Error ErrorBody       `json:"error"`
}

type eventMessage struct {
	Event callevent.Event `json:"event"`
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// encodeResponse ответ на команду: result либо error
func encodeResponse(id json.RawMessage, result any, err error) ([]byte, error) {
	id = idOrNull(id)
	if err == nil {
		return json.Marshal(resultMessage{ID: id, Result: result})
	}

	body := ErrorBody{Code: dispatch.CodeInternalStateError, Message: err.Error()}
	var de *dispatch.Error
	if errors.As(err, &de) {
		body = ErrorBody{Code: de.Code, Message: de.Message}
	}
	return json.Marshal(errorMessage{ID: id, Error: body})
}

func encodeEvent(ev callevent.Event) ([]byte, error) {
	return json.Marshal(eventMessage{Event: ev})
}
