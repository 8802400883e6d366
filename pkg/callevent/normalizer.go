package callevent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callbridge/pkg/telephony"
)

const (
	clientPrefix = "client:"

	// ParamCallerName явное имя звонящего в пользовательских параметрах
	ParamCallerName = "caller_name"
	// ParamRecipientName явное имя вызываемого
	ParamRecipientName = "recipient_name"
)

// NameResolver источник отображаемых имен
type NameResolver interface {
	ResolveName(id string) (string, bool)
	DefaultCaller() string
}

// Source исходные данные звонка для построения payload
type Source struct {
	CallID    string
	From      string
	To        string
	Direction Direction
	Params    map[string]string
}

// Option дополняет событие
type Option func(*Event)

// WithFailure добавляет код и сообщение SDK без изменений
func WithFailure(code int, message string) Option {
	return func(e *Event) {
		e.Code = code
		e.Message = message
	}
}

// WithAudio добавляет состояние аудио
func WithAudio(state telephony.AudioState) Option {
	return func(e *Event) {
		s := state
		e.Audio = &s
	}
}

// WithReason добавляет причину
func WithReason(reason string) Option {
	return func(e *Event) {
		e.Reason = reason
	}
}

// Normalizer строит канонические события
type Normalizer struct {
	names NameResolver
	now   func() time.Time
}

// NewNormalizer создает нормализатор; names может быть nil
func NewNormalizer(names NameResolver) *Normalizer {
	return &Normalizer{
		names: names,
		now:   time.Now,
	}
}

// Build строит событие заданного типа
func (n *Normalizer) Build(t Type, src Source, opts ...Option) Event {
	ev := Event{
		Type:         t,
		CallID:       src.CallID,
		From:         n.ResolveParty(src.From, src.Params[ParamCallerName]),
		To:           n.ResolveParty(src.To, src.Params[ParamRecipientName]),
		Direction:    src.Direction,
		CustomParams: SerializeParams(src.Params),
		Timestamp:    n.now(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// ResolveParty возвращает отображаемое имя стороны звонка.
// Порядок: явное имя из параметров, реестр имен клиентов,
// номер телефона как есть, имя по умолчанию, исходный идентификатор.
func (n *Normalizer) ResolveParty(raw, explicit string) string {
	if explicit != "" {
		return explicit
	}
	id := PartyID(raw)
	if id == "" {
		return raw
	}
	if n.names != nil {
		if name, ok := n.names.ResolveName(id); ok && name != "" {
			return name
		}
	}
	if isPhoneNumber(id) {
		return id
	}
	if n.names != nil {
		if def := n.names.DefaultCaller(); def != "" && strings.HasPrefix(raw, clientPrefix) {
			return def
		}
	}
	return id
}

// PartyID извлекает идентификатор из адреса вида "client:bob" или SIP URI
func PartyID(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, clientPrefix) {
		return strings.TrimPrefix(raw, clientPrefix)
	}
	if strings.HasPrefix(raw, "sip:") || strings.HasPrefix(raw, "sips:") {
		var uri sip.Uri
		if err := sip.ParseUri(raw, &uri); err == nil && uri.User != "" {
			return uri.User
		}
	}
	return raw
}

func isPhoneNumber(s string) bool {
	if s == "" {
		return false
	}
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits > 0
}

// SerializeParams сериализует пользовательские параметры в JSON-объект.
// encoding/json сортирует ключи map, поэтому результат стабилен.
func SerializeParams(params map[string]string) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(data)
}
