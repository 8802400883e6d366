package sipvoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callbridge/pkg/voicesdk"
)

// ErrInviteAnswered на приглашение уже дан финальный ответ
var ErrInviteAnswered = errors.New("sipvoice: на приглашение уже ответили")

// invite входящий INVITE, ожидающий решения приложения
type invite struct {
	sdk    *SDK
	req    *sip.Request
	tx     sip.ServerTransaction
	tag    string
	callID string
	params map[string]string

	mu       sync.Mutex
	answered bool
}

var (
	_ voicesdk.Invite          = (*invite)(nil)
	_ voicesdk.CancelledInvite = (*invite)(nil)
)

func newInvite(s *SDK, req *sip.Request, tx sip.ServerTransaction) *invite {
	return &invite{
		sdk:    s,
		req:    req,
		tx:     tx,
		tag:    newTag(),
		callID: callIDOf(req),
		params: customParams(req),
	}
}

func (i *invite) CallSID() string { return i.callID }

// From пользователь из заголовка From, иначе полный адрес
func (i *invite) From() string {
	from := i.req.From()
	if from == nil {
		return ""
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return from.Address.String()
}

func (i *invite) To() string {
	to := i.req.To()
	if to == nil {
		return ""
	}
	if to.Address.User != "" {
		return to.Address.User
	}
	return to.Address.String()
}

func (i *invite) CustomParameters() map[string]string { return i.params }

// claim отмечает финальный ответ; false, если он уже был
func (i *invite) claim() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.answered {
		return false
	}
	i.answered = true
	return true
}

// Accept отвечает 200 OK с SDP ответом. Звонок подключается после ACK.
func (i *invite) Accept(_ context.Context, listener voicesdk.Listener) (voicesdk.Call, error) {
	if !i.claim() {
		return nil, ErrInviteAnswered
	}
	i.sdk.takePending(i.callID)

	offer := dirSendRecv
	if body := i.req.Body(); len(body) > 0 {
		dir, err := parseDirection(body)
		if err != nil {
			i.respond(488, "Not Acceptable Here", nil)
			return nil, &voicesdk.Error{Code: 488, Message: err.Error()}
		}
		offer = dir
	}
	body, err := buildSDP(i.sdk.cfg.Host, i.sdk.cfg.MediaPort, answerDirection(offer))
	if err != nil {
		i.respond(500, "Server Internal Error", nil)
		return nil, fmt.Errorf("ошибка формирования SDP: %w", err)
	}

	c := i.newCall(listener)
	i.sdk.track(c)

	if err := i.respond(sip.StatusOK, "OK", body); err != nil {
		i.sdk.untrack(c.SID())
		return nil, &voicesdk.Error{Code: 500, Message: err.Error()}
	}
	c.logger.Info("входящий звонок принят")
	return c, nil
}

// Reject отклоняет приглашение с 486 Busy Here
func (i *invite) Reject(context.Context) error {
	if !i.claim() {
		return ErrInviteAnswered
	}
	i.sdk.takePending(i.callID)
	return i.respond(486, "Busy Here", nil)
}

// terminate финальный ответ без участия приложения (CANCEL)
func (i *invite) terminate(code sip.StatusCode, reason string) {
	if !i.claim() {
		return
	}
	if err := i.respond(code, reason, nil); err != nil {
		i.sdk.logger.Warn("Не удалось завершить приглашение",
			slog.String("call_id", i.callID),
			slog.Any("error", err),
		)
	}
}

func (i *invite) respond(code sip.StatusCode, reason string, body []byte) error {
	res := sip.NewResponseFromRequest(i.req, code, reason, body)
	if body != nil {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		res.AppendHeader(&ct)
		res.AppendHeader(&sip.ContactHeader{Address: i.sdk.contact})
	}
	setToTag(res, i.tag)
	return i.tx.Respond(res)
}

// newCall звонок на стороне вызываемого: From и To меняются местами
func (i *invite) newCall(listener voicesdk.Listener) *sipCall {
	dlg := dialog{
		callID:   sip.CallIDHeader(i.callID),
		localTag: i.tag,
		contact:  i.sdk.contact,
	}
	if to := i.req.To(); to != nil {
		dlg.localURI = to.Address
	}
	if from := i.req.From(); from != nil {
		dlg.remoteURI = from.Address
		dlg.remoteTag = tagOf(from.Params)
		dlg.remoteTarget = from.Address
	}
	if contact := i.req.Contact(); contact != nil {
		dlg.remoteTarget = contact.Address
	}

	c := &sipCall{
		sdk:      i.sdk,
		listener: listener,
		from:     i.From(),
		to:       i.To(),
		state:    stateAwaitAck,
		dlg:      dlg,
		invite:   i.req,
	}
	c.logger = i.sdk.logger.With(slog.String("call_id", i.callID))
	return c
}
