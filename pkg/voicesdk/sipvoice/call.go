package sipvoice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callbridge/pkg/voicesdk"
)

// Состояния SIP звонка
type callState int

const (
	stateCalling callState = iota
	stateEarly
	stateAwaitAck
	stateConfirmed
	stateTerminated
)

// transactionTimeout таймер B из RFC 3261 (64*T1)
const transactionTimeout = 32 * time.Second

// sipCall звонок поверх одного SIP диалога
type sipCall struct {
	sdk      *SDK
	listener voicesdk.Listener
	from, to string
	logger   *slog.Logger

	mu        sync.Mutex
	dlg       dialog
	invite    *sip.Request
	state     callState
	muted     bool
	onHold    bool
	cancelled bool
	ringing   bool
}

var _ voicesdk.Call = (*sipCall)(nil)

func (c *sipCall) SID() string  { return string(c.dlg.callID) }
func (c *sipCall) From() string { return c.from }
func (c *sipCall) To() string   { return c.to }

// Mute микрофон принадлежит медиа движку, здесь только флаг
func (c *sipCall) Mute(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *sipCall) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Hold отправляет re-INVITE с sendonly или sendrecv
func (c *sipCall) Hold(onHold bool) {
	c.mu.Lock()
	if c.state != stateConfirmed || c.onHold == onHold {
		c.mu.Unlock()
		return
	}
	body, err := buildSDP(c.sdk.cfg.Host, c.sdk.cfg.MediaPort, holdDirection(onHold))
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("Не удалось сформировать SDP для удержания", slog.Any("error", err))
		return
	}
	c.onHold = onHold
	req := c.dlg.request(sip.INVITE, body, contentTypeSDP)
	c.mu.Unlock()

	go func() {
		if err := c.transact(req); err != nil {
			c.holdFailed(onHold, err)
		}
	}()
}

// holdFailed возвращает прежнее удержание после отказа на re-INVITE
func (c *sipCall) holdFailed(wanted bool, err *voicesdk.Error) {
	c.mu.Lock()
	if c.state != stateConfirmed || c.onHold != wanted {
		c.mu.Unlock()
		return
	}
	c.onHold = !wanted
	c.mu.Unlock()

	c.logger.Warn("Удаленная сторона отказала в смене удержания",
		slog.Bool("on_hold", wanted),
		slog.Int("status", err.Code),
	)
	if l, ok := c.listener.(voicesdk.HoldListener); ok {
		l.OnHoldFailed(c, err)
	}
}

func (c *sipCall) IsOnHold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHold
}

// SendDigits отправляет каждую цифру отдельным INFO, порядок сохраняется
func (c *sipCall) SendDigits(digits string) {
	c.mu.Lock()
	if c.state != stateConfirmed {
		c.mu.Unlock()
		return
	}
	var reqs []*sip.Request
	for _, r := range digits {
		if !validDigit(r) {
			c.logger.Warn("пропущен недопустимый DTMF символ", slog.String("digit", string(r)))
			continue
		}
		reqs = append(reqs, c.dlg.request(sip.INFO, dtmfRelayBody(r), contentTypeDTMF))
	}
	c.mu.Unlock()

	go func() {
		for _, req := range reqs {
			c.transact(req)
		}
	}()
}

// Disconnect отменяет исходящий звонок до ответа или завершает диалог через BYE
func (c *sipCall) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case stateTerminated:
		c.mu.Unlock()
		return
	case stateCalling, stateEarly:
		if c.cancelled {
			c.mu.Unlock()
			return
		}
		c.cancelled = true
		cancel := c.cancelRequest()
		c.mu.Unlock()
		// Итог придет ответом на INVITE (обычно 487)
		go c.transact(cancel)
		return
	}
	bye := c.dlg.request(sip.BYE, nil, "")
	c.mu.Unlock()

	go c.transact(bye)
	c.finish(nil, false)
}

// cancelRequest CANCEL повторяет Via, From, To, Call-ID и номер CSeq исходного INVITE
func (c *sipCall) cancelRequest() *sip.Request {
	req := sip.NewRequest(sip.CANCEL, c.invite.Recipient)
	sip.CopyHeaders("Via", c.invite, req)
	sip.CopyHeaders("From", c.invite, req)
	sip.CopyHeaders("To", c.invite, req)
	sip.CopyHeaders("Call-ID", c.invite, req)
	if cseq := c.invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

// runInvite ждет ответы на исходящий INVITE
func (c *sipCall) runInvite(tx sip.ClientTransaction) {
	defer tx.Terminate()
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				c.onTimeout(tx.Err())
				return
			}
			switch {
			case res.StatusCode < 200:
				c.onProvisional(res)
			case res.StatusCode < 300:
				c.onAnswered(res)
				return
			default:
				c.onRejected(res)
				return
			}
		case <-tx.Done():
			c.onTimeout(tx.Err())
			return
		}
	}
}

func (c *sipCall) onProvisional(res *sip.Response) {
	if res.StatusCode != 180 && res.StatusCode != 183 {
		return
	}
	c.mu.Lock()
	first := !c.ringing && c.state == stateCalling
	c.ringing = true
	if c.state == stateCalling {
		c.state = stateEarly
	}
	c.mu.Unlock()

	if first {
		c.listener.OnRinging(c)
	}
}

func (c *sipCall) onAnswered(res *sip.Response) {
	c.mu.Lock()
	if to := res.To(); to != nil {
		c.dlg.remoteTag = tagOf(to.Params)
	}
	if contact := res.Contact(); contact != nil {
		c.dlg.remoteTarget = contact.Address
	}
	ack := sip.NewAckRequest(c.invite, res, nil)
	cancelled := c.cancelled
	c.state = stateConfirmed
	var bye *sip.Request
	if cancelled {
		bye = c.dlg.request(sip.BYE, nil, "")
	}
	c.mu.Unlock()

	if err := c.sdk.client.WriteRequest(ack); err != nil {
		c.logger.Error("Не удалось отправить ACK", slog.Any("error", err))
	}
	if cancelled {
		// Ответ пришел после CANCEL: диалог подтверждается и сразу закрывается
		c.transact(bye)
		c.finish(nil, false)
		return
	}
	c.logger.Info("звонок отвечен", slog.Int("status", int(res.StatusCode)))
	c.listener.OnConnected(c)
}

func (c *sipCall) onRejected(res *sip.Response) {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()

	if cancelled {
		c.finish(nil, false)
		return
	}
	c.logger.Info("звонок отклонен", slog.Int("status", int(res.StatusCode)), slog.String("reason", res.Reason))
	c.finish(&voicesdk.Error{Code: int(res.StatusCode), Message: res.Reason}, true)
}

func (c *sipCall) onTimeout(err error) {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()

	if cancelled {
		c.finish(nil, false)
		return
	}
	msg := "Request Timeout"
	if err != nil {
		msg = err.Error()
	}
	c.finish(&voicesdk.Error{Code: 408, Message: msg}, true)
}

// handleAck подтверждение принятого входящего звонка
func (c *sipCall) handleAck() {
	c.mu.Lock()
	if c.state != stateAwaitAck {
		c.mu.Unlock()
		return
	}
	c.state = stateConfirmed
	c.mu.Unlock()

	c.listener.OnConnected(c)
}

// handleReInvite отвечает на смену направления медиа удаленной стороной
func (c *sipCall) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	offer := dirSendRecv
	if body := req.Body(); len(body) > 0 {
		dir, err := parseDirection(body)
		if err != nil {
			c.sdk.respond(req, tx, 488, "Not Acceptable Here")
			return
		}
		offer = dir
	}

	c.mu.Lock()
	answer := answerDirection(offer)
	if c.onHold && answer == dirSendRecv {
		answer = dirSendOnly
	}
	localTag := c.dlg.localTag
	c.mu.Unlock()

	body, err := buildSDP(c.sdk.cfg.Host, c.sdk.cfg.MediaPort, answer)
	if err != nil {
		c.sdk.respond(req, tx, 500, "Server Internal Error")
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	ct := sip.ContentTypeHeader(contentTypeSDP)
	res.AppendHeader(&ct)
	res.AppendHeader(&sip.ContactHeader{Address: c.sdk.contact})
	setToTag(res, localTag)
	if err := tx.Respond(res); err != nil {
		c.logger.Error("Не удалось ответить на re-INVITE", slog.Any("error", err))
		return
	}
	c.logger.Info("удаленная сторона сменила направление медиа", slog.String("offer", offer))
}

func (c *sipCall) remoteHangup() {
	c.finish(nil, false)
}

// finish переводит звонок в конечное состояние ровно один раз
func (c *sipCall) finish(err *voicesdk.Error, failure bool) {
	c.mu.Lock()
	if c.state == stateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = stateTerminated
	c.mu.Unlock()

	c.sdk.untrack(c.SID())
	if failure {
		c.listener.OnConnectFailure(c, err)
		return
	}
	c.listener.OnDisconnected(c, err)
}

// transact отправляет запрос внутри диалога и дожидается финального ответа.
// На 2xx для INVITE отправляется ACK. nil означает 2xx.
func (c *sipCall) transact(req *sip.Request) *voicesdk.Error {
	ctx, cancel := context.WithTimeout(context.Background(), transactionTimeout)
	defer cancel()

	tx, err := c.sdk.client.TransactionRequest(ctx, req)
	if err != nil {
		c.logger.Error("Не удалось отправить запрос", slog.String("method", req.Method.String()), slog.Any("error", err))
		return &voicesdk.Error{Code: 503, Message: err.Error()}
	}
	defer tx.Terminate()

	return c.awaitFinal(ctx, req, tx)
}

// awaitFinal ждет финальный ответ транзакции; без ответа итог 408
func (c *sipCall) awaitFinal(ctx context.Context, req *sip.Request, tx sip.ClientTransaction) *voicesdk.Error {
	timeout := &voicesdk.Error{Code: 408, Message: "Request Timeout"}
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return timeout
			}
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode >= 300 {
				c.logger.Warn("запрос отклонен",
					slog.String("method", req.Method.String()),
					slog.Int("status", int(res.StatusCode)),
				)
				return &voicesdk.Error{Code: int(res.StatusCode), Message: res.Reason}
			}
			if req.Method == sip.INVITE {
				if err := c.sdk.client.WriteRequest(sip.NewAckRequest(req, res, nil)); err != nil {
					c.logger.Error("Не удалось отправить ACK", slog.Any("error", err))
				}
			}
			return nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				c.logger.Warn("транзакция завершилась без ответа", slog.String("method", req.Method.String()), slog.Any("error", err))
			}
			return timeout
		case <-ctx.Done():
			return timeout
		}
	}
}
