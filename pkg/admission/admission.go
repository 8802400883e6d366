// Package admission решает, можно ли создать сессию звонка: проверяет
// разрешения и аккаунт системной телефонии для входящих и исходящих звонков
// и применяет политику reject/ignore к приглашениям, которые принять нельзя.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/callbridge/pkg/call"
	"github.com/arzzra/callbridge/pkg/callerr"
	"github.com/arzzra/callbridge/pkg/callevent"
	"github.com/arzzra/callbridge/pkg/metrics"
	"github.com/arzzra/callbridge/pkg/voicesdk"
)

// Причины в событии IncomingCallIgnored
const (
	ReasonNoPhoneStatePermission = "phone state permission missing"
	ReasonNoAccount              = "phone account not registered or disabled"
	ReasonBusy                   = "busy"
	ReasonOSAdmissionFailed      = "telephony admission failed"
)

// Policy источник политики для входящих, которые нельзя допустить
type Policy interface {
	RejectOnNoPermission() bool
}

// Controller контроллер допуска
type Controller struct {
	deps    call.Deps
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger
}

// Option настройка контроллера
type Option func(*Controller)

// WithTimeout ограничивает время передачи звонка в системную телефонию
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New создает контроллер. deps передаются каждой создаваемой сессии.
func New(deps call.Deps, policy Policy, opts ...Option) *Controller {
	if deps.Registry == nil {
		deps.Registry = call.NewRegistry(nil)
	}
	if deps.Normalizer == nil {
		deps.Normalizer = callevent.NewNormalizer(nil)
	}
	if deps.Emitter == nil {
		deps.Emitter = callevent.NewEmitter()
	}
	c := &Controller{
		deps:    deps,
		policy:  policy,
		timeout: 10 * time.Second,
		logger:  slog.Default().With(slog.String("component", "admission")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ voicesdk.InviteHandler = (*Controller)(nil)

// Registry реестр, в который контроллер регистрирует сессии
func (c *Controller) Registry() *call.Registry { return c.deps.Registry }

func (c *Controller) metrics() *metrics.Collector { return c.deps.Metrics }

// OnInvite реализует voicesdk.InviteHandler
func (c *Controller) OnInvite(invite voicesdk.Invite) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.AdmitIncoming(ctx, invite); err != nil {
		c.logger.Info("входящий звонок не допущен",
			slog.String("call_id", invite.CallSID()),
			slog.String("code", callerr.GetErrorCode(err)),
		)
	}
}

// OnCancelledInvite реализует voicesdk.InviteHandler
func (c *Controller) OnCancelledInvite(invite voicesdk.CancelledInvite, err *voicesdk.Error) {
	if err != nil {
		c.logger.Debug("приглашение отменено с ошибкой", slog.Int("code", err.Code), slog.String("message", err.Message))
	}
	c.HandleCancelledInvite(invite)
}

// AdmitIncoming допускает входящее приглашение. При невыполненных условиях
// сессия не создается, а приглашение отклоняется или игнорируется по политике.
func (c *Controller) AdmitIncoming(ctx context.Context, invite voicesdk.Invite) (*call.Session, error) {
	fw := c.deps.Framework
	sid := invite.CallSID()

	if !fw.HasReadPhoneState() {
		c.refuse(ctx, invite, ReasonNoPhoneStatePermission)
		return nil, callerr.PermissionMissing("read_phone_state").WithCall(sid)
	}
	if !fw.HasEnabledAccount() {
		c.refuse(ctx, invite, ReasonNoAccount)
		return nil, callerr.AccountNotRegistered().WithCall(sid)
	}
	if active, ok := c.deps.Registry.LookupActive(); ok {
		c.refuse(ctx, invite, ReasonBusy)
		return nil, callerr.CallGroupBusy(active.ID()).WithCall(sid)
	}

	s := call.NewIncoming(c.deps, invite)
	if err := c.deps.Registry.Register(s); err != nil {
		c.logger.Warn("повторное приглашение для существующего звонка", slog.String("call_id", sid))
		s.Abandon()
		return nil, callerr.CallGroupBusy(sid).WithCause(err)
	}
	if err := s.StartIncoming(ctx); err != nil {
		// сессия уже снята без событий, приглашение отклоняется всегда
		if rejErr := invite.Reject(ctx); rejErr != nil {
			c.logger.Warn("ошибка отклонения приглашения", slog.String("error", rejErr.Error()))
		}
		c.emitIgnored(invite, ReasonOSAdmissionFailed)
		c.metrics().Admission("incoming", "os_failed")
		return nil, err
	}
	c.metrics().Admission("incoming", "admitted")
	c.logger.Info("входящий звонок допущен", slog.String("call_id", sid))
	return s, nil
}

// refuse применяет политику к приглашению, которое нельзя допустить
func (c *Controller) refuse(ctx context.Context, invite voicesdk.Invite, reason string) {
	if c.policy == nil || !c.policy.RejectOnNoPermission() {
		// приглашение остается доступным другим устройствам
		c.logger.Info("входящий звонок проигнорирован", slog.String("call_id", invite.CallSID()), slog.String("reason", reason))
		c.metrics().Admission("incoming", "ignored")
		return
	}
	if err := invite.Reject(ctx); err != nil {
		c.logger.Warn("ошибка отклонения приглашения", slog.String("error", err.Error()))
	}
	c.emitIgnored(invite, reason)
	c.metrics().Admission("incoming", "rejected")
}

func (c *Controller) emitIgnored(invite voicesdk.Invite, reason string) {
	ev := c.deps.Normalizer.Build(callevent.IncomingCallIgnored, callevent.Source{
		CallID:    invite.CallSID(),
		From:      invite.From(),
		To:        invite.To(),
		Direction: callevent.Incoming,
		Params:    invite.CustomParameters(),
	}, callevent.WithReason(reason))
	c.metrics().Event(string(ev.Type))
	c.deps.Emitter.Emit(ev)
}

// OutgoingRequest параметры исходящего звонка от приложения
type OutgoingRequest struct {
	From        string
	To          string
	AccessToken string
	Params      map[string]string
}

// PlaceOutgoing размещает исходящий звонок. При невыполненных условиях
// сессия не создается и SDK не вызывается.
func (c *Controller) PlaceOutgoing(ctx context.Context, req OutgoingRequest) (*call.Session, error) {
	fw := c.deps.Framework

	var missing string
	switch {
	case !fw.HasReadPhoneState():
		missing = "read_phone_state"
	case !fw.HasCallPhone():
		missing = "call_phone"
	case !fw.HasMicrophone():
		missing = "record_audio"
	}
	if missing != "" {
		c.metrics().Admission("outgoing", "permission_missing")
		c.logger.Warn("исходящий звонок без разрешения", slog.String("permission", missing))
		return nil, callerr.PermissionMissing(missing)
	}
	if !fw.HasEnabledAccount() {
		c.metrics().Admission("outgoing", "no_account")
		return nil, callerr.AccountNotRegistered()
	}
	if req.To == "" {
		return nil, callerr.MalformedArguments("makeCall", "пустой адресат")
	}
	if active, ok := c.deps.Registry.LookupActive(); ok {
		c.metrics().Admission("outgoing", "busy")
		return nil, callerr.CallGroupBusy(active.ID())
	}

	s := call.NewOutgoing(c.deps, call.OutgoingParams{
		From:        req.From,
		To:          req.To,
		AccessToken: req.AccessToken,
		Params:      req.Params,
	})
	if err := c.deps.Registry.Register(s); err != nil {
		s.Abandon()
		return nil, callerr.OSAdmissionFailed(s.ID(), err)
	}
	if err := s.StartOutgoing(ctx); err != nil {
		c.metrics().Admission("outgoing", "failed")
		return nil, err
	}
	c.metrics().Admission("outgoing", "placed")
	c.logger.Info("исходящий звонок размещен", slog.String("call_id", s.ID()), slog.String("to", req.To))
	return s, nil
}

// HandleCancelledInvite удаленная сторона отменила приглашение до ответа
func (c *Controller) HandleCancelledInvite(invite voicesdk.CancelledInvite) {
	s, ok := c.deps.Registry.Get(invite.CallSID())
	if !ok {
		c.logger.Info("отмена для неизвестного звонка", slog.String("call_id", invite.CallSID()))
		return
	}
	s.RemoteCancel()
}
