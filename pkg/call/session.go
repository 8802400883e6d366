// Package call содержит сессию звонка и реестр сессий.
//
// Сессия сводит три независимых источника правды о звонке: облачный SDK
// (сигнализация и медиа), системную телефонию (UI звонка, аудио маршрут)
// и команды приложения. Каждая сессия является актором: все изменения
// выполняются одной горутиной в порядке поступления, а колбэки из любых
// потоков только ставят работу в ее очередь.
package call

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/callbridge/pkg/callerr"
	"github.com/arzzra/callbridge/pkg/callevent"
	"github.com/arzzra/callbridge/pkg/metrics"
	"github.com/arzzra/callbridge/pkg/telephony"
	"github.com/arzzra/callbridge/pkg/voicesdk"
)

var sessionSeq atomic.Uint64

var _ voicesdk.HoldListener = (*Session)(nil)

var errActorPanic = errors.New("операция сессии прервана паникой")

// Deps зависимости сессии
type Deps struct {
	Registry   *Registry
	Framework  telephony.Framework
	SDK        voicesdk.SDK
	Normalizer *callevent.Normalizer
	Emitter    *callevent.Emitter
	Metrics    *metrics.Collector
	// DisconnectTimeout сколько ждать подтверждения сброса от SDK; 0 отключает сторожа
	DisconnectTimeout time.Duration
}

// OutgoingParams параметры исходящего звонка
type OutgoingParams struct {
	From        string
	To          string
	AccessToken string
	Params      map[string]string
}

// Snapshot неизменяемая копия состояния сессии
type Snapshot struct {
	CallID    string               `json:"callSid"`
	SID       string               `json:"sid"`
	Direction Direction            `json:"direction"`
	State     State                `json:"state"`
	From      string               `json:"from"`
	To        string               `json:"to"`
	Muted     bool                 `json:"muted"`
	OnHold    bool                 `json:"onHold"`
	Route     telephony.AudioRoute `json:"route"`
}

// Session сессия одного звонка
type Session struct {
	deps      Deps
	seq       uint64
	direction Direction
	from      string
	to        string
	params    map[string]string
	token     string

	mu          sync.RWMutex
	id          string
	provisional bool
	sid         string
	muted       bool
	onHold      bool
	route       telephony.AudioRoute
	cause       telephony.DisconnectCause
	logger      *slog.Logger

	machine     *fsm.FSM
	box         *mailbox
	ctx         context.Context
	cancel      context.CancelFunc
	terminating atomic.Bool

	// поля ниже принадлежат актору
	conn        telephony.Connection
	invite      voicesdk.Invite
	sdkCall     voicesdk.Call
	answering   bool
	localHangup bool
	lastAudio   *telephony.AudioState
	watchdog    *time.Timer
}

// NewIncoming создает сессию входящего звонка под SID приглашения
func NewIncoming(deps Deps, invite voicesdk.Invite) *Session {
	s := newSession(deps, Incoming, invite.CallSID(), false, invite.From(), invite.To(), invite.CustomParameters())
	s.invite = invite
	s.sid = invite.CallSID()
	return s
}

// NewOutgoing создает сессию исходящего звонка под временным id
func NewOutgoing(deps Deps, p OutgoingParams) *Session {
	s := newSession(deps, Outgoing, uuid.NewString(), true, p.From, p.To, p.Params)
	s.token = p.AccessToken
	return s
}

func newSession(deps Deps, dir Direction, id string, provisional bool, from, to string, params map[string]string) *Session {
	if deps.Normalizer == nil {
		deps.Normalizer = callevent.NewNormalizer(nil)
	}
	if deps.Emitter == nil {
		deps.Emitter = callevent.NewEmitter()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:        deps,
		seq:         sessionSeq.Add(1),
		direction:   dir,
		from:        from,
		to:          to,
		params:      maps.Clone(params),
		id:          id,
		provisional: provisional,
		route:       telephony.RouteWiredOrEarpiece,
		ctx:         ctx,
		cancel:      cancel,
	}
	if s.params == nil {
		s.params = map[string]string{}
	}
	s.logger = s.newLogger(id)
	s.box = newMailbox(s.logger)
	s.machine = newStateMachine(func(from, to State) {
		deps.Metrics.StateTransition(from.String(), to.String())
	})
	deps.Metrics.SessionStarted(id, string(dir))

	go s.box.run()
	return s
}

func (s *Session) newLogger(id string) *slog.Logger {
	return slog.Default().With(
		slog.String("component", "session"),
		slog.String("call_id", id),
		slog.String("direction", string(s.direction)),
	)
}

// ID текущий идентификатор сессии
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// IsProvisional используется ли временный id
func (s *Session) IsProvisional() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provisional
}

// SID авторитетный идентификатор звонка, пустой до назначения
func (s *Session) SID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sid
}

func (s *Session) Direction() Direction { return s.direction }

// State текущее состояние автомата
func (s *Session) State() State { return State(s.machine.Current()) }

// Terminating началось ли завершение сессии
func (s *Session) Terminating() bool { return s.terminating.Load() }

func (s *Session) IsMuted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

func (s *Session) IsOnHold() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onHold
}

func (s *Session) AudioRoute() telephony.AudioRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.route
}

// Cause причина завершения, пустая до терминального состояния
func (s *Session) Cause() telephony.DisconnectCause {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

// Snapshot копия состояния для запросов приложения
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		CallID:    s.id,
		SID:       s.sid,
		Direction: s.direction,
		State:     State(s.machine.Current()),
		From:      s.from,
		To:        s.to,
		Muted:     s.muted,
		OnHold:    s.onHold,
		Route:     s.route,
	}
}

// Sync ждет выполнения всей ранее поставленной работы
func (s *Session) Sync(ctx context.Context) error {
	return s.box.sync(ctx)
}

func (s *Session) log() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Session) post(op string, fn func()) {
	if !s.box.post(fn) {
		s.log().Debug("сессия завершена, операция отброшена", slog.String("op", op))
	}
}

// await выполняет fn в акторе и ждет результат. Поставленная работа
// выполняется всегда, поэтому ожидание не прерывается по ctx; блокирующие
// вызовы внутри fn ограничены ctx сами.
func (s *Session) await(fn func() error) error {
	result := make(chan error, 1)
	posted := s.box.post(func() {
		err := errActorPanic
		defer func() { result <- err }()
		err = fn()
	})
	if !posted {
		return callerr.SessionNotFound(s.ID())
	}
	return <-result
}

// StartIncoming передает допущенный звонок системной телефонии и переводит его в Ringing.
// При отказе системы сессия снимается без терминального события.
func (s *Session) StartIncoming(ctx context.Context) error {
	return s.await(func() error {
		id := s.ID()
		if err := ctx.Err(); err != nil {
			s.discard("допуск входящего звонка прерван")
			return callerr.OSAdmissionFailed(id, err)
		}
		conn, err := s.deps.Framework.AdmitIncoming(ctx, telephony.IncomingRequest{
			CallID:  id,
			From:    s.from,
			Subject: s.deps.Normalizer.ResolveParty(s.from, s.params[callevent.ParamCallerName]),
			Events:  NewNativeShim(id, s.deps.Registry),
		})
		if err != nil {
			s.discard("системная телефония не допустила входящий звонок")
			return callerr.OSAdmissionFailed(id, err)
		}
		s.conn = conn
		if err := ctx.Err(); err != nil {
			s.discard("допуск входящего звонка прерван")
			return callerr.OSAdmissionFailed(id, err)
		}
		s.ring()
		return nil
	})
}

// StartOutgoing размещает звонок в системной телефонии и вызывает SDK Connect.
// Ошибка Connect завершает сессию событием ConnectFailure.
func (s *Session) StartOutgoing(ctx context.Context) error {
	return s.await(func() error {
		id := s.ID()
		if err := ctx.Err(); err != nil {
			s.discard("размещение исходящего звонка прервано")
			return callerr.OSAdmissionFailed(id, err)
		}
		conn, err := s.deps.Framework.PlaceOutgoing(ctx, telephony.OutgoingRequest{
			CallID:  id,
			Address: s.to,
			Extras:  maps.Clone(s.params),
			Events:  NewNativeShim(id, s.deps.Registry),
		})
		if err != nil {
			s.discard("системная телефония не разместила исходящий звонок")
			return callerr.OSAdmissionFailed(id, err)
		}
		s.conn = conn
		if err := ctx.Err(); err != nil {
			s.discard("размещение исходящего звонка прервано")
			return callerr.OSAdmissionFailed(id, err)
		}
		if s.fire(evDial) {
			s.conn.SetDialing()
		}

		params := maps.Clone(s.params)
		params["To"] = s.to
		params["From"] = s.from
		sdkCall, err := s.deps.SDK.Connect(s.ctx, voicesdk.ConnectOptions{
			AccessToken: s.token,
			Params:      params,
		}, s)
		if err != nil {
			code, msg := sdkFailure(err)
			s.terminate(callevent.ConnectFailure, telephony.CauseError, callevent.WithFailure(code, msg))
			return callerr.SDKConnectFailure(id, code, msg)
		}
		s.sdkCall = sdkCall
		s.adoptSID(sdkCall.SID())
		return nil
	})
}

func sdkFailure(err error) (int, string) {
	var sdkErr *voicesdk.Error
	if errors.As(err, &sdkErr) {
		return sdkErr.Code, sdkErr.Message
	}
	return 0, err.Error()
}

// Answer принимает входящий звонок. Active наступит только по OnConnected.
func (s *Session) Answer() {
	s.post("answer", s.answer)
}

func (s *Session) answer() {
	if s.direction != Incoming || s.State() != StateRinging || s.invite == nil {
		s.log().Warn("answer недопустим в текущем состоянии", slog.String("state", s.State().String()))
		return
	}
	if s.answering {
		s.log().Debug("повторный answer проигнорирован")
		return
	}
	s.answering = true
	s.emit(callevent.Answer)

	sdkCall, err := s.invite.Accept(s.ctx, s)
	if err != nil {
		code, msg := sdkFailure(err)
		s.log().Error("не удалось принять приглашение", slog.String("error", err.Error()))
		s.terminate(callevent.ConnectFailure, telephony.CauseError, callevent.WithFailure(code, msg))
		return
	}
	s.sdkCall = sdkCall
	s.adoptSID(sdkCall.SID())
}

// Reject отклоняет входящий звонок до ответа
func (s *Session) Reject() {
	s.post("reject", s.reject)
}

func (s *Session) reject() {
	if s.direction != Incoming || s.State() != StateRinging || s.invite == nil {
		s.log().Warn("reject недопустим в текущем состоянии", slog.String("state", s.State().String()))
		return
	}
	if s.sdkCall != nil {
		// приглашение уже принято, остается только сбросить медиа
		s.hangup()
		return
	}
	if err := s.invite.Reject(s.ctx); err != nil {
		s.log().Warn("ошибка отклонения приглашения", slog.String("error", err.Error()))
	}
	s.emit(callevent.Rejected)
	s.localHangup = true
	s.terminate(callevent.DisconnectedLocal, telephony.CauseRejected)
}

// Hangup завершает звонок локально
func (s *Session) Hangup() {
	s.post("hangup", s.hangup)
}

func (s *Session) hangup() {
	if s.terminating.Load() {
		return
	}
	switch {
	case s.direction == Incoming && s.State() == StateRinging && s.sdkCall == nil:
		s.reject()
	case s.sdkCall != nil:
		if s.localHangup {
			s.log().Debug("сброс уже запрошен")
			return
		}
		s.localHangup = true
		s.sdkCall.Disconnect()
		s.startWatchdog()
	default:
		s.localHangup = true
		s.terminate(callevent.DisconnectedLocal, telephony.CauseLocal)
	}
}

func (s *Session) startWatchdog() {
	d := s.deps.DisconnectTimeout
	if d <= 0 {
		return
	}
	s.watchdog = time.AfterFunc(d, func() {
		s.post("disconnect-watchdog", func() {
			if s.terminating.Load() {
				return
			}
			s.log().Warn("SDK не подтвердил сброс, завершаем принудительно", slog.Duration("timeout", d))
			s.terminate(callevent.DisconnectedLocal, telephony.CauseLocal)
		})
	})
}

// ToggleHold ставит звонок на удержание или снимает с него
func (s *Session) ToggleHold(want bool) {
	s.post("toggleHold", func() { s.toggleHold(want) })
}

// FlipHold меняет удержание на противоположное; текущее значение читается в акторе
func (s *Session) FlipHold() {
	s.post("flipHold", func() { s.toggleHold(!s.IsOnHold()) })
}

func (s *Session) toggleHold(want bool) {
	state := s.State()
	if state != StateActive && state != StateHolding {
		s.log().Warn("hold недопустим в текущем состоянии", slog.String("state", state.String()))
		return
	}
	if s.sdkCall == nil {
		s.log().Warn("hold без звонка SDK")
		return
	}
	s.sdkCall.Hold(want)
	// событие отправляется до подтверждения SDK и сверяется на следующем колбэке
	s.applyHold(want)
}

// applyHold зеркалирует удержание в систему и отправляет Hold/Unhold
func (s *Session) applyHold(onHold bool) {
	if onHold {
		if !s.fire(evHold) {
			return
		}
		s.conn.SetOnHold()
		s.setOnHold(true)
		s.emit(callevent.Hold)
		return
	}
	if !s.fire(evUnhold) {
		return
	}
	s.conn.SetActive()
	s.setOnHold(false)
	s.emit(callevent.Unhold)
}

func (s *Session) reconcileHold(sdkCall voicesdk.Call) {
	want := sdkCall.IsOnHold()
	state := s.State()
	if (want && state == StateActive) || (!want && state == StateHolding) {
		s.log().Debug("сверка удержания с SDK", slog.Bool("on_hold", want))
		s.applyHold(want)
	}
}

// ToggleMute включает или выключает микрофон
func (s *Session) ToggleMute(want bool) {
	s.post("toggleMute", func() { s.toggleMute(want) })
}

func (s *Session) toggleMute(want bool) {
	if s.terminating.Load() {
		return
	}
	if s.sdkCall != nil {
		s.sdkCall.Mute(want)
	}
	s.mu.Lock()
	s.muted = want
	s.mu.Unlock()
	if s.conn != nil {
		s.conn.SetMuted(want)
	}
	s.synthesizeAudioOnHold()
}

// ToggleAudioRoute переключает маршрут; при want=false возвращает проводной/динамик телефона
func (s *Session) ToggleAudioRoute(route telephony.AudioRoute, want bool) {
	s.post("toggleAudioRoute", func() { s.toggleAudioRoute(route, want) })
}

func (s *Session) toggleAudioRoute(route telephony.AudioRoute, want bool) {
	if s.terminating.Load() {
		return
	}
	target := telephony.RouteWiredOrEarpiece
	if want {
		target = route
	}
	s.mu.Lock()
	s.route = target
	s.mu.Unlock()
	if s.conn != nil {
		s.conn.SetAudioRoute(target)
	}
	s.synthesizeAudioOnHold()
}

// synthesizeAudioOnHold на удержании система не присылает изменения аудио,
// поэтому событие формируется локально
func (s *Session) synthesizeAudioOnHold() {
	if s.State() == StateHolding {
		s.emitAudio()
	}
}

// onNativeAudio изменение аудио, пришедшее от системной телефонии
func (s *Session) onNativeAudio(state telephony.AudioState) {
	s.post("audioStateChanged", func() {
		if s.terminating.Load() {
			return
		}
		if s.sdkCall != nil && s.sdkCall.IsMuted() != state.Muted {
			s.sdkCall.Mute(state.Muted)
		}
		s.mu.Lock()
		s.muted = state.Muted
		if state.Route.Valid() {
			s.route = state.Route
		}
		s.mu.Unlock()
		s.emitAudio()
	})
}

func (s *Session) emitAudio() {
	s.mu.RLock()
	cur := telephony.AudioState{Muted: s.muted, Route: s.route}
	s.mu.RUnlock()
	if s.lastAudio != nil && *s.lastAudio == cur {
		return
	}
	s.lastAudio = &cur
	s.emit(callevent.AudioStateChanged, callevent.WithAudio(cur))
}

// SendDigits отправляет DTMF в активном звонке
func (s *Session) SendDigits(digits string) {
	s.post("sendDigits", func() {
		if s.State() != StateActive || s.sdkCall == nil {
			s.log().Warn("DTMF недопустим в текущем состоянии", slog.String("state", s.State().String()))
			return
		}
		s.sdkCall.SendDigits(digits)
	})
}

// RemoteCancel удаленная сторона отменила входящий звонок до ответа
func (s *Session) RemoteCancel() {
	s.post("remoteCancel", func() {
		state := s.State()
		if s.direction != Incoming || state == StateActive || state == StateHolding {
			s.log().Warn("отмена для звонка не в состоянии ожидания", slog.String("state", state.String()))
			return
		}
		s.terminate(callevent.Missed, telephony.CauseMissed)
	})
}

// OnRinging реализует voicesdk.Listener
func (s *Session) OnRinging(c voicesdk.Call) {
	s.post("onRinging", func() {
		s.attach(c)
		s.ring()
	})
}

// OnConnected реализует voicesdk.Listener
func (s *Session) OnConnected(c voicesdk.Call) {
	s.post("onConnected", func() {
		s.attach(c)
		if s.fire(evConnect) {
			s.conn.SetActive()
			s.emit(callevent.Connected)
		}
		s.reconcileHold(c)
	})
}

// OnConnectFailure реализует voicesdk.Listener
func (s *Session) OnConnectFailure(c voicesdk.Call, err *voicesdk.Error) {
	s.post("onConnectFailure", func() {
		s.attach(c)
		if s.localHangup {
			s.terminate(callevent.DisconnectedLocal, telephony.CauseLocal, failureOpts(err)...)
			return
		}
		s.terminate(callevent.ConnectFailure, telephony.CauseError, failureOpts(err)...)
	})
}

// OnReconnecting реализует voicesdk.Listener
func (s *Session) OnReconnecting(c voicesdk.Call, err *voicesdk.Error) {
	s.post("onReconnecting", func() {
		if s.terminating.Load() {
			return
		}
		s.log().Info("звонок переподключается")
		s.emit(callevent.Reconnecting, failureOpts(err)...)
	})
}

// OnReconnected реализует voicesdk.Listener
func (s *Session) OnReconnected(c voicesdk.Call) {
	s.post("onReconnected", func() {
		if s.terminating.Load() {
			return
		}
		s.emit(callevent.Reconnected)
		s.reconcileHold(c)
	})
}

// OnHoldFailed реализует voicesdk.HoldListener
func (s *Session) OnHoldFailed(c voicesdk.Call, err *voicesdk.Error) {
	s.post("onHoldFailed", func() {
		if s.terminating.Load() {
			return
		}
		s.log().Warn("SDK не сменил удержание", slog.Int("code", err.Code), slog.String("message", err.Message))
		s.reconcileHold(c)
	})
}

// OnDisconnected реализует voicesdk.Listener
func (s *Session) OnDisconnected(c voicesdk.Call, err *voicesdk.Error) {
	s.post("onDisconnected", func() {
		s.attach(c)
		t, cause := callevent.TerminalForDisconnect(s.localHangup, err != nil)
		s.terminate(t, cause, failureOpts(err)...)
	})
}

func failureOpts(err *voicesdk.Error) []callevent.Option {
	if err == nil {
		return nil
	}
	return []callevent.Option{callevent.WithFailure(err.Code, err.Message)}
}

// attach запоминает звонок SDK и его SID
func (s *Session) attach(c voicesdk.Call) {
	if c == nil {
		return
	}
	if s.sdkCall == nil {
		s.sdkCall = c
	}
	s.adoptSID(c.SID())
}

// adoptSID заменяет временный id авторитетным не более одного раза
func (s *Session) adoptSID(sid string) {
	if sid == "" {
		return
	}
	s.mu.Lock()
	if !s.provisional {
		if s.sid == "" {
			s.sid = sid
		}
		s.mu.Unlock()
		return
	}
	oldID := s.id
	s.id = sid
	s.sid = sid
	s.provisional = false
	s.logger = s.newLogger(sid)
	s.mu.Unlock()

	if err := s.deps.Registry.Rekey(oldID, sid); err != nil {
		s.log().Error("не удалось сменить ключ сессии", slog.String("old_id", oldID), slog.String("error", err.Error()))
		return
	}
	s.deps.Metrics.SessionRekeyed(oldID, sid)
}

func (s *Session) ring() {
	if s.fire(evRing) {
		s.conn.SetRinging()
		s.emit(callevent.Ringing)
	}
}

// fire выполняет событие автомата; false, если переход недопустим
func (s *Session) fire(event string) bool {
	if !s.machine.Can(event) {
		s.log().Debug("переход недопустим", slog.String("event", event), slog.String("state", s.machine.Current()))
		return false
	}
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.log().Warn("ошибка перехода", slog.String("event", event), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Session) setOnHold(v bool) {
	s.mu.Lock()
	s.onHold = v
	s.mu.Unlock()
}

func (s *Session) source() callevent.Source {
	return callevent.Source{
		CallID:    s.ID(),
		From:      s.from,
		To:        s.to,
		Direction: s.direction,
		Params:    s.params,
	}
}

func (s *Session) emit(t callevent.Type, opts ...callevent.Option) {
	ev := s.deps.Normalizer.Build(t, s.source(), opts...)
	s.deps.Metrics.Event(string(t))
	s.deps.Emitter.Emit(ev)
}

// terminate переводит сессию в Disconnected ровно один раз
func (s *Session) terminate(t callevent.Type, cause telephony.DisconnectCause, opts ...callevent.Option) {
	if !s.terminating.CompareAndSwap(false, true) {
		return
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.fire(evDisconnect)

	s.mu.Lock()
	s.cause = cause
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.SetDisconnected(cause)
		s.conn.Destroy()
	}
	s.emit(t, opts...)

	id := s.ID()
	s.deps.Registry.Unregister(id)
	s.deps.Metrics.SessionTerminated(id, string(t))
	s.log().Info("звонок завершен", slog.String("event", string(t)), slog.String("cause", string(cause)))

	s.cancel()
	s.box.close()
}

// Abandon освобождает сессию, которая так и не попала в реестр
func (s *Session) Abandon() {
	s.post("abandon", func() {
		if !s.terminating.CompareAndSwap(false, true) {
			return
		}
		s.deps.Metrics.SessionDiscarded(s.ID())
		s.cancel()
		s.box.close()
	})
}

// discard снимает сессию без терминального события
func (s *Session) discard(reason string) {
	if !s.terminating.CompareAndSwap(false, true) {
		return
	}
	s.fire(evDisconnect)
	if s.conn != nil {
		s.conn.Destroy()
	}
	id := s.ID()
	s.deps.Registry.Unregister(id)
	s.deps.Metrics.SessionDiscarded(id)
	s.log().Warn("сессия снята", slog.String("reason", reason))

	s.cancel()
	s.box.close()
}
