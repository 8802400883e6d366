package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callbridge/pkg/callerr"
	"github.com/arzzra/callbridge/pkg/callevent"
	"github.com/arzzra/callbridge/pkg/telephony"
	"github.com/arzzra/callbridge/pkg/telephony/softtel"
	"github.com/arzzra/callbridge/pkg/voicesdk"
	"github.com/arzzra/callbridge/pkg/voicesdk/voicesdktest"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []callevent.Event
}

func (r *eventRecorder) OnEvent(ev callevent.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []callevent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callevent.Event(nil), r.events...)
}

func (r *eventRecorder) types() []callevent.Type {
	var out []callevent.Type
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *eventRecorder) terminalCount() int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type.Terminal() {
			n++
		}
	}
	return n
}

type harness struct {
	fw       *softtel.Framework
	sdk      *voicesdktest.SDK
	registry *Registry
	rec      *eventRecorder
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fw := softtel.New(softtel.WithPermissions(softtel.PermReadPhoneState, softtel.PermCallPhone, softtel.PermMicrophone))
	require.NoError(t, fw.RegisterAccount(context.Background(), telephony.Account{
		ID: "acc", Enabled: true, CallCapable: true,
	}))

	h := &harness{
		fw:       fw,
		sdk:      voicesdktest.NewSDK(),
		registry: NewRegistry(nil),
		rec:      &eventRecorder{},
	}
	emitter := callevent.NewEmitter()
	emitter.Subscribe(h.rec)
	h.deps = Deps{
		Registry:   h.registry,
		Framework:  fw,
		SDK:        h.sdk,
		Normalizer: callevent.NewNormalizer(nil),
		Emitter:    emitter,
	}
	return h
}

func syncSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Sync(ctx))
}

// startOutgoing размещает исходящий звонок и возвращает звонок SDK
func (h *harness) startOutgoing(t *testing.T) (*Session, *voicesdktest.Call) {
	t.Helper()
	s := NewOutgoing(h.deps, OutgoingParams{
		From:        "client:bob",
		To:          "+15551230000",
		AccessToken: "token",
		Params:      map[string]string{"campaign": "x"},
	})
	require.NoError(t, h.registry.Register(s))
	require.NoError(t, s.StartOutgoing(context.Background()))
	c := h.sdk.LastCall()
	require.NotNil(t, c)
	return s, c
}

// connectOutgoing доводит исходящий звонок до Active
func (h *harness) connectOutgoing(t *testing.T) (*Session, *voicesdktest.Call) {
	t.Helper()
	s, c := h.startOutgoing(t)
	c.AssignSID("CA-out")
	c.Listener().OnRinging(c)
	c.Listener().OnConnected(c)
	syncSession(t, s)
	require.Equal(t, StateActive, s.State())
	return s, c
}

func (h *harness) startIncoming(t *testing.T) (*Session, *voicesdktest.Invite) {
	t.Helper()
	inv := voicesdktest.NewInvite("CA-in", "client:alice", "client:bob", map[string]string{"k": "v"})
	s := NewIncoming(h.deps, inv)
	require.NoError(t, h.registry.Register(s))
	require.NoError(t, s.StartIncoming(context.Background()))
	return s, inv
}

func (h *harness) conn(t *testing.T) *softtel.Connection {
	t.Helper()
	conns := h.fw.Connections()
	require.Len(t, conns, 1)
	return conns[0]
}

func TestSession_OutgoingRingingConnected(t *testing.T) {
	h := newHarness(t)
	s, c := h.startOutgoing(t)
	provisional := s.ID()
	assert.True(t, s.IsProvisional())
	assert.Equal(t, StateDialing, s.State())
	assert.Equal(t, telephony.ConnectionDialing, h.conn(t).State())

	rec := h.sdk.Connects()[0]
	assert.Equal(t, "token", rec.Options.AccessToken)
	assert.Equal(t, "+15551230000", rec.Options.Params["To"])
	assert.Equal(t, "client:bob", rec.Options.Params["From"])
	assert.Equal(t, "x", rec.Options.Params["campaign"])

	c.AssignSID("CA42")
	c.Listener().OnRinging(c)
	c.Listener().OnConnected(c)
	syncSession(t, s)

	events := h.rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, callevent.Ringing, events[0].Type)
	assert.Equal(t, callevent.Connected, events[1].Type)
	for _, ev := range events {
		assert.Equal(t, callevent.Outgoing, ev.Direction)
		assert.Equal(t, "CA42", ev.CallID)
		assert.Equal(t, "bob", ev.From)
		assert.Equal(t, "+15551230000", ev.To)
	}

	assert.Equal(t, "CA42", s.ID())
	assert.False(t, s.IsProvisional())
	got, ok := h.registry.Get(provisional)
	require.True(t, ok, "временный id разрешается после смены ключа")
	assert.Same(t, s, got)
	assert.Equal(t, telephony.ConnectionActive, h.conn(t).State())
}

func TestSession_HoldThenMuteKeepsMute(t *testing.T) {
	h := newHarness(t)
	s, c := h.connectOutgoing(t)
	h.rec.reset()

	s.ToggleHold(true)
	s.ToggleMute(true)
	syncSession(t, s)

	conn := h.conn(t)
	assert.Equal(t, telephony.ConnectionHolding, conn.State())
	assert.True(t, conn.AudioState().Muted)
	assert.Equal(t, []bool{true}, c.Holds())
	assert.True(t, c.IsMuted())

	events := h.rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, callevent.Hold, events[0].Type)
	assert.Equal(t, callevent.AudioStateChanged, events[1].Type, "на удержании событие аудио формируется локально")
	require.NotNil(t, events[1].Audio)
	assert.True(t, events[1].Audio.Muted)

	s.ToggleHold(false)
	syncSession(t, s)

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, telephony.ConnectionActive, conn.State())
	assert.True(t, s.IsMuted(), "снятие удержания не сбрасывает микрофон")
	assert.True(t, conn.AudioState().Muted)
	assert.Equal(t, callevent.Unhold, h.rec.types()[2])
}

func TestSession_HoldRoundTripRestoresAudio(t *testing.T) {
	h := newHarness(t)
	s, _ := h.connectOutgoing(t)

	s.ToggleMute(true)
	s.ToggleAudioRoute(telephony.RouteSpeaker, true)
	syncSession(t, s)
	syncSession(t, s)

	before := s.Snapshot()
	connBefore := h.conn(t).AudioState()

	s.ToggleHold(true)
	s.ToggleHold(false)
	syncSession(t, s)

	after := s.Snapshot()
	assert.Equal(t, before.Muted, after.Muted)
	assert.Equal(t, before.Route, after.Route)
	assert.Equal(t, connBefore, h.conn(t).AudioState())
}

func TestSession_NativeAudioNotDuplicated(t *testing.T) {
	h := newHarness(t)
	s, c := h.connectOutgoing(t)
	h.rec.reset()

	s.ToggleMute(true)
	syncSession(t, s)
	// эхо от системы приходит через шим и ставится в очередь
	syncSession(t, s)

	assert.Equal(t, []callevent.Type{callevent.AudioStateChanged}, h.rec.types())

	// системный UI выключил микрофон обратно
	connID := h.conn(t).CallID()
	require.True(t, h.fw.ChangeAudio(connID, telephony.AudioState{Muted: false, Route: telephony.RouteBluetooth}))
	syncSession(t, s)

	assert.False(t, c.IsMuted(), "изменение из системы доходит до SDK")
	assert.Equal(t, telephony.RouteBluetooth, s.AudioRoute())
	assert.Len(t, h.rec.all(), 2)
}

func TestSession_ToggleAudioRouteFallback(t *testing.T) {
	h := newHarness(t)
	s, _ := h.connectOutgoing(t)

	s.ToggleAudioRoute(telephony.RouteSpeaker, true)
	syncSession(t, s)
	assert.Equal(t, telephony.RouteSpeaker, h.conn(t).AudioState().Route)

	s.ToggleAudioRoute(telephony.RouteSpeaker, false)
	syncSession(t, s)
	assert.Equal(t, telephony.RouteWiredOrEarpiece, s.AudioRoute())
	assert.Equal(t, telephony.RouteWiredOrEarpiece, h.conn(t).AudioState().Route)
}

func TestSession_IncomingAnswer(t *testing.T) {
	h := newHarness(t)
	s, inv := h.startIncoming(t)
	assert.Equal(t, StateRinging, s.State())
	assert.Equal(t, telephony.ConnectionRinging, h.conn(t).State())

	s.Answer()
	s.Answer()
	syncSession(t, s)

	accepted := inv.Accepted()
	require.NotNil(t, accepted)
	assert.Equal(t, StateRinging, s.State(), "Active только после подтверждения SDK")

	accepted.Listener().OnConnected(accepted)
	syncSession(t, s)

	assert.Equal(t, []callevent.Type{callevent.Ringing, callevent.Answer, callevent.Connected}, h.rec.types())
	assert.Equal(t, callevent.Incoming, h.rec.all()[0].Direction)
	assert.Equal(t, `{"k":"v"}`, h.rec.all()[0].CustomParams)
}

func TestSession_IncomingReject(t *testing.T) {
	h := newHarness(t)
	s, inv := h.startIncoming(t)

	s.Reject()
	syncSession(t, s)

	assert.Equal(t, 1, inv.Rejections())
	assert.Nil(t, inv.Accepted())
	assert.Equal(t, []callevent.Type{callevent.Ringing, callevent.Rejected, callevent.DisconnectedLocal}, h.rec.types())
	assert.True(t, h.registry.IsEmpty())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, telephony.CauseRejected, s.Cause())
}

func TestSession_HangupRingingIncomingRejects(t *testing.T) {
	h := newHarness(t)
	s, inv := h.startIncoming(t)

	s.Hangup()
	syncSession(t, s)

	assert.Equal(t, 1, inv.Rejections(), "сброс до ответа отклоняет приглашение")
	assert.True(t, h.registry.IsEmpty())
}

func TestSession_RemoteCancelIsMissed(t *testing.T) {
	h := newHarness(t)
	s, inv := h.startIncoming(t)
	conn := h.conn(t)

	s.RemoteCancel()
	syncSession(t, s)

	types := h.rec.types()
	assert.Equal(t, callevent.Missed, types[len(types)-1])
	assert.NotContains(t, types, callevent.DisconnectedLocal)
	assert.Equal(t, 0, inv.Rejections(), "локальных действий нет")
	assert.Equal(t, telephony.CauseMissed, conn.Cause())
	assert.True(t, conn.Destroyed())
	assert.True(t, h.registry.IsEmpty())
}

func TestSession_SingleTerminalEvent(t *testing.T) {
	h := newHarness(t)
	s, c := h.connectOutgoing(t)

	s.Hangup()
	s.Hangup()
	l := c.Listener()
	l.OnDisconnected(c, nil)
	l.OnDisconnected(c, &voicesdk.Error{Code: 31005, Message: "late"})
	l.OnConnectFailure(c, &voicesdk.Error{Code: 31000, Message: "late"})
	syncSession(t, s)

	assert.Equal(t, 1, c.Hangups())
	assert.Equal(t, 1, h.rec.terminalCount())
	types := h.rec.types()
	assert.Equal(t, callevent.DisconnectedLocal, types[len(types)-1])
	assert.True(t, h.registry.IsEmpty())
}

func TestSession_RemoteDisconnectAndFailure(t *testing.T) {
	t.Run("удаленный сброс", func(t *testing.T) {
		h := newHarness(t)
		s, c := h.connectOutgoing(t)
		c.Listener().OnDisconnected(c, nil)
		syncSession(t, s)
		types := h.rec.types()
		assert.Equal(t, callevent.DisconnectedRemote, types[len(types)-1])
		assert.Equal(t, telephony.CauseRemote, s.Cause())
	})

	t.Run("обрыв с ошибкой", func(t *testing.T) {
		h := newHarness(t)
		s, c := h.connectOutgoing(t)
		c.Listener().OnDisconnected(c, &voicesdk.Error{Code: 31003, Message: "Connection timeout"})
		syncSession(t, s)
		events := h.rec.all()
		last := events[len(events)-1]
		assert.Equal(t, callevent.ConnectFailure, last.Type)
		assert.Equal(t, 31003, last.Code)
		assert.Equal(t, "Connection timeout", last.Message)
	})
}

func TestSession_ConnectErrorTerminates(t *testing.T) {
	h := newHarness(t)
	h.sdk.ConnectErr = &voicesdk.Error{Code: 31201, Message: "Generic error"}

	s := NewOutgoing(h.deps, OutgoingParams{From: "client:bob", To: "client:alice"})
	require.NoError(t, h.registry.Register(s))
	err := s.StartOutgoing(context.Background())
	require.Error(t, err)
	assert.Equal(t, callerr.CodeSDKConnectFailure, callerr.GetErrorCode(err))

	events := h.rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, callevent.ConnectFailure, events[0].Type)
	assert.Equal(t, 31201, events[0].Code)
	assert.True(t, h.registry.IsEmpty())
	assert.Empty(t, h.fw.Connections())
}

func TestSession_OSAdmissionFailureIsSilent(t *testing.T) {
	h := newHarness(t)
	h.fw.SetAccountEnabled("acc", false)

	inv := voicesdktest.NewInvite("CA-in", "client:alice", "client:bob", nil)
	s := NewIncoming(h.deps, inv)
	require.NoError(t, h.registry.Register(s))

	err := s.StartIncoming(context.Background())
	require.Error(t, err)
	assert.Equal(t, callerr.CodeOSAdmissionFailed, callerr.GetErrorCode(err))
	assert.Empty(t, h.rec.all())
	assert.True(t, h.registry.IsEmpty())
	assert.True(t, s.Terminating())
}

func TestSession_StartWithExpiredContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := voicesdktest.NewInvite("CA-in", "client:alice", "client:bob", nil)
	in := NewIncoming(h.deps, inv)
	require.NoError(t, h.registry.Register(in))
	err := in.StartIncoming(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	out := NewOutgoing(h.deps, OutgoingParams{From: "client:bob", To: "client:alice"})
	require.NoError(t, h.registry.Register(out))
	err = out.StartOutgoing(ctx)
	require.Error(t, err)
	assert.Equal(t, callerr.CodeOSAdmissionFailed, callerr.GetErrorCode(err))

	assert.True(t, h.registry.IsEmpty())
	assert.Empty(t, h.fw.Connections())
	assert.Empty(t, h.sdk.Connects())
	assert.Empty(t, h.rec.all())
}

func TestSession_ReconnectingIsTransient(t *testing.T) {
	h := newHarness(t)
	s, c := h.connectOutgoing(t)
	h.rec.reset()

	c.Listener().OnReconnecting(c, &voicesdk.Error{Code: 53405, Message: "Media connection failed"})
	c.ForceHold(true)
	c.Listener().OnReconnected(c)
	syncSession(t, s)

	assert.Equal(t, []callevent.Type{callevent.Reconnecting, callevent.Reconnected, callevent.Hold}, h.rec.types())
	assert.Equal(t, 53405, h.rec.all()[0].Code)
	assert.Equal(t, StateHolding, s.State(), "удержание сверено с SDK")
	assert.Zero(t, h.rec.terminalCount())
}

func TestSession_RefusedHoldIsReverted(t *testing.T) {
	h := newHarness(t)
	s, c := h.connectOutgoing(t)
	h.rec.reset()

	s.ToggleHold(true)
	syncSession(t, s)
	require.Equal(t, StateHolding, s.State())

	// удаленная сторона отказала, SDK вернул прежнее значение
	c.ForceHold(false)
	s.OnHoldFailed(c, &voicesdk.Error{Code: 488, Message: "Not Acceptable Here"})
	syncSession(t, s)

	assert.Equal(t, StateActive, s.State())
	assert.False(t, s.IsOnHold())
	assert.Equal(t, []callevent.Type{callevent.Hold, callevent.Unhold}, h.rec.types())
}

func TestSession_InvalidCommandsAreNoops(t *testing.T) {
	h := newHarness(t)
	s, c := h.startOutgoing(t)

	s.Answer()
	s.Reject()
	s.SendDigits("123")
	s.ToggleHold(true)
	syncSession(t, s)

	assert.Empty(t, c.Digits())
	assert.Empty(t, c.Holds())
	assert.Equal(t, StateDialing, s.State())
	assert.Empty(t, h.rec.all())

	c.Listener().OnConnected(c)
	s.SendDigits("42")
	syncSession(t, s)
	assert.Equal(t, []string{"42"}, c.Digits())
}

func TestSession_DisconnectWatchdog(t *testing.T) {
	h := newHarness(t)
	h.deps.DisconnectTimeout = 20 * time.Millisecond
	s, c := h.connectOutgoing(t)

	s.Hangup()
	syncSession(t, s)
	assert.Equal(t, 1, c.Hangups())

	require.Eventually(t, func() bool { return h.registry.IsEmpty() }, time.Second, 5*time.Millisecond)
	types := h.rec.types()
	assert.Equal(t, callevent.DisconnectedLocal, types[len(types)-1])
	assert.Equal(t, 1, h.rec.terminalCount())
}

func TestSession_NativeCommandsThroughShim(t *testing.T) {
	h := newHarness(t)
	s, inv := h.startIncoming(t)

	require.True(t, h.fw.Answer("CA-in"))
	syncSession(t, s)
	accepted := inv.Accepted()
	require.NotNil(t, accepted)
	accepted.Listener().OnConnected(accepted)
	syncSession(t, s)

	require.True(t, h.fw.Dtmf("CA-in", "7"))
	require.True(t, h.fw.Hold("CA-in"))
	syncSession(t, s)
	assert.Equal(t, []string{"7"}, accepted.Digits())
	assert.Equal(t, StateHolding, s.State())

	require.True(t, h.fw.Disconnect("CA-in"))
	syncSession(t, s)
	assert.Equal(t, 1, accepted.Hangups())
}

func TestSession_SnapshotAfterTerminal(t *testing.T) {
	h := newHarness(t)
	s, c := h.connectOutgoing(t)
	c.Listener().OnDisconnected(c, nil)
	syncSession(t, s)

	// после завершения новые команды отбрасываются
	s.ToggleMute(true)
	syncSession(t, s)

	snap := s.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Equal(t, "CA-out", snap.SID)
	assert.False(t, snap.Muted)
}
