package callevent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callbridge/pkg/telephony"
)

type stubNames struct {
	names map[string]string
	def   string
}

func (s stubNames) ResolveName(id string) (string, bool) {
	name, ok := s.names[id]
	return name, ok
}

func (s stubNames) DefaultCaller() string { return s.def }

func TestType_Terminal(t *testing.T) {
	terminal := []Type{ConnectFailure, DisconnectedLocal, DisconnectedRemote, Missed}
	for _, tt := range terminal {
		assert.True(t, tt.Terminal(), "%s должен быть терминальным", tt)
	}
	transient := []Type{Ringing, Connected, Reconnecting, Reconnected, Answer, Rejected, Hold, Unhold, AudioStateChanged, IncomingCallIgnored}
	for _, tt := range transient {
		assert.False(t, tt.Terminal(), "%s не должен быть терминальным", tt)
	}
}

func TestTerminalForDisconnect(t *testing.T) {
	tests := []struct {
		name     string
		local    bool
		hasError bool
		want     Type
		cause    telephony.DisconnectCause
	}{
		{"локальный сброс", true, false, DisconnectedLocal, telephony.CauseLocal},
		{"локальный сброс с ошибкой", true, true, DisconnectedLocal, telephony.CauseLocal},
		{"ошибка сети", false, true, ConnectFailure, telephony.CauseError},
		{"удаленный сброс", false, false, DisconnectedRemote, telephony.CauseRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cause := TerminalForDisconnect(tt.local, tt.hasError)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.cause, cause)
		})
	}
}

func TestNormalizer_ResolveParty(t *testing.T) {
	n := NewNormalizer(stubNames{
		names: map[string]string{"bob": "Bob Smith"},
		def:   "Unknown caller",
	})

	tests := []struct {
		name     string
		raw      string
		explicit string
		want     string
	}{
		{"явное имя", "client:bob", "Robert", "Robert"},
		{"клиент из реестра", "client:bob", "", "Bob Smith"},
		{"неизвестный клиент", "client:alice", "", "Unknown caller"},
		{"номер телефона", "+15551230000", "", "+15551230000"},
		{"SIP URI из реестра", "sip:bob@example.com", "", "Bob Smith"},
		{"SIP URI с номером", "sip:+15551230000@example.com", "", "+15551230000"},
		{"произвольный адрес", "operator", "", "operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.ResolveParty(tt.raw, tt.explicit))
		})
	}
}

func TestNormalizer_Build(t *testing.T) {
	n := NewNormalizer(nil)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	src := Source{
		CallID:    "CA123",
		From:      "client:bob",
		To:        "+15551230000",
		Direction: Outgoing,
		Params:    map[string]string{"z": "1", "a": "2"},
	}
	ev := n.Build(ConnectFailure, src, WithFailure(31005, "Connection error"), WithReason("network"))

	assert.Equal(t, ConnectFailure, ev.Type)
	assert.Equal(t, "CA123", ev.CallID)
	assert.Equal(t, "bob", ev.From)
	assert.Equal(t, "+15551230000", ev.To)
	assert.Equal(t, Outgoing, ev.Direction)
	assert.Equal(t, `{"a":"2","z":"1"}`, ev.CustomParams)
	assert.Equal(t, 31005, ev.Code)
	assert.Equal(t, "Connection error", ev.Message)
	assert.Equal(t, "network", ev.Reason)
	assert.Equal(t, fixed, ev.Timestamp)
	assert.Nil(t, ev.Audio)

	audio := n.Build(AudioStateChanged, src, WithAudio(telephony.AudioState{Muted: true, Route: telephony.RouteSpeaker}))
	require.NotNil(t, audio.Audio)
	assert.True(t, audio.Audio.Muted)
	assert.Equal(t, telephony.RouteSpeaker, audio.Audio.Route)
}

func TestSerializeParams_Empty(t *testing.T) {
	assert.Equal(t, "{}", SerializeParams(nil))
	assert.Equal(t, "{}", SerializeParams(map[string]string{}))
}

func TestEmitter_SingleSubscriber(t *testing.T) {
	e := NewEmitter()
	assert.False(t, e.HasSubscriber())

	// без подписчика Emit ничего не делает
	e.Emit(Event{Type: Ringing})

	var mu sync.Mutex
	var first, second []Type
	cancelFirst := e.Subscribe(SubscriberFunc(func(ev Event) {
		mu.Lock()
		first = append(first, ev.Type)
		mu.Unlock()
	}))
	e.Emit(Event{Type: Ringing})

	cancelSecond := e.Subscribe(SubscriberFunc(func(ev Event) {
		mu.Lock()
		second = append(second, ev.Type)
		mu.Unlock()
	}))
	e.Emit(Event{Type: Connected})

	// отмена вытесненного подписчика не освобождает слот
	cancelFirst()
	assert.True(t, e.HasSubscriber())
	e.Emit(Event{Type: Hold})

	cancelSecond()
	assert.False(t, e.HasSubscriber())
	e.Emit(Event{Type: Unhold})

	assert.Equal(t, []Type{Ringing}, first)
	assert.Equal(t, []Type{Connected, Hold}, second)
}
