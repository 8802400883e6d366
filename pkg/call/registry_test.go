package call

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStateSession создает сессию и принудительно ставит состояние автомата
func newStateSession(t *testing.T, id string, dir Direction, state State) *Session {
	t.Helper()
	s := newSession(Deps{}, dir, id, false, "client:alice", "client:bob", nil)
	s.machine.SetState(string(state))
	return s
}

func TestRegistry_LookupPriority(t *testing.T) {
	tests := []struct {
		name       string
		sessions   []*Session
		wantActive string
		wantIn     string
	}{
		{
			name:       "пустой реестр",
			sessions:   nil,
			wantActive: "",
			wantIn:     "",
		},
		{
			name: "Active важнее Holding и Ringing",
			sessions: []*Session{
				newStateSession(t, "ring", Incoming, StateRinging),
				newStateSession(t, "hold", Outgoing, StateHolding),
				newStateSession(t, "act", Outgoing, StateActive),
			},
			wantActive: "act",
			wantIn:     "ring",
		},
		{
			name: "Holding важнее Dialing",
			sessions: []*Session{
				newStateSession(t, "dial", Outgoing, StateDialing),
				newStateSession(t, "hold", Incoming, StateHolding),
			},
			wantActive: "hold",
			wantIn:     "",
		},
		{
			name: "Initializing как последний вариант",
			sessions: []*Session{
				newStateSession(t, "init", Outgoing, StateInitializing),
			},
			wantActive: "init",
			wantIn:     "",
		},
		{
			name: "исходящий Ringing не входящий",
			sessions: []*Session{
				newStateSession(t, "out", Outgoing, StateRinging),
			},
			wantActive: "out",
			wantIn:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil)
			for _, s := range tt.sessions {
				require.NoError(t, r.Register(s))
			}

			active, ok := r.LookupActive()
			if tt.wantActive == "" {
				assert.False(t, ok)
			} else {
				require.True(t, ok)
				assert.Equal(t, tt.wantActive, active.ID())
			}

			incoming, ok := r.LookupIncoming()
			if tt.wantIn == "" {
				assert.False(t, ok)
			} else {
				require.True(t, ok)
				assert.Equal(t, tt.wantIn, incoming.ID())
			}
		})
	}
}

func TestRegistry_TerminatingSessionsHidden(t *testing.T) {
	r := NewRegistry(nil)
	s := newStateSession(t, "CA1", Incoming, StateRinging)
	require.NoError(t, r.Register(s))

	s.terminating.Store(true)

	_, ok := r.LookupActive()
	assert.False(t, ok, "завершающаяся сессия не возвращается")
	_, ok = r.LookupIncoming()
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 1, r.Len(), "до Unregister сессия все еще в реестре")
}

func TestRegistry_RekeyKeepsAlias(t *testing.T) {
	r := NewRegistry(nil)
	s := newStateSession(t, "tmp-1", Outgoing, StateDialing)
	require.NoError(t, r.Register(s))

	require.NoError(t, r.Rekey("tmp-1", "CA1"))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("CA1")
	require.True(t, ok)
	assert.Same(t, s, got)

	got, ok = r.Get("tmp-1")
	require.True(t, ok, "временный id остается алиасом")
	assert.Same(t, s, got)

	assert.Error(t, r.Rekey("tmp-1", "CA2"), "ключ меняется не более одного раза")

	r.Unregister("tmp-1")
	assert.True(t, r.IsEmpty())
	_, ok = r.Get("tmp-1")
	assert.False(t, ok)
}

func TestRegistry_RegisterRekeysSameSession(t *testing.T) {
	r := NewRegistry(nil)
	s := newStateSession(t, "tmp-1", Outgoing, StateDialing)
	require.NoError(t, r.Register(s))
	require.NoError(t, r.Register(s), "повторная регистрация под тем же id безопасна")

	s.mu.Lock()
	s.id = "CA9"
	s.mu.Unlock()
	require.NoError(t, r.Register(s))

	_, ok := r.Get("CA9")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())

	other := newStateSession(t, "CA9", Incoming, StateRinging)
	assert.Error(t, r.Register(other), "чужая сессия под занятым id")
}

func TestRegistry_UnregisterIdempotentAndLifeline(t *testing.T) {
	var acquired, released atomic.Int32
	r := NewRegistry(LifelineFuncs{
		OnAcquire: func() { acquired.Add(1) },
		OnRelease: func() { released.Add(1) },
	})

	a := newStateSession(t, "A", Incoming, StateRinging)
	b := newStateSession(t, "B", Outgoing, StateActive)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.Equal(t, int32(1), acquired.Load(), "захват только при переходе из пустого")

	r.Unregister("A")
	r.Unregister("A")
	assert.Equal(t, int32(0), released.Load())

	r.Unregister("B")
	assert.Equal(t, int32(1), released.Load())
	assert.True(t, r.IsEmpty())

	r.Unregister("missing")
	assert.Equal(t, int32(1), released.Load())

	require.NoError(t, r.Register(newStateSession(t, "C", Incoming, StateRinging)))
	assert.Equal(t, int32(2), acquired.Load())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	var held atomic.Int32
	r := NewRegistry(LifelineFuncs{
		OnAcquire: func() { held.Add(1) },
		OnRelease: func() { held.Add(-1) },
	})

	const workers = 16
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("tmp-%d-%d", w, i)
				s := newStateSession(t, id, Outgoing, StateActive)
				if err := r.Register(s); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				if err := r.Rekey(id, "CA-"+id); err != nil {
					t.Errorf("rekey: %v", err)
					return
				}
				r.LookupActive()
				r.LookupIncoming()
				if _, ok := r.Get(id); !ok {
					t.Errorf("сессия %s потеряна после смены ключа", id)
				}
				r.Unregister("CA-" + id)
			}
		}(w)
	}
	wg.Wait()

	assert.True(t, r.IsEmpty())
	assert.Equal(t, int32(0), held.Load(), "lifeline освобожден ровно столько раз, сколько захвачен")
}
