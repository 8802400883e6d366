package call

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Lifeline ресурс, удерживающий процесс способным обслуживать звонки.
// Захватывается с первой сессией и освобождается, когда реестр пустеет.
type Lifeline interface {
	Acquire()
	Release()
}

// LifelineFuncs адаптер пары функций к Lifeline
type LifelineFuncs struct {
	OnAcquire func()
	OnRelease func()
}

func (l LifelineFuncs) Acquire() {
	if l.OnAcquire != nil {
		l.OnAcquire()
	}
}

func (l LifelineFuncs) Release() {
	if l.OnRelease != nil {
		l.OnRelease()
	}
}

// Registry реестр сессий звонков. Вставка, удаление и смена ключа
// сериализованы мьютексом жизненного цикла; чтение идет по шардам.
type Registry struct {
	sessions *shardedSessions

	aliasMu sync.RWMutex
	aliases map[string]string // временный id -> авторитетный

	lifeMu   sync.Mutex
	keys     map[*Session]string
	lifeline Lifeline
	held     bool

	logger *slog.Logger
}

// NewRegistry создает реестр; lifeline может быть nil
func NewRegistry(lifeline Lifeline) *Registry {
	return &Registry{
		sessions: newShardedSessions(),
		aliases:  make(map[string]string),
		keys:     make(map[*Session]string),
		lifeline: lifeline,
		logger:   slog.Default().With(slog.String("component", "registry")),
	}
}

// Register вставляет сессию под ее текущим id. Если та же сессия уже
// зарегистрирована под другим ключом, выполняется смена ключа.
func (r *Registry) Register(s *Session) error {
	id := s.ID()

	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if oldID, ok := r.keys[s]; ok {
		if oldID == id {
			return nil
		}
		return r.rekeyLocked(s, oldID, id)
	}

	if !r.sessions.putIfAbsent(id, s) {
		return fmt.Errorf("сессия с id %s уже зарегистрирована", id)
	}
	r.keys[s] = id
	if !r.held && r.lifeline != nil {
		r.lifeline.Acquire()
		r.held = true
	}
	r.logger.Debug("сессия зарегистрирована", slog.String("call_id", id))
	return nil
}

// Rekey заменяет временный id авторитетным. Старый id остается алиасом.
func (r *Registry) Rekey(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	s, ok := r.sessions.get(oldID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена для смены ключа", oldID)
	}
	return r.rekeyLocked(s, oldID, newID)
}

func (r *Registry) rekeyLocked(s *Session, oldID, newID string) error {
	moved := r.sessions.move(oldID, newID, func() {
		r.aliasMu.Lock()
		r.aliases[oldID] = newID
		r.aliasMu.Unlock()
	})
	if !moved {
		return fmt.Errorf("не удалось сменить ключ %s -> %s", oldID, newID)
	}
	r.keys[s] = newID
	r.logger.Debug("ключ сессии заменен", slog.String("old_id", oldID), slog.String("call_id", newID))
	return nil
}

// Unregister удаляет сессию; повторный вызов ничего не делает.
// Когда реестр пустеет, lifeline освобождается.
func (r *Registry) Unregister(id string) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	id = r.resolve(id)
	s, ok := r.sessions.delete(id)
	if !ok {
		return
	}
	delete(r.keys, s)

	r.aliasMu.Lock()
	for alias, target := range r.aliases {
		if target == id {
			delete(r.aliases, alias)
		}
	}
	r.aliasMu.Unlock()

	r.logger.Debug("сессия удалена из реестра", slog.String("call_id", id))

	// КРИТИЧНО: пустота перепроверяется под тем же мьютексом, под которым регистрируются новые сессии
	if r.held && r.sessions.count() == 0 {
		r.held = false
		if r.lifeline != nil {
			r.lifeline.Release()
		}
	}
}

func (r *Registry) resolve(id string) string {
	r.aliasMu.RLock()
	defer r.aliasMu.RUnlock()
	if target, ok := r.aliases[id]; ok {
		return target
	}
	return id
}

// Get ищет сессию по id или по бывшему временному id
func (r *Registry) Get(id string) (*Session, bool) {
	if s, ok := r.sessions.get(id); ok {
		return s, true
	}
	if target := r.resolve(id); target != id {
		return r.sessions.get(target)
	}
	return nil, false
}

// lookupPriority приоритет состояния при выборе сессии по умолчанию
var lookupPriority = map[State]int{
	StateActive:       4,
	StateHolding:      3,
	StateRinging:      2,
	StateDialing:      2,
	StateInitializing: 1,
}

// LookupActive возвращает сессию по умолчанию для команд:
// Active, затем Holding, затем Ringing/Dialing, затем Initializing
func (r *Registry) LookupActive() (*Session, bool) {
	var best *Session
	bestPrio := 0
	for _, s := range r.live() {
		prio := lookupPriority[s.State()]
		if prio > bestPrio {
			best, bestPrio = s, prio
		}
	}
	return best, best != nil
}

// LookupIncoming первая входящая сессия в состоянии Ringing
func (r *Registry) LookupIncoming() (*Session, bool) {
	for _, s := range r.live() {
		if s.Direction() == Incoming && s.State() == StateRinging {
			return s, true
		}
	}
	return nil, false
}

// live снимок сессий без начавших завершение, в порядке создания
func (r *Registry) live() []*Session {
	all := r.sessions.snapshot()
	out := all[:0]
	for _, s := range all {
		if !s.Terminating() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Snapshot снимки всех живых сессий
func (r *Registry) Snapshot() []Snapshot {
	live := r.live()
	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}

// IsEmpty пуст ли реестр
func (r *Registry) IsEmpty() bool {
	return r.sessions.count() == 0
}

// Len количество зарегистрированных сессий
func (r *Registry) Len() int {
	return r.sessions.count()
}
