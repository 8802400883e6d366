// Package prefs хранит отображаемые имена и пользовательские настройки звонков.
//
// Store держит настройки в памяти и читается без обращения к бэкенду;
// каждое изменение сохраняется через Persister.
package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// Snapshot все настройки
type Snapshot struct {
	DefaultCaller        string
	Names                map[string]string
	ShowNotifications    bool
	RejectOnNoPermission bool
}

// DefaultSnapshot настройки по умолчанию
func DefaultSnapshot() Snapshot {
	return Snapshot{
		DefaultCaller:     "Unknown caller",
		Names:             map[string]string{},
		ShowNotifications: true,
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Names = maps.Clone(s.Names)
	if out.Names == nil {
		out.Names = map[string]string{}
	}
	return out
}

// Persister бэкенд хранения настроек
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Store настройки с кэшем в памяти
type Store struct {
	mu        sync.RWMutex
	snap      Snapshot
	persister Persister
	logger    *slog.Logger
}

// Open загружает настройки из бэкенда
func Open(ctx context.Context, p Persister) (*Store, error) {
	snap, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("загрузка настроек: %w", err)
	}
	return &Store{
		snap:      snap.clone(),
		persister: p,
		logger:    slog.Default().With(slog.String("component", "prefs")),
	}, nil
}

// NewMemory хранилище без бэкенда
func NewMemory() *Store {
	return &Store{
		snap:   DefaultSnapshot(),
		logger: slog.Default().With(slog.String("component", "prefs")),
	}
}

// Snapshot копия текущих настроек
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// update применяет изменение и сохраняет результат; при ошибке сохранения
// изменение в памяти откатывается
func (s *Store) update(ctx context.Context, change func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.clone()
	change(&s.snap)
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(ctx, s.snap.clone()); err != nil {
		s.snap = prev
		s.logger.Error("не удалось сохранить настройки", slog.String("error", err.Error()))
		return fmt.Errorf("сохранение настроек: %w", err)
	}
	return nil
}

func (s *Store) DefaultCaller() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.DefaultCaller
}

func (s *Store) SetDefaultCaller(ctx context.Context, name string) error {
	return s.update(ctx, func(snap *Snapshot) { snap.DefaultCaller = name })
}

// ResolveName отображаемое имя клиента по идентификатору
func (s *Store) ResolveName(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.snap.Names[id]
	return name, ok
}

func (s *Store) RegisterName(ctx context.Context, id, name string) error {
	return s.update(ctx, func(snap *Snapshot) { snap.Names[id] = name })
}

func (s *Store) UnregisterName(ctx context.Context, id string) error {
	return s.update(ctx, func(snap *Snapshot) { delete(snap.Names, id) })
}

func (s *Store) ShowNotifications() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.ShowNotifications
}

func (s *Store) SetShowNotifications(ctx context.Context, show bool) error {
	return s.update(ctx, func(snap *Snapshot) { snap.ShowNotifications = show })
}

// RejectOnNoPermission политика для входящих без разрешений: true отклоняет, false игнорирует
func (s *Store) RejectOnNoPermission() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.RejectOnNoPermission
}

func (s *Store) SetRejectOnNoPermission(ctx context.Context, reject bool) error {
	return s.update(ctx, func(snap *Snapshot) { snap.RejectOnNoPermission = reject })
}
