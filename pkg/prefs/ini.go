package prefs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

const (
	sectionGeneral = "general"
	sectionNames   = "names"
)

// IniPersister хранит настройки в ini файле
type IniPersister struct {
	path string
}

// NewIniPersister создает бэкенд; файл может не существовать
func NewIniPersister(path string) *IniPersister {
	return &IniPersister{path: path}
}

func (p *IniPersister) Load(_ context.Context) (Snapshot, error) {
	cfg, err := ini.LooseLoad(p.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("чтение %s: %w", p.path, err)
	}
	def := DefaultSnapshot()

	sec := cfg.Section(sectionGeneral)
	snap := Snapshot{
		DefaultCaller:        sec.Key("default_caller").MustString(def.DefaultCaller),
		ShowNotifications:    sec.Key("show_notifications").MustBool(def.ShowNotifications),
		RejectOnNoPermission: sec.Key("reject_on_no_permission").MustBool(def.RejectOnNoPermission),
		Names:                map[string]string{},
	}
	for _, key := range cfg.Section(sectionNames).Keys() {
		snap.Names[key.Name()] = key.Value()
	}
	return snap, nil
}

func (p *IniPersister) Save(_ context.Context, snap Snapshot) error {
	cfg := ini.Empty()

	sec := cfg.Section(sectionGeneral)
	sec.Key("default_caller").SetValue(snap.DefaultCaller)
	sec.Key("show_notifications").SetValue(fmt.Sprint(snap.ShowNotifications))
	sec.Key("reject_on_no_permission").SetValue(fmt.Sprint(snap.RejectOnNoPermission))

	names := cfg.Section(sectionNames)
	for id, name := range snap.Names {
		names.Key(id).SetValue(name)
	}

	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("создание каталога настроек: %w", err)
		}
	}
	// запись через временный файл, чтобы не оставить обрезанный ini
	tmp := p.path + ".tmp"
	if err := cfg.SaveTo(tmp); err != nil {
		return fmt.Errorf("запись %s: %w", tmp, err)
	}
	return os.Rename(tmp, p.path)
}
