package prefs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisPersister хранит настройки в двух хешах: общие поля и реестр имен
type RedisPersister struct {
	client *redis.Client
	prefix string
}

// NewRedisPersister создает бэкенд поверх клиента; prefix отделяет ключи установки
func NewRedisPersister(client *redis.Client, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = "callbridge"
	}
	return &RedisPersister{client: client, prefix: prefix}
}

func (p *RedisPersister) generalKey() string { return p.prefix + ":prefs" }
func (p *RedisPersister) namesKey() string { return p.prefix + ":names" }

func (p *RedisPersister) Load(ctx context.Context) (Snapshot, error) {
	snap := DefaultSnapshot()

	general, err := p.client.HGetAll(ctx, p.generalKey()).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("чтение настроек из redis: %w", err)
	}
	if v, ok := general["default_caller"]; ok {
		snap.DefaultCaller = v
	}
	if v, ok := general["show_notifications"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			snap.ShowNotifications = b
		}
	}
	if v, ok := general["reject_on_no_permission"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			snap.RejectOnNoPermission = b
		}
	}

	names, err := p.client.HGetAll(ctx, p.namesKey()).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("чтение имен из redis: %w", err)
	}
	snap.Names = names
	return snap, nil
}

func (p *RedisPersister) Save(ctx context.Context, snap Snapshot) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.generalKey(),
			"default_caller", snap.DefaultCaller,
			"show_notifications", strconv.FormatBool(snap.ShowNotifications),
			"reject_on_no_permission", strconv.FormatBool(snap.RejectOnNoPermission),
		)
		pipe.Del(ctx, p.namesKey())
		if len(snap.Names) > 0 {
			values := make([]interface{}, 0, len(snap.Names)*2)
			for id, name := range snap.Names {
				values = append(values, id, name)
			}
			pipe.HSet(ctx, p.namesKey(), values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("сохранение настроек в redis: %w", err)
	}
	return nil
}
