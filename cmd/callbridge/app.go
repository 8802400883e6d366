package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/arzzra/callbridge/internal/config"
	"github.com/arzzra/callbridge/pkg/admission"
	"github.com/arzzra/callbridge/pkg/bridge"
	"github.com/arzzra/callbridge/pkg/call"
	"github.com/arzzra/callbridge/pkg/callevent"
	"github.com/arzzra/callbridge/pkg/dispatch"
	"github.com/arzzra/callbridge/pkg/metrics"
	"github.com/arzzra/callbridge/pkg/prefs"
	"github.com/arzzra/callbridge/pkg/telephony/softtel"
	"github.com/arzzra/callbridge/pkg/voicesdk/sipvoice"
)

// app собранные компоненты процесса
type app struct {
	sdk        *sipvoice.SDK
	bridge     *bridge.Server
	http       *http.Server
	dispatcher *dispatch.Dispatcher
	registry   *call.Registry
	redis      *redis.Client
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	collector := metrics.New(metrics.DefaultConfig())

	store, rdb, err := openPrefs(ctx, cfg)
	if err != nil {
		return nil, err
	}

	perms := make([]softtel.Permission, 0, len(cfg.Call.Permissions))
	for _, p := range cfg.Call.Permissions {
		perms = append(perms, softtel.Permission(p))
	}
	fw := softtel.New(softtel.WithPermissions(perms...))
	if cfg.Call.RegisterAccount {
		if err := fw.RegisterAccount(ctx, dispatch.DefaultAccount()); err != nil {
			return nil, fmt.Errorf("ошибка регистрации аккаунта телефонии: %w", err)
		}
	}

	sdk, err := sipvoice.New(sipvoice.Config{
		Host:           cfg.SIP.Host,
		Port:           cfg.SIP.Port,
		Transport:      cfg.SIP.Transport,
		Proxy:          cfg.SIP.Proxy,
		Username:       cfg.SIP.Username,
		UserAgent:      cfg.SIP.UserAgent,
		MediaPort:      cfg.SIP.MediaPort,
		RegisterExpiry: cfg.SIP.RegisterExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания SIP агента: %w", err)
	}

	emitter := callevent.NewEmitter()
	registry := call.NewRegistry(lifeline(slog.Default()))
	ctrl := admission.New(call.Deps{
		Registry:          registry,
		Framework:         fw,
		SDK:               sdk,
		Normalizer:        callevent.NewNormalizer(store),
		Emitter:           emitter,
		Metrics:           collector,
		DisconnectTimeout: cfg.Call.DisconnectTimeout,
	}, store, admission.WithTimeout(cfg.Call.AdmissionTimeout))
	sdk.SetInviteHandler(ctrl)

	d := dispatch.New(dispatch.Config{
		Admission: ctrl,
		Framework: fw,
		SDK:       sdk,
		Prefs:     store,
		Metrics:   collector,
	})

	var opts []bridge.Option
	if cfg.AMQP.URL != "" {
		mirror, err := bridge.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			sdk.Close()
			return nil, err
		}
		opts = append(opts, bridge.WithMirror(mirror))
	}
	srv := bridge.NewServer(d, emitter, opts...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Bridge.Path, srv)
	mux.Handle(cfg.Bridge.MetricsPath, collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	slog.Info("компоненты собраны",
		slog.String("prefs", cfg.Prefs.Backend),
		slog.Int("commands", len(d.Methods())),
		slog.Bool("amqp_mirror", cfg.AMQP.URL != ""),
	)

	return &app{
		sdk:        sdk,
		bridge:     srv,
		http:       &http.Server{Addr: cfg.Bridge.Addr, Handler: mux},
		dispatcher: d,
		registry:   registry,
		redis:      rdb,
	}, nil
}

// openPrefs открывает хранилище настроек выбранного бэкенда
func openPrefs(ctx context.Context, cfg *config.Config) (*prefs.Store, *redis.Client, error) {
	switch cfg.Prefs.Backend {
	case config.PrefsIni:
		store, err := prefs.Open(ctx, prefs.NewIniPersister(cfg.Prefs.File))
		return store, nil, err
	case config.PrefsRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis недоступен: %w", err)
		}
		store, err := prefs.Open(ctx, prefs.NewRedisPersister(rdb, cfg.Redis.Prefix))
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		return store, rdb, nil
	}
	return prefs.NewMemory(), nil, nil
}

// lifeline отмечает в журнале, когда процесс держит активные звонки
func lifeline(logger *slog.Logger) call.Lifeline {
	return call.LifelineFuncs{
		OnAcquire: func() { logger.Info("есть активные звонки, процесс удерживается") },
		OnRelease: func() { logger.Info("активных звонков нет") },
	}
}

// shutdown останавливает прием запросов; активные звонки завершаются
func (a *app) shutdown(ctx context.Context) error {
	for _, snap := range a.registry.Snapshot() {
		if s, ok := a.registry.Get(snap.CallID); ok {
			s.Hangup()
		}
	}
	err := a.http.Shutdown(ctx)
	if cerr := a.bridge.Close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ошибка остановки: %w", err)
	}
	return nil
}

func (a *app) close() {
	if err := a.sdk.Close(); err != nil {
		slog.Warn("Ошибка закрытия SIP агента", slog.Any("error", err))
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
