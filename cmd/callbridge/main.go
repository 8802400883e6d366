// Команда callbridge запускает ядро звонков: SIP голосовой SDK, системную
// телефонию в процессе и websocket мост для приложения.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/callbridge/internal/config"
	"github.com/arzzra/callbridge/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(2)
	}

	logger, closer, err := logging.Setup(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка настройки журнала: %v\n", err)
		os.Exit(2)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("callbridge завершился с ошибкой", slog.Any("error", err))
		closer.Close()
		os.Exit(1)
	}
	logger.Info("callbridge остановлен")
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.sdk.ListenAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		slog.Info("Запуск моста приложения",
			slog.String("addr", cfg.Bridge.Addr),
			slog.String("path", cfg.Bridge.Path),
		)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ошибка HTTP сервера: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Bridge.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	return g.Wait()
}
