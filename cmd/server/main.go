package main

import (
	"context"
	"log/slog"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/thereceipt/order-print-agent/internal/api"
	"github.com/thereceipt/order-print-agent/internal/config"
)

// Version is set during build via ldflags
var Version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := api.NewLogger(cfg.Log)

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l.With("component", "fx")}
		}),
		Module,
	)

	if err := app.Start(context.Background()); err != nil {
		logger.Error("failed to start print agent", "error", err)
		os.Exit(1)
	}

	sig := <-app.Wait()

	if err := app.Stop(context.Background()); err != nil {
		logger.Error("failed to stop print agent cleanly", "error", err)
	}

	logger.Info("print agent stopped")
	os.Exit(sig.ExitCode)
}
