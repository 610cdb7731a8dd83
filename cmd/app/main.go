package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"latency_arb/internal/app"
	"latency_arb/internal/domain"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			slog.Error("❌ Invalid configuration", slog.String("field", cfgErr.Field), slog.Any("error", cfgErr.Err))
		} else {
			slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		}
		return 1
	}

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Start pipeline, pollers and feeds
	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("❌ Startup failed", slog.Any("error", err))
		stop()
		_ = bootstrap.Close(context.Background())
		return 1
	}

	slog.InfoContext(ctx, "✨ Latency arb fully operational. Press Ctrl+C to exit.")

	// 4. Wait for a signal or a fatal invariant violation
	code := 0
	select {
	case <-ctx.Done():
		slog.Info("👋 Shutting down gracefully...")
	case err := <-bootstrap.Pipeline.Fatal():
		slog.Error("💥 Fatal internal error, halting", slog.Any("error", err))
		code = 1
	}
	stop()

	// Cancel-all failures are logged; they do not change the exit code.
	if err := bootstrap.Close(context.Background()); err != nil {
		slog.Warn("Shutdown finished with errors", slog.Any("error", err))
	}
	return code
}
