// Command flowengine runs the CDC sync engine: plugin registry, config
// store, flow orchestrator, and HTTP control plane in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brackenfield/flowgate/internal/app"
	"github.com/brackenfield/flowgate/internal/config"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 plugin registration
// error, 64 invalid invocation.
const (
	exitOK          = 0
	exitConfigError = 1
	exitPluginError = 2
	exitInvalidArgs = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 {
		fmt.Fprintf(os.Stderr, "usage: %s (no arguments; configure via environment variables)\n", os.Args[0])
		return exitInvalidArgs
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("flowengine stopped", "error", err)
		if errors.Is(err, app.ErrPluginRegistration) {
			return exitPluginError
		}
		return exitConfigError
	}
	return exitOK
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
