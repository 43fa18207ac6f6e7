package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raterudder/solaredge/pkg/cycle"
	"github.com/raterudder/solaredge/pkg/flow"
	"github.com/raterudder/solaredge/pkg/hass"
	"github.com/raterudder/solaredge/pkg/log"
	"github.com/raterudder/solaredge/pkg/solaredge"
	"github.com/raterudder/solaredge/pkg/storage"
	"github.com/raterudder/solaredge/pkg/telemetry"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	cfg := cycle.Configured()
	client := solaredge.Configured()
	fc := flow.Configured()
	s := storage.Configured()
	h := hass.Configured()
	pusher := telemetry.Configured()

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// every path below ends the process with 0, failures are only logged
	interpreter, err := fc.Interpreter()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid flow conventions", slog.Any("error", err))
		return
	}

	store, err := s.Open(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to open state store", slog.Any("error", err))
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close state store", slog.Any("error", err))
		}
	}()

	var opts []cycle.Option
	if h.Enabled() {
		conn, err := h.Connect(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "home assistant mirror disabled", slog.Any("error", err))
		} else {
			defer func() {
				if err := conn.Close(5 * time.Second); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "failed to disconnect from mqtt broker", slog.Any("error", err))
				}
			}()
			opts = append(opts, cycle.WithMirror(hass.NewMirror(conn, h.Prefix)))
		}
	}

	runner := cycle.NewRunner(*cfg, client, interpreter, store, opts...)
	out := runner.Run(ctx)

	if pusher.Enabled() {
		pushCtx, pushCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer pushCancel()
		if err := pusher.Push(pushCtx, runner.Recorder(), cfg.SiteID, cfg.Instance); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to push telemetry", slog.Any("error", err))
		}
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"exiting",
		slog.String("status", string(out.Status)),
		slog.String("cycleID", out.CycleID),
	)
}
