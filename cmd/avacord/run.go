package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avacord/internal/config"
	"github.com/vyrodovalexey/avacord/internal/gateway"
	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/util"
)

const shutdownTimeout = 30 * time.Second

// run starts the application and blocks until a signal arrives or a shard
// fails fatally.
func run(path string, cfg *config.Config, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.close(shutdownCtx)
	}()

	if app.admin != nil {
		if err := app.admin.Start(); err != nil {
			return err
		}
	}
	if err := app.bot.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bot: %w", err)
	}

	watcher, err := config.NewWatcher(path, app.applyConfig, config.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("configuration hot reload disabled", observability.Error(err))
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	fatal := make(chan error, 1)
	go logEvents(app.bot.Events(), logger, fatal)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		return nil
	case err := <-fatal:
		return err
	}
}

// logEvents logs the merged shard events. The first fatal error is sent to
// fatal.
func logEvents(events <-chan gateway.Event, logger observability.Logger, fatal chan<- error) {
	for ev := range events {
		shard := observability.ShardID(ev.ShardID())
		switch e := ev.(type) {
		case *gateway.ReadyEvent:
			logger.Info("shard ready", shard, observability.String("session_id", e.SessionID))
		case *gateway.ResumedEvent:
			logger.Info("shard resumed", shard, observability.Int("replayed", e.Replayed))
		case *gateway.ClosedEvent:
			logger.Warn("shard connection closed", shard,
				observability.Int("code", e.Code),
				observability.String("reason", e.Reason),
				observability.Bool("reconnecting", e.Reconnecting),
			)
		case *gateway.ErrorEvent:
			if !e.Fatal {
				logger.Warn("shard error", shard, observability.Error(e.Err))
				continue
			}
			if util.IsFatal(e.Err) {
				// Reconnecting cannot help until the token or intents change.
				logger.Error("shard rejected by gateway", shard, observability.Error(e.Err))
			} else {
				logger.Error("shard stopped", shard, observability.Error(e.Err))
			}
			select {
			case fatal <- fmt.Errorf("shard %d: %w", e.Shard, e.Err):
			default:
			}
		case *gateway.DispatchEvent:
			logger.Debug("dispatch", shard,
				observability.String(observability.FieldEvent, e.Name),
				observability.Uint64(observability.FieldSequence, e.Seq),
			)
		}
	}
}

// applyConfig applies the settings that can change without restarting:
// the log level and the presence.
func (app *application) applyConfig(cfg *config.Config) {
	if setter, ok := app.logger.(observability.LevelSetter); ok {
		if err := setter.SetLevel(cfg.Observability.Logging.Level); err != nil {
			app.logger.Warn("invalid log level in reloaded configuration", observability.Error(err))
		}
	}

	if presenceChanged(app.cfg, cfg) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.bot.UpdateStatus(ctx, *cfg.GatewayPresence()); err != nil {
			app.logger.Warn("failed to update presence", observability.Error(err))
		}
	}
	app.cfg = cfg
}

func presenceChanged(old, updated *config.Config) bool {
	a, b := old.Gateway.Presence, updated.Gateway.Presence
	if a.Status != b.Status || a.AFK != b.AFK || len(a.Activities) != len(b.Activities) {
		return true
	}
	for i := range a.Activities {
		if a.Activities[i] != b.Activities[i] {
			return true
		}
	}
	return false
}
