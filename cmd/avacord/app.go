package main

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avacord/internal/admin"
	"github.com/vyrodovalexey/avacord/internal/bot"
	"github.com/vyrodovalexey/avacord/internal/config"
	"github.com/vyrodovalexey/avacord/internal/gateway"
	"github.com/vyrodovalexey/avacord/internal/health"
	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/ratelimit"
	"github.com/vyrodovalexey/avacord/internal/ratelimit/store"
)

const (
	metricsNamespace = "avacord"
	// restQueueLimit degrades readiness while more REST calls wait.
	restQueueLimit = 500
)

// application holds the running components.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	store   store.Store
	checker *health.Checker
	bot     *bot.Bot
	admin   *admin.Server
}

// initApplication builds every component without connecting the gateway.
func initApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	app.metrics = observability.NewMetrics(metricsNamespace)
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracing := cfg.Observability.Tracing
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  tracing.ServiceName,
		OTLPEndpoint: tracing.OTLPEndpoint,
		SamplingRate: tracing.SamplingRate,
		Enabled:      tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	app.checker = health.NewChecker(version,
		health.WithLogger(logger),
		health.WithMetrics(health.NewMetrics(metricsNamespace, app.metrics.Registry())),
	)

	s, err := newIdentifyStore(ctx, cfg, logger, app.metrics)
	if err != nil {
		app.close(ctx)
		return nil, err
	}
	app.store = s
	if pinger, ok := s.(health.Pinger); ok {
		app.checker.Register("identify_store", health.PingCheck(pinger, health.StatusDegraded))
	}

	latency := ratelimit.NewLatencyTracker(append(cfg.LatencyOptions(),
		ratelimit.WithLatencyLogger(logger),
		ratelimit.WithLatencyMetrics(app.metrics),
	)...)

	b, err := bot.New(botConfig(cfg),
		bot.WithLogger(logger),
		bot.WithMetrics(app.metrics),
		bot.WithTracer(tracer),
		bot.WithLatencyTracker(latency),
		bot.WithIdentifyLimiter(gateway.NewStoreIdentifyLimiter(s, gateway.IdentifyInterval)),
	)
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	app.bot = b
	app.checker.Register("shards", health.ReadyCheck(b))
	app.checker.Register("rest_queue", health.ThresholdCheck("queued rest calls", func() float64 {
		return float64(b.REST().Pending())
	}, restQueueLimit))

	if cfg.Admin.Enabled {
		adminCfg := admin.DefaultConfig()
		adminCfg.Address = cfg.Admin.Address
		app.admin = admin.NewServer(adminCfg, b,
			admin.WithLogger(logger),
			admin.WithMetrics(app.metrics),
			admin.WithChecker(app.checker),
		)
	}

	return app, nil
}

// botConfig maps the file configuration onto the bot.
func botConfig(cfg *config.Config) bot.Config {
	bc := bot.DefaultConfig()
	bc.Token = cfg.Token
	bc.Intents = cfg.Intents
	bc.ShardCount = cfg.Shards.Count
	bc.FirstShardID = cfg.Shards.First
	bc.LastShardID = cfg.LastShard()
	bc.GatewayURL = cfg.Gateway.URL
	bc.Shard = cfg.ShardConfig()
	bc.REST = cfg.RESTClientConfig()
	bc.EventBuffer = cfg.Gateway.EventBuffer
	return bc
}

// newIdentifyStore opens the store coordinating identify windows.
func newIdentifyStore(
	ctx context.Context,
	cfg *config.Config,
	logger observability.Logger,
	metrics *observability.Metrics,
) (store.Store, error) {
	if cfg.Identify.Store != config.IdentifyStoreRedis {
		return store.NewMemoryStore(), nil
	}

	rc := store.DefaultRedisConfig()
	rc.Address = cfg.Identify.Redis.Address
	rc.Password = cfg.Identify.Redis.Password
	rc.DB = cfg.Identify.Redis.DB
	rc.Prefix = cfg.Identify.Redis.Prefix
	rc.Logger = logger
	rc.Registerer = metrics.Registry()

	s, err := store.NewRedisStore(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to open identify store: %w", err)
	}
	logger.Info("identify windows shared through redis",
		observability.String("address", rc.Address),
	)
	return s, nil
}

// close releases what was built. It is safe on a partial application.
func (app *application) close(ctx context.Context) {
	if app.admin != nil {
		if err := app.admin.Shutdown(ctx); err != nil {
			app.logger.Error("failed to stop admin server", observability.Error(err))
		}
	}
	if app.bot != nil {
		app.bot.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error("failed to close identify store", observability.Error(err))
		}
	}
	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}
}
