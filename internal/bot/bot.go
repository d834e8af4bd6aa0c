// Package bot ties the REST client and the gateway shards together: it
// bootstraps through GET /gateway/bot, spawns the shard range through one
// connect queue and merges the shard event streams.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/avacord/internal/gateway"
	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/ratelimit"
	"github.com/vyrodovalexey/avacord/internal/rest"
	"github.com/vyrodovalexey/avacord/internal/util"
)

// ErrSessionStartLimit is returned by Start when the token has no identifies
// left.
var ErrSessionStartLimit = errors.New("session start limit exhausted")

// Config configures a Bot.
type Config struct {
	Token   string
	Intents int

	// ShardCount is the total number of shards. Zero uses the recommended
	// count.
	ShardCount   int
	FirstShardID int
	// LastShardID is the last shard run by this process. A negative value
	// means the last shard.
	LastShardID int

	// GatewayURL overrides the bootstrap gateway URL.
	GatewayURL string

	// Shard is the template for every shard. ID, Count, Token, Intents and
	// GatewayURL are set by the bot.
	Shard gateway.ShardConfig
	REST  rest.Config

	EventBuffer int

	// IdentifyInterval is the minimum gap between two identifies of this
	// bot. Zero uses gateway.IdentifyInterval.
	IdentifyInterval time.Duration
}

// DefaultConfig returns a configuration running every shard.
func DefaultConfig() Config {
	return Config{
		LastShardID: -1,
		EventBuffer: gateway.DefaultEventBuffer,
	}
}

// ShardInfo describes one shard for status reporting.
type ShardInfo struct {
	gateway.SessionState
	Latency time.Duration
}

// Bot runs a range of shards and a REST client sharing one token.
type Bot struct {
	cfg     Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	dialer  gateway.Dialer
	limiter gateway.IdentifyLimiter
	latency *ratelimit.LatencyTracker

	rest  *rest.Client
	queue *gateway.ConnectQueue

	mu      sync.RWMutex
	shards  []*gateway.Shard
	started bool
	closed  bool

	events chan gateway.Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Bot) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bot) {
		b.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(b *Bot) {
		b.tracer = t
	}
}

// WithDialer sets the gateway dialer.
func WithDialer(d gateway.Dialer) Option {
	return func(b *Bot) {
		b.dialer = d
	}
}

// WithIdentifyLimiter sets the limiter pacing identifies.
func WithIdentifyLimiter(l gateway.IdentifyLimiter) Option {
	return func(b *Bot) {
		b.limiter = l
	}
}

// WithLatencyTracker sets the REST latency tracker.
func WithLatencyTracker(t *ratelimit.LatencyTracker) Option {
	return func(b *Bot) {
		b.latency = t
	}
}

// New creates a bot. Nothing connects until Start.
func New(cfg Config, opts ...Option) (*Bot, error) {
	if cfg.Token == "" {
		return nil, util.NewConfigError("token", "is required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = gateway.DefaultEventBuffer
	}
	if cfg.IdentifyInterval <= 0 {
		cfg.IdentifyInterval = gateway.IdentifyInterval
	}

	b := &Bot{
		cfg:    cfg,
		logger: observability.NopLogger(),
		events: make(chan gateway.Event, cfg.EventBuffer),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dialer == nil {
		timeout := cfg.Shard.ConnectionTimeout
		if timeout <= 0 {
			timeout = gateway.DefaultConnectionTimeout
		}
		d := gateway.NewWebsocketDialer(timeout)
		d.Logger = b.logger
		b.dialer = d
	}

	restCfg := cfg.REST
	if restCfg.Token == "" {
		restCfg.Token = cfg.Token
	}
	restOpts := []rest.Option{
		rest.WithLogger(b.logger),
		rest.WithMetrics(b.metrics),
		rest.WithTracer(b.tracer),
	}
	if b.latency != nil {
		restOpts = append(restOpts, rest.WithLatencyTracker(b.latency))
	}
	client, err := rest.NewClient(restCfg, restOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rest client: %w", err)
	}
	b.rest = client

	if b.limiter == nil {
		b.limiter = gateway.NewLocalIdentifyLimiter(cfg.IdentifyInterval)
	}
	queueOpts := []gateway.QueueOption{
		gateway.WithIdentifyLimiter(b.limiter),
		gateway.WithIdentifySpacing(cfg.IdentifyInterval),
		gateway.WithQueueLogger(b.logger),
		gateway.WithQueueMetrics(b.metrics),
		gateway.WithQueueTracer(b.tracer),
	}
	b.queue = gateway.NewConnectQueue(1, queueOpts...)

	return b, nil
}

// REST returns the REST client.
func (b *Bot) REST() *rest.Client {
	return b.rest
}

// Request performs a REST call.
func (b *Bot) Request(ctx context.Context, req *rest.Request) (*rest.Response, error) {
	return b.rest.Do(ctx, req)
}

// RequestJSON performs a REST call and decodes the JSON response into out.
func (b *Bot) RequestJSON(ctx context.Context, req *rest.Request, out any) error {
	return b.rest.DoJSON(ctx, req, out)
}

// Events returns the merged event stream. Events of one shard keep their
// order. The channel is closed by Close.
func (b *Bot) Events() <-chan gateway.Event {
	return b.events
}

// Start bootstraps the gateway and queues every shard of the range.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return util.ErrShutdown
	}
	if b.started {
		return nil
	}

	info, err := b.rest.GetGatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch gateway information: %w", err)
	}
	limit := info.SessionStartLimit
	if limit.Remaining <= 0 {
		return fmt.Errorf("%w: resets in %s", ErrSessionStartLimit, limit.ResetIn())
	}

	count := b.cfg.ShardCount
	if count <= 0 {
		count = info.Shards
	}
	if count <= 0 {
		count = 1
	}
	first, last := b.cfg.FirstShardID, b.cfg.LastShardID
	if last < 0 {
		last = count - 1
	}
	if first < 0 || first > last || last >= count {
		return util.NewConfigError("shards", fmt.Sprintf("invalid shard range %d..%d of %d", first, last, count))
	}
	if n := last - first + 1; n > limit.Remaining {
		b.logger.Warn("session start limit lower than shard count",
			observability.Int("remaining", limit.Remaining),
			observability.Int("shards", n),
		)
	}

	gatewayURL := b.cfg.GatewayURL
	if gatewayURL == "" {
		gatewayURL = info.URL
	}
	b.queue.SetMaxConcurrency(limit.MaxConcurrency)

	shards := make([]*gateway.Shard, 0, last-first+1)
	for id := first; id <= last; id++ {
		cfg := b.cfg.Shard
		cfg.ID = id
		cfg.Count = count
		cfg.Token = b.cfg.Token
		cfg.Intents = b.cfg.Intents
		cfg.GatewayURL = gatewayURL

		s, err := gateway.NewShard(cfg, b.dialer, b.queue,
			gateway.WithShardLogger(b.logger),
			gateway.WithShardMetrics(b.metrics),
		)
		if err != nil {
			for _, created := range shards {
				created.Close()
			}
			return fmt.Errorf("failed to create shard %d: %w", id, err)
		}
		shards = append(shards, s)
	}

	b.shards = shards
	b.started = true
	for _, s := range shards {
		b.wg.Add(1)
		go b.forward(s)
		if err := s.Start(); err != nil {
			return err
		}
	}

	b.logger.Info("bot started",
		observability.Int("shard_count", count),
		observability.Int("first_shard", first),
		observability.Int("last_shard", last),
		observability.Int("max_concurrency", limit.MaxConcurrency),
	)
	return nil
}

// forward copies the events of one shard to the merged stream.
func (b *Bot) forward(s *gateway.Shard) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-s.Events():
			if !b.publish(ev) {
				return
			}
		case <-s.Done():
			for {
				select {
				case ev := <-s.Events():
					if !b.publish(ev) {
						return
					}
				default:
					return
				}
			}
		case <-b.stop:
			return
		}
	}
}

func (b *Bot) publish(ev gateway.Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.stop:
		return false
	}
}

// Shard returns the shard with the id, or nil.
func (b *Bot) Shard(id int) *gateway.Shard {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.shards {
		if s.ShardID() == id {
			return s
		}
	}
	return nil
}

// ErrUnknownShard is returned for a shard id this bot does not run.
var ErrUnknownShard = errors.New("unknown shard")

// Reconnect drops the connection of one shard. It resumes when it can.
func (b *Bot) Reconnect(id int) error {
	s := b.Shard(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	s.Disconnect("reconnect requested", true)
	return nil
}

// Shards returns the state of every shard ordered by id.
func (b *Bot) Shards() []ShardInfo {
	b.mu.RLock()
	shards := append([]*gateway.Shard(nil), b.shards...)
	b.mu.RUnlock()

	infos := make([]ShardInfo, 0, len(shards))
	for _, s := range shards {
		infos = append(infos, ShardInfo{SessionState: s.Session(), Latency: s.Latency()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ShardID < infos[j].ShardID })
	return infos
}

// Ready reports whether every shard is ready.
func (b *Bot) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.started || len(b.shards) == 0 {
		return false
	}
	for _, s := range b.shards {
		if s.Status() != gateway.StatusReady {
			return false
		}
	}
	return true
}

// UpdateStatus sends the presence on every shard.
func (b *Bot) UpdateStatus(ctx context.Context, presence gateway.Presence) error {
	b.mu.RLock()
	shards := append([]*gateway.Shard(nil), b.shards...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range shards {
		if err := s.UpdateStatus(ctx, presence); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.ShardID(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops every shard, the connect queue and the REST client, then
// closes the event stream.
func (b *Bot) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	shards := b.shards
	b.mu.Unlock()

	dropped := b.queue.Close()
	for _, s := range shards {
		s.Close()
	}
	close(b.stop)
	b.wg.Wait()
	b.rest.Close()
	close(b.events)

	b.logger.Info("bot stopped", observability.Int("dropped_connects", dropped))
}
