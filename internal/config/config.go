package config

import (
	"time"

	"github.com/vyrodovalexey/avacord/internal/gateway"
	"github.com/vyrodovalexey/avacord/internal/ratelimit"
	"github.com/vyrodovalexey/avacord/internal/rest"
)

// Config is the runner configuration.
type Config struct {
	Token         string              `yaml:"token" json:"token"`
	Intents       int                 `yaml:"intents" json:"intents"`
	Shards        ShardsConfig        `yaml:"shards" json:"shards"`
	Gateway       GatewayConfig       `yaml:"gateway" json:"gateway"`
	REST          RESTConfig          `yaml:"rest" json:"rest"`
	Identify      IdentifyConfig      `yaml:"identify" json:"identify"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
}

// ShardsConfig selects the shards run by this process.
type ShardsConfig struct {
	// Count is the total shard count. Zero uses the recommended count.
	Count int `yaml:"count" json:"count"`
	First int `yaml:"first" json:"first"`
	// Last is the last shard of this process. Nil means the last shard.
	Last *int `yaml:"last,omitempty" json:"last,omitempty"`
}

// GatewayConfig configures the gateway shards.
type GatewayConfig struct {
	URL                  string         `yaml:"url,omitempty" json:"url,omitempty"`
	Version              int            `yaml:"version" json:"version"`
	ConnectionTimeout    Duration       `yaml:"connectionTimeout" json:"connectionTimeout"`
	LargeThreshold       int            `yaml:"largeThreshold" json:"largeThreshold"`
	Autoreconnect        *bool          `yaml:"autoreconnect,omitempty" json:"autoreconnect,omitempty"`
	MaxReconnectAttempts int            `yaml:"maxReconnectAttempts" json:"maxReconnectAttempts"`
	MaxResumeAttempts    int            `yaml:"maxResumeAttempts" json:"maxResumeAttempts"`
	ReconnectDelay       DelayConfig    `yaml:"reconnectDelay" json:"reconnectDelay"`
	EventBuffer          int            `yaml:"eventBuffer" json:"eventBuffer"`
	DisabledEvents       []string       `yaml:"disabledEvents,omitempty" json:"disabledEvents,omitempty"`
	Presence             PresenceConfig `yaml:"presence" json:"presence"`
}

// DelayConfig is a growing delay range.
type DelayConfig struct {
	Initial Duration `yaml:"initial" json:"initial"`
	Max     Duration `yaml:"max" json:"max"`
}

// PresenceConfig is the presence sent with identify.
type PresenceConfig struct {
	Status     string           `yaml:"status" json:"status"`
	AFK        bool             `yaml:"afk" json:"afk"`
	Activities []ActivityConfig `yaml:"activities,omitempty" json:"activities,omitempty"`
}

// ActivityConfig is a presence activity.
type ActivityConfig struct {
	Name string `yaml:"name" json:"name"`
	Type int    `yaml:"type" json:"type"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// RESTConfig configures the REST client.
type RESTConfig struct {
	BaseURL                    string               `yaml:"baseURL" json:"baseURL"`
	UserAgent                  string               `yaml:"userAgent,omitempty" json:"userAgent,omitempty"`
	RequestTimeout             Duration             `yaml:"requestTimeout" json:"requestTimeout"`
	LatencyThreshold           Duration             `yaml:"latencyThreshold" json:"latencyThreshold"`
	RatelimiterOffset          Duration             `yaml:"ratelimiterOffset" json:"ratelimiterOffset"`
	DisableLatencyCompensation bool                 `yaml:"disableLatencyCompensation" json:"disableLatencyCompensation"`
	GlobalRequestsPerSecond    int                  `yaml:"globalRequestsPerSecond" json:"globalRequestsPerSecond"`
	MaxRateLimitRetries        int                  `yaml:"maxRateLimitRetries" json:"maxRateLimitRetries"`
	MaxRateLimitWait           Duration             `yaml:"maxRateLimitWait" json:"maxRateLimitWait"`
	Shutdown                   string               `yaml:"shutdown" json:"shutdown"`
	CircuitBreaker             CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
}

// CircuitBreakerConfig configures the REST circuit breaker.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold" json:"threshold"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// Identify store kinds.
const (
	IdentifyStoreMemory = "memory"
	IdentifyStoreRedis  = "redis"
)

// IdentifyConfig selects where identify pacing is coordinated.
type IdentifyConfig struct {
	Store string      `yaml:"store" json:"store"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the Redis identify store.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig configures OTLP tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// Defaults.
const (
	DefaultAdminAddress = ":9090"
	DefaultServiceName  = "avacord"
	DefaultRedisPrefix  = "avacord:"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultLogOutput    = "stdout"
	DefaultPresence     = "online"
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	g := &c.Gateway
	if g.Version == 0 {
		g.Version = gateway.DefaultAPIVersion
	}
	if g.ConnectionTimeout == 0 {
		g.ConnectionTimeout = Duration(gateway.DefaultConnectionTimeout)
	}
	if g.LargeThreshold == 0 {
		g.LargeThreshold = gateway.DefaultLargeThreshold
	}
	if g.Autoreconnect == nil {
		enabled := true
		g.Autoreconnect = &enabled
	}
	if g.MaxResumeAttempts == 0 {
		g.MaxResumeAttempts = gateway.DefaultMaxResumeAttempts
	}
	if g.ReconnectDelay.Initial == 0 {
		g.ReconnectDelay.Initial = Duration(gateway.DefaultReconnectDelay)
	}
	if g.ReconnectDelay.Max == 0 {
		g.ReconnectDelay.Max = Duration(gateway.DefaultMaxReconnectDelay)
	}
	if g.EventBuffer == 0 {
		g.EventBuffer = gateway.DefaultEventBuffer
	}
	if g.Presence.Status == "" {
		g.Presence.Status = DefaultPresence
	}

	r := &c.REST
	if r.BaseURL == "" {
		r.BaseURL = rest.DefaultBaseURL
	}
	if r.RequestTimeout == 0 {
		r.RequestTimeout = Duration(rest.DefaultRequestTimeout)
	}
	if r.LatencyThreshold == 0 {
		r.LatencyThreshold = Duration(ratelimit.DefaultLatencyThreshold)
	}
	if r.GlobalRequestsPerSecond == 0 {
		r.GlobalRequestsPerSecond = rest.DefaultGlobalRequestsPerSecond
	}
	if r.Shutdown == "" {
		r.Shutdown = string(rest.ShutdownDrain)
	}
	if r.CircuitBreaker.Threshold == 0 {
		r.CircuitBreaker.Threshold = 10
	}
	if r.CircuitBreaker.Timeout == 0 {
		r.CircuitBreaker.Timeout = Duration(30 * time.Second)
	}

	if c.Identify.Store == "" {
		c.Identify.Store = IdentifyStoreMemory
	}
	if c.Identify.Redis.Prefix == "" {
		c.Identify.Redis.Prefix = DefaultRedisPrefix
	}

	l := &c.Observability.Logging
	if l.Level == "" {
		l.Level = DefaultLogLevel
	}
	if l.Format == "" {
		l.Format = DefaultLogFormat
	}
	if l.Output == "" {
		l.Output = DefaultLogOutput
	}
	tr := &c.Observability.Tracing
	if tr.ServiceName == "" {
		tr.ServiceName = DefaultServiceName
	}
	if tr.SamplingRate == 0 {
		tr.SamplingRate = 1
	}

	if c.Admin.Address == "" {
		c.Admin.Address = DefaultAdminAddress
	}
}

// GatewayPresence converts the configured presence.
func (c *Config) GatewayPresence() *gateway.Presence {
	p := &gateway.Presence{
		Status:     c.Gateway.Presence.Status,
		AFK:        c.Gateway.Presence.AFK,
		Activities: make([]gateway.Activity, 0, len(c.Gateway.Presence.Activities)),
	}
	for _, a := range c.Gateway.Presence.Activities {
		p.Activities = append(p.Activities, gateway.Activity{Name: a.Name, Type: a.Type, URL: a.URL})
	}
	return p
}

// ShardConfig returns the shard template.
func (c *Config) ShardConfig() gateway.ShardConfig {
	g := c.Gateway
	return gateway.ShardConfig{
		LargeThreshold:       g.LargeThreshold,
		Presence:             c.GatewayPresence(),
		ConnectionTimeout:    g.ConnectionTimeout.Duration(),
		DisableReconnect:     g.Autoreconnect != nil && !*g.Autoreconnect,
		MaxReconnectAttempts: g.MaxReconnectAttempts,
		MaxResumeAttempts:    g.MaxResumeAttempts,
		ReconnectDelay:       g.ReconnectDelay.Initial.Duration(),
		MaxReconnectDelay:    g.ReconnectDelay.Max.Duration(),
		EventBuffer:          g.EventBuffer,
		DisabledEvents:       g.DisabledEvents,
	}
}

// RESTClientConfig returns the REST client configuration.
func (c *Config) RESTClientConfig() rest.Config {
	r := c.REST
	return rest.Config{
		BaseURL:                 r.BaseURL,
		Token:                   c.Token,
		UserAgent:               r.UserAgent,
		RequestTimeout:          r.RequestTimeout.Duration(),
		GlobalRequestsPerSecond: r.GlobalRequestsPerSecond,
		MaxRateLimitRetries:     r.MaxRateLimitRetries,
		MaxRateLimitWait:        r.MaxRateLimitWait.Duration(),
		ShutdownMode:            rest.ShutdownMode(r.Shutdown),
		CircuitBreaker: rest.CircuitBreakerConfig{
			Enabled:   r.CircuitBreaker.Enabled,
			Threshold: r.CircuitBreaker.Threshold,
			Timeout:   r.CircuitBreaker.Timeout.Duration(),
		},
	}
}

// LatencyOptions returns the options for the REST latency tracker.
func (c *Config) LatencyOptions() []ratelimit.LatencyOption {
	opts := []ratelimit.LatencyOption{
		ratelimit.WithInitialLatency(c.REST.RatelimiterOffset.Duration()),
		ratelimit.WithLatencyThreshold(c.REST.LatencyThreshold.Duration()),
	}
	if c.REST.DisableLatencyCompensation {
		opts = append(opts, ratelimit.WithoutLatencyCompensation())
	}
	return opts
}

// LastShard returns the configured last shard id, or -1 for the last shard.
func (c *Config) LastShard() int {
	if c.Shards.Last == nil {
		return -1
	}
	return *c.Shards.Last
}
