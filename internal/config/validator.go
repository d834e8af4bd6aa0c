package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/avacord/internal/rest"
	"github.com/vyrodovalexey/avacord/internal/util"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "console"}
	validStatuses   = []string{"online", "dnd", "idle", "invisible", "offline"}
	validStores     = []string{IdentifyStoreMemory, IdentifyStoreRedis}
	validShutdowns  = []string{string(rest.ShutdownDrain), string(rest.ShutdownDiscard)}
)

// ValidateConfig checks a defaulted configuration. Every problem is
// reported in one *util.ValidationError.
func ValidateConfig(cfg *Config) error {
	verr := util.NewValidationError("invalid configuration")

	if err := util.ValidateNonEmpty(cfg.Token, "token"); err != nil {
		verr.AddField("token", err.Error())
	}
	if cfg.Intents < 0 {
		verr.AddField("intents", "must not be negative")
	}

	validateShards(&cfg.Shards, verr)
	validateGateway(&cfg.Gateway, verr)
	validateREST(&cfg.REST, verr)
	validateIdentify(&cfg.Identify, verr)
	validateObservability(&cfg.Observability, verr)

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		verr.AddField("admin.address", "is required when the admin server is enabled")
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

func validateShards(s *ShardsConfig, verr *util.ValidationError) {
	if s.Count < 0 {
		verr.AddField("shards.count", "must not be negative")
	}
	if s.First < 0 {
		verr.AddField("shards.first", "must not be negative")
	}
	if s.Last == nil {
		return
	}
	if *s.Last < s.First {
		verr.AddField("shards.last", "must not be lower than shards.first")
	}
	if s.Count > 0 && *s.Last >= s.Count {
		verr.AddField("shards.last", fmt.Sprintf("must be lower than shards.count (%d)", s.Count))
	}
}

func validateGateway(g *GatewayConfig, verr *util.ValidationError) {
	if g.URL != "" {
		if err := util.ValidateURL(g.URL, "ws", "wss"); err != nil {
			verr.AddField("gateway.url", err.Error())
		}
	}
	if g.LargeThreshold < 50 || g.LargeThreshold > 250 {
		verr.AddField("gateway.largeThreshold", "must be between 50 and 250")
	}
	if err := util.ValidatePositiveDuration(g.ConnectionTimeout.Duration()); err != nil {
		verr.AddField("gateway.connectionTimeout", err.Error())
	}
	if g.MaxReconnectAttempts < 0 {
		verr.AddField("gateway.maxReconnectAttempts", "must not be negative")
	}
	if g.MaxResumeAttempts < 0 {
		verr.AddField("gateway.maxResumeAttempts", "must not be negative")
	}
	if g.ReconnectDelay.Max < g.ReconnectDelay.Initial {
		verr.AddField("gateway.reconnectDelay.max", "must not be lower than reconnectDelay.initial")
	}
	if g.EventBuffer < 0 {
		verr.AddField("gateway.eventBuffer", "must not be negative")
	}
	if !oneOf(g.Presence.Status, validStatuses) {
		verr.AddField("gateway.presence.status", mustBeOneOf(validStatuses))
	}
	for i, a := range g.Presence.Activities {
		if a.Name == "" {
			verr.AddField(fmt.Sprintf("gateway.presence.activities[%d].name", i), "is required")
		}
	}
}

func validateREST(r *RESTConfig, verr *util.ValidationError) {
	if err := util.ValidateURL(r.BaseURL); err != nil {
		verr.AddField("rest.baseURL", err.Error())
	}
	if err := util.ValidatePositiveDuration(r.RequestTimeout.Duration()); err != nil {
		verr.AddField("rest.requestTimeout", err.Error())
	}
	if r.MaxRateLimitRetries < 0 {
		verr.AddField("rest.maxRateLimitRetries", "must not be negative")
	}
	if r.MaxRateLimitWait < 0 {
		verr.AddField("rest.maxRateLimitWait", "must not be negative")
	}
	if !oneOf(r.Shutdown, validShutdowns) {
		verr.AddField("rest.shutdown", mustBeOneOf(validShutdowns))
	}
	if r.CircuitBreaker.Enabled && r.CircuitBreaker.Threshold <= 0 {
		verr.AddField("rest.circuitBreaker.threshold", "must be positive")
	}
}

func validateIdentify(i *IdentifyConfig, verr *util.ValidationError) {
	if !oneOf(i.Store, validStores) {
		verr.AddField("identify.store", mustBeOneOf(validStores))
		return
	}
	if i.Store == IdentifyStoreRedis && i.Redis.Address == "" {
		verr.AddField("identify.redis.address", "is required for the redis store")
	}
}

func validateObservability(o *ObservabilityConfig, verr *util.ValidationError) {
	if !oneOf(o.Logging.Level, validLogLevels) {
		verr.AddField("observability.logging.level", mustBeOneOf(validLogLevels))
	}
	if !oneOf(o.Logging.Format, validLogFormats) {
		verr.AddField("observability.logging.format", mustBeOneOf(validLogFormats))
	}
	if err := util.ValidateRatio(o.Tracing.SamplingRate); err != nil {
		verr.AddField("observability.tracing.samplingRate", err.Error())
	}
	if o.Tracing.Enabled && o.Tracing.OTLPEndpoint == "" {
		verr.AddField("observability.tracing.otlpEndpoint", "is required when tracing is enabled")
	}
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func mustBeOneOf(allowed []string) string {
	return "must be one of " + strings.Join(allowed, ", ")
}
