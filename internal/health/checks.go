package health

import (
	"context"
	"fmt"
)

// ReadySource reports whether the gateway shards are ready.
type ReadySource interface {
	Ready() bool
}

// Pinger is a dependency answering a ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck is unhealthy until src reports ready.
func ReadyCheck(src ReadySource) CheckFunc {
	return func(context.Context) Result {
		if src.Ready() {
			return Result{Status: StatusHealthy}
		}
		return Result{Status: StatusUnhealthy, Message: "not every shard is ready"}
	}
}

// PingCheck reports a failing ping with the given status. Optional
// dependencies use StatusDegraded.
func PingCheck(p Pinger, failure Status) CheckFunc {
	return func(ctx context.Context) Result {
		if err := p.Ping(ctx); err != nil {
			return Result{Status: failure, Message: err.Error()}
		}
		return Result{Status: StatusHealthy}
	}
}

// ThresholdCheck degrades while value() exceeds limit.
func ThresholdCheck(name string, value func() float64, limit float64) CheckFunc {
	return func(context.Context) Result {
		if v := value(); v > limit {
			return Result{Status: StatusDegraded, Message: fmt.Sprintf("%s %.0f exceeds %.0f", name, v, limit)}
		}
		return Result{Status: StatusHealthy}
	}
}
