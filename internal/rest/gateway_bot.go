package rest

import (
	"context"
	"net/http"
	"time"
)

// SessionStartLimit is the identify budget of the bot token.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetIn returns the time until the budget refills.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayBot is the bootstrap information for a sharded bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// GetGatewayBot fetches the gateway URL, recommended shard count and
// session start limits.
func (c *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := c.DoJSON(ctx, &Request{Method: http.MethodGet, Path: "/gateway/bot"}, &out); err != nil {
		return nil, err
	}
	if out.SessionStartLimit.MaxConcurrency < 1 {
		out.SessionStartLimit.MaxConcurrency = 1
	}
	return &out, nil
}
