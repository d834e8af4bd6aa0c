package admin

import (
	"time"

	"github.com/vyrodovalexey/avacord/internal/bot"
)

// shardView is the JSON form of one shard.
type shardView struct {
	ID                 int        `json:"id"`
	Count              int        `json:"count"`
	Status             string     `json:"status"`
	SessionID          string     `json:"session_id,omitempty"`
	Sequence           *uint64    `json:"seq"`
	ResumeURL          string     `json:"resume_url,omitempty"`
	HeartbeatInterval  int64      `json:"heartbeat_interval_ms"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	LastHeartbeatAcked bool       `json:"last_heartbeat_acked"`
	LatencyMS          float64    `json:"latency_ms"`
	ReconnectAttempts  int        `json:"reconnect_attempts"`
	ResumeAttempts     int        `json:"resume_attempts"`
}

func newShardView(info bot.ShardInfo) shardView {
	v := shardView{
		ID:                 info.ShardID,
		Count:              info.ShardCount,
		Status:             info.Status.String(),
		SessionID:          info.SessionID,
		ResumeURL:          info.ResumeURL,
		HeartbeatInterval:  info.HeartbeatInterval.Milliseconds(),
		LastHeartbeatAcked: info.LastHeartbeatAcked,
		LatencyMS:          float64(info.Latency) / float64(time.Millisecond),
		ReconnectAttempts:  info.ReconnectAttempts,
		ResumeAttempts:     info.ResumeAttempts,
	}
	if info.HasSequence {
		seq := info.Sequence
		v.Sequence = &seq
	}
	if !info.LastHeartbeatSent.IsZero() {
		sent := info.LastHeartbeatSent
		v.LastHeartbeat = &sent
	}
	return v
}
