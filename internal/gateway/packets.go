package gateway

import (
	"encoding/json"
	"runtime"
	"strings"
)

// Packet is a single gateway frame.
type Packet struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  uint64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// outgoing is a frame sent by the client.
type outgoing struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// Hello is the payload of OpHello.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the payload of OpIdentify.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Presence       *Presence          `json:"presence,omitempty"`
	Intents        int                `json:"intents"`
}

// Resume is the payload of OpResume.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

// Ready holds the fields of the READY dispatch the shard needs itself.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// Activity is a presence activity.
type Activity struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	URL   string `json:"url,omitempty"`
	State string `json:"state,omitempty"`
}

// Presence is the payload of OpPresenceUpdate and the initial identify
// presence.
type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// VoiceStateUpdate is the payload of OpVoiceStateUpdate.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers is the payload of OpRequestGuildMembers.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// GuildMembersChunk holds the fields of GUILD_MEMBERS_CHUNK used to collect
// a member request.
type GuildMembersChunk struct {
	GuildID    string            `json:"guild_id"`
	Members    []json.RawMessage `json:"members"`
	ChunkIndex int               `json:"chunk_index"`
	ChunkCount int               `json:"chunk_count"`
	NotFound   []string          `json:"not_found,omitempty"`
	Presences  []json.RawMessage `json:"presences,omitempty"`
	Nonce      string            `json:"nonce"`
}

const libraryName = "avacord"

func defaultProperties() IdentifyProperties {
	return IdentifyProperties{
		OS:      runtime.GOOS,
		Browser: libraryName,
		Device:  libraryName,
	}
}

// rawToken strips the REST authorization prefix.
func rawToken(token string) string {
	return strings.TrimPrefix(token, "Bot ")
}

func encodePacket(op Opcode, data any) ([]byte, error) {
	return json.Marshal(outgoing{Op: op, Data: data})
}
