package gateway

import "strconv"

// Opcode identifies the purpose of a gateway frame.
type Opcode int

// Gateway opcodes.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(o)) + ")"
	}
}

// Status is the state of a shard connection.
type Status int32

const (
	// StatusDisconnected indicates no transport is open.
	StatusDisconnected Status = iota
	// StatusConnecting indicates the transport is being opened.
	StatusConnecting
	// StatusHandshaking indicates IDENTIFY was sent and READY is awaited.
	StatusHandshaking
	// StatusReady indicates the session is live.
	StatusReady
	// StatusResuming indicates RESUME was sent and RESUMED is awaited.
	StatusResuming
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusReady:
		return "ready"
	case StatusResuming:
		return "resuming"
	default:
		return "unknown"
	}
}
