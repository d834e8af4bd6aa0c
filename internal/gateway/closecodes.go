package gateway

import (
	"fmt"

	"github.com/vyrodovalexey/avacord/internal/util"
)

// Gateway close codes.
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseAbnormal             = 1006
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseSessionNoLongerValid = 4006
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// CloseError is returned by a Conn when the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed with code %d", e.Code)
	}
	return fmt.Sprintf("websocket closed with code %d: %s", e.Code, e.Reason)
}

// closeAction is what a shard does after the connection closed.
type closeAction int

const (
	// closeResume reconnects and resumes the session if one exists.
	closeResume closeAction = iota
	// closeIdentify reconnects with a fresh session.
	closeIdentify
	// closeFatal ends the shard.
	closeFatal
)

// classifyClose maps a close code to the shard's reaction and the error to
// surface.
func classifyClose(code int, reason string) (closeAction, error) {
	switch code {
	case CloseAuthenticationFailed:
		return closeFatal, util.NewAuthError(code, nonEmpty(reason, "authentication failed"))
	case CloseInvalidShard:
		return closeFatal, &util.FatalCloseError{Code: code, Reason: nonEmpty(reason, "invalid shard")}
	case CloseShardingRequired:
		return closeFatal, &util.FatalCloseError{Code: code, Reason: nonEmpty(reason, "sharding required")}
	case CloseInvalidAPIVersion:
		return closeFatal, &util.FatalCloseError{Code: code, Reason: nonEmpty(reason, "invalid API version")}
	case CloseInvalidIntents:
		return closeFatal, &util.FatalCloseError{Code: code, Reason: nonEmpty(reason, "invalid intents")}
	case CloseDisallowedIntents:
		return closeFatal, &util.FatalCloseError{Code: code, Reason: nonEmpty(reason, "disallowed intents")}
	case CloseNotAuthenticated, CloseSessionNoLongerValid, CloseInvalidSeq, CloseSessionTimedOut:
		return closeIdentify, &util.SessionInvalidatedError{Resumable: false}
	default:
		return closeResume, util.NewConnectionError("gateway", &CloseError{Code: code, Reason: reason})
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
