package util

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := NewConnectionError("dial", cause)

	assert.Equal(t, "connection error during dial: dial tcp: connection refused", err.Error())
	assert.True(t, errors.Is(err, ErrConnection))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrAuth))
	assert.Equal(t, "connection error during read", NewConnectionError("read", nil).Error())
}

func TestAuthError(t *testing.T) {
	t.Parallel()

	err := NewAuthError(4004, "Authentication failed")

	assert.Equal(t, "authentication failed (4004): Authentication failed", err.Error())
	assert.True(t, errors.Is(err, ErrAuth))
	assert.True(t, IsFatal(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "authentication failed (401)", NewAuthError(401, "").Error())
}

func TestSessionInvalidatedError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "session invalidated (4009)", (&SessionInvalidatedError{Code: 4009}).Error())
	assert.Equal(t, "session invalidated (resumable=true)", (&SessionInvalidatedError{Resumable: true}).Error())
	assert.True(t, errors.Is(&SessionInvalidatedError{}, ErrSessionInvalidated))
	assert.True(t, IsRetryable(&SessionInvalidatedError{}))
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	err := NewRateLimitError("/channels/1/messages", true, 2*time.Second, 3)

	assert.Equal(t, "global rate limit exceeded on /channels/1/messages after 3 attempts, retry after 2s", err.Error())
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, IsRetryable(err))
}

func TestResponseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
		expected string
	}{
		{
			name: "http error with code",
			err: &HTTPError{
				Method: "POST", Route: "/channels/1/messages", StatusCode: 400,
				Code: 50035, Message: "Invalid Form Body\n  content: Must be 2000 or fewer in length.",
			},
			sentinel: ErrHTTP,
			expected: "POST /channels/1/messages: 400 (code 50035): Invalid Form Body\n  content: Must be 2000 or fewer in length.",
		},
		{
			name:     "server error without message",
			err:      &ServerError{Method: "GET", Route: "/gateway/bot", StatusCode: 502},
			sentinel: ErrServer,
			expected: "GET /gateway/bot: 502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.err.Error())
			assert.True(t, errors.Is(tt.err, tt.sentinel))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"connection", NewConnectionError("read", nil), true},
		{"wrapped connection", fmt.Errorf("shard 1: %w", NewConnectionError("read", nil)), true},
		{"timeout", NewTimeoutError("request", time.Second), true},
		{"server", &ServerError{StatusCode: 500}, true},
		{"http", &HTTPError{StatusCode: 404}, false},
		{"auth", NewAuthError(4004, ""), false},
		{"shutdown", ErrShutdown, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(&FatalCloseError{Code: 4014, Reason: "Disallowed intents"}))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", NewAuthError(4004, ""))))
	assert.False(t, IsFatal(NewConnectionError("read", nil)))
}

func TestValidationError(t *testing.T) {
	t.Parallel()

	err := NewValidationError("invalid config")
	assert.False(t, err.HasErrors())
	assert.Equal(t, "validation error: invalid config", err.Error())

	err.AddField("token", "cannot be empty")
	assert.True(t, err.HasErrors())
	assert.True(t, errors.Is(err, ErrConfigInvalid))
	assert.Contains(t, err.Error(), "token:cannot be empty")
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateURL("https://discord.com/api/v9"))
	assert.NoError(t, ValidateURL("wss://gateway.discord.gg", "ws", "wss"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("discord.com"))
	assert.Error(t, ValidateURL("ftp://discord.com"))
	assert.Error(t, ValidateURL("https://discord.com", "ws", "wss"))
	assert.Error(t, ValidateURL("https://"))
}
