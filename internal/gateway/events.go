package gateway

import "encoding/json"

// Event is a value delivered on a shard's event channel. It is one of
// *ReadyEvent, *ResumedEvent, *DispatchEvent, *ClosedEvent or *ErrorEvent.
type Event interface {
	ShardID() int
}

// ReadyEvent is emitted when a fresh session becomes ready.
type ReadyEvent struct {
	Shard     int
	SessionID string
	Payload   json.RawMessage
}

// ShardID implements Event.
func (e *ReadyEvent) ShardID() int { return e.Shard }

// ResumedEvent is emitted when a session was resumed.
type ResumedEvent struct {
	Shard int
	// Replayed is the number of dispatches received between RESUME and RESUMED.
	Replayed int
}

// ShardID implements Event.
func (e *ResumedEvent) ShardID() int { return e.Shard }

// DispatchEvent carries an opaque dispatch payload.
type DispatchEvent struct {
	Shard   int
	Name    string
	Seq     uint64
	Payload json.RawMessage
}

// ShardID implements Event.
func (e *DispatchEvent) ShardID() int { return e.Shard }

// ClosedEvent is emitted when the transport closed.
type ClosedEvent struct {
	Shard        int
	Code         int
	Reason       string
	Reconnecting bool
}

// ShardID implements Event.
func (e *ClosedEvent) ShardID() int { return e.Shard }

// ErrorEvent reports a shard fault. Fatal errors end the shard.
type ErrorEvent struct {
	Shard int
	Err   error
	Fatal bool
}

// ShardID implements Event.
func (e *ErrorEvent) ShardID() int { return e.Shard }
