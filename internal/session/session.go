// Package session orchestrates message delivery for one client connection:
// dedup-gated publishes, reconnect recovery, and live broadcast fan-in.
package session

import (
	"context"

	"github.com/streamfold/chatrelay/internal/chat"
)

// Session is the per-connection state handed over by the connection layer. It
// owns nothing durable; all durability lives in the message store.
type Session struct {
	// ConnectionID is an opaque handle to the transport connection.
	ConnectionID string
	// LastKnownID is the highest message id the client claims to have seen,
	// zero if none.
	LastKnownID int64
	// Recovered is true when the connection layer itself determined no
	// messages were missed; replay is skipped entirely.
	Recovered bool
}

// Emitter pushes one message to one specific client. It is implemented by the
// connection layer and used for both recovery replay and live delivery.
type Emitter interface {
	Emit(connectionID string, content string, id int64) error
}

// MessageLog is the read side of the durable log consumed during recovery.
type MessageLog interface {
	RangeAfter(ctx context.Context, afterID int64, fn func(chat.Message) error) error
}
