package session

import (
	"context"
	"errors"

	"github.com/streamfold/chatrelay/internal/chat"
	"go.uber.org/zap"
)

var errMissingLog = errors.New("message log is required")

// RecoveryEngine replays messages a reconnecting client missed, in ascending
// id order, straight from the durable log.
type RecoveryEngine struct {
	log    MessageLog
	logger *zap.Logger
}

// NewRecoveryEngine returns a RecoveryEngine over the provided log.
func NewRecoveryEngine(log MessageLog, logger *zap.Logger) (*RecoveryEngine, error) {
	if log == nil {
		return nil, errMissingLog
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryEngine{log: log, logger: logger}, nil
}

// Recover emits every message with id greater than the session's last known id
// to emit, ascending, no gaps, no repeats. It returns the highest id emitted
// (the session's last known id when nothing was missed). On a mid-range
// failure the messages already emitted stand; the error is returned and the
// range is not retried here — the client re-attempts on its next reconnect.
func (e *RecoveryEngine) Recover(ctx context.Context, sess Session, emit func(chat.Message) error) (int64, error) {
	lastEmitted := sess.LastKnownID
	err := e.log.RangeAfter(ctx, sess.LastKnownID, func(message chat.Message) error {
		if err := emit(message); err != nil {
			return err
		}
		lastEmitted = message.ID
		return nil
	})
	if err != nil {
		e.logger.Warn("recovery interrupted",
			zap.String("connection_id", sess.ConnectionID),
			zap.Int64("last_known_id", sess.LastKnownID),
			zap.Int64("last_emitted_id", lastEmitted),
			zap.Error(err))
		return lastEmitted, err
	}
	return lastEmitted, nil
}
