package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var errMissingStore = errors.New("message store is required")

// SubmitStatus describes how a publish was resolved.
type SubmitStatus string

const (
	// StatusInserted means the message was persisted for the first time.
	StatusInserted SubmitStatus = "inserted"
	// StatusAlreadyPresent means the idempotency token was seen before; the
	// original row stands and no new row was created.
	StatusAlreadyPresent SubmitStatus = "already_present"
)

// SubmitOutcome is the result of pushing one publish through the gate.
type SubmitOutcome struct {
	Status  SubmitStatus
	Message Message
}

// Gate enforces at-most-once persistence per idempotency token. A retried
// publish whose acknowledgment was lost resolves to AlreadyPresent rather
// than an error; any other store failure is transient and propagates to the
// caller untouched, leaving the retry decision with the client.
type Gate struct {
	store  *Store
	logger *zap.Logger
}

// NewGate returns a Gate wrapping the provided store.
func NewGate(store *Store, logger *zap.Logger) (*Gate, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Gate{store: store, logger: logger}, nil
}

// Submit persists the message once. Broadcasting is the caller's
// responsibility.
func (g *Gate) Submit(ctx context.Context, content string, token IdempotencyToken) (SubmitOutcome, error) {
	inserted, err := g.store.Append(ctx, content, token)
	if err == nil {
		return SubmitOutcome{Status: StatusInserted, Message: inserted}, nil
	}
	if !errors.Is(err, ErrDuplicateToken) {
		return SubmitOutcome{}, err
	}

	existing, lookupErr := g.store.FindByToken(ctx, token)
	if lookupErr != nil {
		return SubmitOutcome{}, lookupErr
	}
	g.logger.Debug("duplicate publish collapsed",
		zap.String("token", token.String()),
		zap.Int64("message_id", existing.ID))
	return SubmitOutcome{Status: StatusAlreadyPresent, Message: existing}, nil
}
