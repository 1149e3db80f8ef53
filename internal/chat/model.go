package chat

import (
	"errors"
	"fmt"
	"strings"
)

const maxTokenLength = 190

var (
	// ErrEmptyContent indicates a publish without a payload.
	ErrEmptyContent = errors.New("chat: empty message content")
	// ErrInvalidToken indicates an idempotency token that is empty or exceeds storage bounds.
	ErrInvalidToken = errors.New("chat: invalid idempotency token")
	// ErrDuplicateToken indicates the idempotency token already maps to a stored message.
	ErrDuplicateToken = errors.New("chat: duplicate idempotency token")
)

// Message is the durable unit of the relay log. Rows are append-only; the
// server-assigned id defines global delivery order.
type Message struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	IdempotencyToken string `gorm:"column:idempotency_token;size:190;not null;uniqueIndex:idx_messages_token"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// IdempotencyToken represents a validated client-supplied dedup token.
type IdempotencyToken string

// NewIdempotencyToken validates raw input and returns an IdempotencyToken.
func NewIdempotencyToken(rawInput string) (IdempotencyToken, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if len(trimmed) > maxTokenLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidToken, maxTokenLength)
	}
	return IdempotencyToken(trimmed), nil
}

// String returns the underlying token value.
func (token IdempotencyToken) String() string {
	return string(token)
}
