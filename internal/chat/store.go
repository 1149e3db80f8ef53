package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew    = "chat.store.new"
	opAppend      = "chat.append"
	opRangeAfter  = "chat.range_after"
	opFindByToken = "chat.find_by_token"
	opMaxID       = "chat.max_id"

	rangeBatchSize = 256
)

// StoreError wraps a store failure with a stable operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable failure code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig carries the dependencies for a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable, strictly ordered append log of messages. The backing
// sqlite connection is the serialization boundary for id assignment: ids are
// assigned by the autoincrement primary key at commit time, so concurrent
// appends never observe the same id and id order matches commit order.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append assigns the next id and persists the message. When the idempotency
// token already exists the store is left unchanged and ErrDuplicateToken is
// returned. Once Append returns successfully the row is committed and will
// survive a process restart.
func (s *Store) Append(ctx context.Context, content string, token IdempotencyToken) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	model := Message{
		IdempotencyToken: token.String(),
		Content:          content,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		s.logError(opAppend, "insert_failed", result.Error, zap.String("token", token.String()))
		return Message{}, newStoreError(opAppend, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrDuplicateToken, token.String())
	}
	return model, nil
}

// FindByToken returns the stored message for an idempotency token.
func (s *Store) FindByToken(ctx context.Context, token IdempotencyToken) (Message, error) {
	var stored Message
	err := s.db.WithContext(ctx).
		Where("idempotency_token = ?", token.String()).
		Take(&stored).Error
	if err != nil {
		s.logError(opFindByToken, "lookup_failed", err, zap.String("token", token.String()))
		return Message{}, newStoreError(opFindByToken, "lookup_failed", err)
	}
	return stored, nil
}

// RangeAfter streams every message with id strictly greater than afterID to
// fn, in ascending id order. Reading stops at the first fn error; messages
// already delivered to fn stand.
func (s *Store) RangeAfter(ctx context.Context, afterID int64, fn func(Message) error) error {
	var batch []Message
	var fnErr error
	result := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		FindInBatches(&batch, rangeBatchSize, func(tx *gorm.DB, batchNumber int) error {
			for _, message := range batch {
				if err := fn(message); err != nil {
					fnErr = err
					return err
				}
			}
			return nil
		})
	if fnErr != nil {
		return fnErr
	}
	if result.Error != nil {
		s.logError(opRangeAfter, "read_failed", result.Error, zap.Int64("after_id", afterID))
		return newStoreError(opRangeAfter, "read_failed", result.Error)
	}
	return nil
}

// MaxID returns the highest assigned message id, or zero for an empty log.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxID).Error
	if err != nil {
		s.logError(opMaxID, "query_failed", err)
		return 0, newStoreError(opMaxID, "query_failed", err)
	}
	return maxID, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat store error", attrs...)
}
