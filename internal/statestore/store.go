package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew = "statestore.new"
	opGet      = "statestore.get"
	opSet      = "statestore.set"
	opWrite    = "statestore.write"
	opFlush    = "statestore.flush"

	defaultQueueSize = 256
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingKey      = errors.New("key is required")
	// ErrClosed indicates that the store no longer accepts writes.
	ErrClosed  = errors.New("statestore: closed")
	noOpLogger = zap.NewNop()
)

// StoreError carries a stable "<operation>.<reason>" code alongside the cause.
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

// Code returns the stable error code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Entry is one persisted key. Values are stored as JSON documents.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (Entry) TableName() string {
	return "kv_entries"
}

// Config describes the dependencies of a Store.
type Config struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	QueueSize int
}

type writeRequest struct {
	key   string
	value any
	done  chan struct{}
}

// Store is a durable key/value store scoped to one device database. Reads are
// synchronous; Enqueue writes are applied in submission order by a single
// writer goroutine, so a later write to a key never loses to an earlier one.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	queue     chan writeRequest
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
	stopped   chan struct{}
}

// New constructs a Store and starts its writer goroutine.
func New(cfg Config) (*Store, error) {
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
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	store := &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		queue:   make(chan writeRequest, size),
		stopped: make(chan struct{}),
	}
	go store.run()
	return store, nil
}

// Get decodes the stored value of key into dest. It reports false, leaving
// dest untouched, when the key was never written.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	if key == "" {
		return false, newStoreError(opGet, "missing_key", errMissingKey)
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, newStoreError(opGet, "query_failed", err)
	}
	if err := json.Unmarshal([]byte(entry.Value), dest); err != nil {
		return true, newStoreError(opGet, "decode_failed", err)
	}
	return true, nil
}

// LoadOrDefault returns the stored value of key, or fallback when the key was
// never written.
func LoadOrDefault[T any](ctx context.Context, store *Store, key string, fallback T) (T, error) {
	var value T
	found, err := store.Get(ctx, key, &value)
	if err != nil {
		return fallback, err
	}
	if !found {
		return fallback, nil
	}
	return value, nil
}

// Set writes a value synchronously.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return newStoreError(opSet, "missing_key", errMissingKey)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return newStoreError(opSet, "encode_failed", err)
	}
	entry := Entry{Key: key, Value: string(encoded), UpdatedAtSeconds: s.clock().UTC().Unix()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		return newStoreError(opSet, "upsert_failed", err)
	}
	return nil
}

// Enqueue schedules a write without waiting for it. Failures are logged.
func (s *Store) Enqueue(key string, value any) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.logger.Warn("write dropped after close", zap.String("operation", opWrite), zap.String("key", key))
		return
	}
	s.queue <- writeRequest{key: key, value: value}
}

// Flush blocks until every write enqueued before the call has been applied.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return newStoreError(opFlush, "closed", ErrClosed)
	}
	s.queue <- writeRequest{done: done}
	s.closeMu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return newStoreError(opFlush, "context_done", ctx.Err())
	}
}

// Close drains pending writes and stops the writer goroutine.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.queue)
		s.closeMu.Unlock()
		<-s.stopped
	})
}

func (s *Store) run() {
	defer close(s.stopped)
	for request := range s.queue {
		if request.done != nil {
			close(request.done)
			continue
		}
		if err := s.Set(context.Background(), request.key, request.value); err != nil {
			s.logger.Error("state write failed",
				zap.String("operation", opWrite),
				zap.String("key", request.key),
				zap.Error(err))
		}
	}
}
