package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docmigrator/internal/docstore"
)

const lockRecordID = "lock"

// LockRecord is the singleton document guarding a migration table.
type LockRecord struct {
	ID       string `json:"id"`
	IsLocked bool   `json:"is_locked"`
}

// LockTableName is the lock collection paired with a migration collection.
func LockTableName(collection string) string { return collection + "_lock" }

// LockManager keeps at most one batch running per migration table.
//
// Acquire reads the record and then replaces it conditionally on the
// ETag it read. On stores that honour the ETag two racing acquirers
// cannot both win; on stores that ignore it the read-then-write gap
// remains and the lock is advisory only.
type LockManager struct {
	client docstore.Client
	link   string
	name   string
	logger *zap.Logger
}

// NewLockManager returns a manager for the lock collection at link.
func NewLockManager(c docstore.Client, link, name string, logger *zap.Logger) *LockManager {
	return &LockManager{client: c, link: link, name: name, logger: logger}
}

// Ensure creates the lock record unlocked when it does not exist yet.
// An existing record is left untouched.
func (l *LockManager) Ensure(ctx context.Context) error {
	err := l.client.CreateDocument(ctx, l.link, LockRecord{ID: lockRecordID})
	if err == nil || errors.Is(err, docstore.ErrConflict) {
		return nil
	}
	return fmt.Errorf("ensure lock record: %w", err)
}

// Acquire marks the table locked or fails with LockAcquisitionError.
func (l *LockManager) Acquire(ctx context.Context) error {
	doc, err := l.client.ReadDocument(ctx, l.link, lockRecordID)
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrLockRecordMissing
	}
	if err != nil {
		return fmt.Errorf("read lock record: %w", err)
	}
	var rec LockRecord
	if err := json.Unmarshal(doc.Body, &rec); err != nil {
		return fmt.Errorf("decode lock record: %w", err)
	}
	if rec.IsLocked {
		return &LockAcquisitionError{Collection: l.name}
	}
	err = l.client.ReplaceDocument(ctx, l.link, lockRecordID, doc.ETag, LockRecord{ID: lockRecordID, IsLocked: true})
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return &LockAcquisitionError{Collection: l.name, Err: err}
	}
	if err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	l.logger.Debug("Migration lock acquired", zap.String("lock_table", l.name))
	return nil
}

// Release unlocks the table. It is safe to call without a prior Acquire.
func (l *LockManager) Release(ctx context.Context) error {
	if err := l.client.UpsertDocument(ctx, l.link, LockRecord{ID: lockRecordID}); err != nil {
		return fmt.Errorf("release lock record: %w", err)
	}
	l.logger.Debug("Migration lock released", zap.String("lock_table", l.name))
	return nil
}
