// Package audit keeps the durable, attributable trail of task changes.
// Appends never block or roll back the mutation that produced them; a
// failed append is pushed to a dead-letter queue so operators can replay
// it instead of losing it silently.
package audit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// Store is the slice of the state store the audit log needs.
type Store interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	AppendRecord(ctx context.Context, r domain.ChangeRecord) error
	ListRecordsByTask(ctx context.Context, taskID string) ([]domain.ChangeRecord, error)
	DeleteRecordsByTask(ctx context.Context, taskID string) error
}

// UserLookup resolves acting users for attribution.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// Log is the audit log component.
type Log struct {
	store      Store
	users      UserLookup
	deadLetter DeadLetter
	logger     *log.Logger
}

// New creates an audit log. deadLetter may be nil, in which case failed
// appends are only logged.
func New(store Store, users UserLookup, deadLetter DeadLetter, logger *log.Logger) *Log {
	if store == nil {
		panic("audit.New: store is nil")
	}
	if logger == nil {
		panic("audit.New: logger is nil")
	}
	return &Log{store: store, users: users, deadLetter: deadLetter, logger: logger}
}

var lastTimestamp int64

// nextTimestamp returns a strictly increasing nanosecond timestamp so that
// records appended in acceptance order never share or invert a CreatedAt,
// even within one wall-clock tick.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

// Append stamps and persists one change record. It fails with the store's
// not-found error when the referenced task or user is absent; it is never
// rejected for business reasons. On a storage failure the record goes to
// the dead letter and the error is returned for the caller to log; the
// owning mutation must not be rolled back.
func (l *Log) Append(ctx context.Context, r domain.ChangeRecord) error {
	if _, err := l.store.GetTask(ctx, r.TaskID); err != nil {
		return fmt.Errorf("audit append task %s: %w", r.TaskID, err)
	}
	if l.users != nil && r.UserID != "" {
		user, err := l.users.GetUser(ctx, r.UserID)
		if err != nil {
			return fmt.Errorf("audit append user %s: %w", r.UserID, err)
		}
		r.Username = user.Username
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Unix(0, nextTimestamp()).UTC()

	if err := l.store.AppendRecord(ctx, r); err != nil {
		l.logger.WithFields(log.Fields{
			"task_id": r.TaskID,
			"action":  r.Action,
			"error":   err.Error(),
		}).Error("audit append failed, dead-lettering record")
		l.sendToDeadLetter(ctx, r)
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// ListByTask returns the task's records newest first. The read path for
// the activity view; the engine itself never consumes it.
func (l *Log) ListByTask(ctx context.Context, taskID string) ([]domain.ChangeRecord, error) {
	return l.store.ListRecordsByTask(ctx, taskID)
}

// DeleteAllForTask purges the trail when the owning task is deleted.
func (l *Log) DeleteAllForTask(ctx context.Context, taskID string) error {
	return l.store.DeleteRecordsByTask(ctx, taskID)
}

func (l *Log) sendToDeadLetter(ctx context.Context, r domain.ChangeRecord) {
	if l.deadLetter == nil {
		return
	}
	if err := l.deadLetter.Push(ctx, r); err != nil {
		// Log-only degradation; the record text survives in the log line.
		l.logger.WithFields(log.Fields{
			"task_id":     r.TaskID,
			"action":      r.Action,
			"description": r.Description,
			"error":       err.Error(),
		}).Error("audit dead letter unavailable, record dropped")
	}
}
