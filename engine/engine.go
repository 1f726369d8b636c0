// Package engine is the single authority deciding whether a proposed
// change to a task is applied. Conflict policy is reject-don't-merge: a
// move carries the version its caller last saw, the store's compare-and-
// swap decides the winner, and losers get the authoritative state back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
	"board-api/storage"
)

// ErrInvalidAssignee is returned when a supplied assignee id does not
// resolve to a known user. The mutation is rejected whole; no partial
// apply.
var ErrInvalidAssignee = errors.New("assignee does not resolve")

// Store is the slice of the state store the engine mutates.
type Store interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasksByColumn(ctx context.Context, columnID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	SaveTask(ctx context.Context, t domain.Task) error
	SwapTask(ctx context.Context, moved domain.Task, expectedVersion int, repositioned []domain.Task) error
	ReorderTasks(ctx context.Context, tasks []domain.Task) error
	DeleteTask(ctx context.Context, id string) error

	GetComment(ctx context.Context, id string) (domain.Comment, error)
	InsertComment(ctx context.Context, c domain.Comment) error
	SaveComment(ctx context.Context, c domain.Comment) error
	DeleteComment(ctx context.Context, id string) error
}

// Directory resolves board structure and identities. All lookups are
// explicit calls so traversal cost stays visible at call sites.
type Directory interface {
	GetColumn(ctx context.Context, id string) (domain.Column, error)
	GetBoard(ctx context.Context, id string) (domain.Board, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// AuditLog receives one record per accepted field-level or structural
// change. Append failures are surfaced but never roll the mutation back.
type AuditLog interface {
	Append(ctx context.Context, r domain.ChangeRecord) error
}

// Publisher receives the domain event for every accepted mutation. Fire
// and forget: implementations must not surface delivery faults here.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Evictor invalidates cached column reads after accepted mutations.
type Evictor interface {
	Evict(ctx context.Context, columnIDs ...string)
}

// Engine applies task and comment mutations. Construct with New; all
// collaborators are explicit, there is no ambient wiring.
type Engine struct {
	store   Store
	dir     Directory
	audit   AuditLog
	pub     Publisher
	evictor Evictor
	logger  *log.Logger
	now     func() time.Time
}

// New creates an engine. evictor may be nil when no cache is in front of
// the column read path.
func New(store Store, dir Directory, auditLog AuditLog, pub Publisher, evictor Evictor, logger *log.Logger) *Engine {
	if store == nil || dir == nil || auditLog == nil || pub == nil {
		panic("engine.New: store, directory, audit log and publisher are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		store:   store,
		dir:     dir,
		audit:   auditLog,
		pub:     pub,
		evictor: evictor,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateTask appends a new card to the end of the target column with
// version 1. A CREATED record is written only when an assignee is
// supplied; an unattributed creation has no one to charge it to.
func (e *Engine) CreateTask(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error) {
	col, err := e.dir.GetColumn(ctx, req.ColumnID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("column %s: %w", req.ColumnID, err)
	}

	if req.AssignedToID != "" {
		if _, err := e.dir.GetUser(ctx, req.AssignedToID); err != nil {
			return domain.Task{}, fmt.Errorf("%w: %s", ErrInvalidAssignee, req.AssignedToID)
		}
	}

	siblings, err := e.store.ListTasksByColumn(ctx, req.ColumnID)
	if err != nil {
		return domain.Task{}, err
	}

	now := e.now().UTC()
	task := domain.Task{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Description:  req.Description,
		BoardID:      col.BoardID,
		ColumnID:     col.ID,
		Position:     len(siblings),
		AssignedToID: req.AssignedToID,
		DueDate:      req.DueDate,
		Priority:     req.Priority,
		Color:        req.Color,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.InsertTask(ctx, task); err != nil {
		return domain.Task{}, err
	}

	if req.AssignedToID != "" {
		e.appendRecord(ctx, domain.ChangeRecord{
			TaskID:      task.ID,
			UserID:      req.AssignedToID,
			Action:      domain.ActionCreated,
			Description: fmt.Sprintf("created task %q in %s", task.Title, col.Title),
		})
	}

	e.evict(ctx, col.ID)
	e.pub.Publish(ctx, domain.Event{
		Topic: domain.BoardTopic(col.BoardID),
		Type:  domain.EventTaskCreated,
		Task:  &task,
	})
	e.logger.WithFields(log.Fields{"task_id": task.ID, "column_id": col.ID}).Debug("task created")
	return task, nil
}

// UpdateTask rewrites the task's editable fields. Updates are last write
// wins: unlike MoveTask there is no version gate, concurrent updates
// interleave per field at execution time. Each detected diff produces one
// change record, in a fixed order: priority, title, assignee.
func (e *Engine) UpdateTask(ctx context.Context, taskID string, req domain.CreateTaskRequest) (domain.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, err)
	}

	oldTitle := task.Title
	oldPriority := task.Priority
	oldAssignee := task.AssignedToID

	if req.AssignedToID != "" {
		if _, err := e.dir.GetUser(ctx, req.AssignedToID); err != nil {
			return domain.Task{}, fmt.Errorf("%w: %s", ErrInvalidAssignee, req.AssignedToID)
		}
	}

	actorID, err := e.attributeUpdate(ctx, task, req.AssignedToID)
	if err != nil {
		return domain.Task{}, err
	}

	task.Title = req.Title
	task.Description = req.Description
	task.Priority = req.Priority
	task.DueDate = req.DueDate
	task.Color = req.Color
	// An absent assignee id clears the assignment; that is a real change
	// and diffs as one below.
	task.AssignedToID = req.AssignedToID
	task.Version++
	task.UpdatedAt = e.now().UTC()

	if err := e.store.SaveTask(ctx, task); err != nil {
		return domain.Task{}, err
	}

	if oldPriority != "" && oldPriority != req.Priority {
		e.appendRecord(ctx, domain.ChangeRecord{
			TaskID:      task.ID,
			UserID:      actorID,
			Action:      domain.ActionPriorityChanged,
			FieldName:   "priority",
			OldValue:    string(oldPriority),
			NewValue:    string(req.Priority),
			Description: fmt.Sprintf("changed priority from %s to %s", oldPriority, req.Priority),
		})
	}
	if oldTitle != req.Title {
		e.appendRecord(ctx, domain.ChangeRecord{
			TaskID:      task.ID,
			UserID:      actorID,
			Action:      domain.ActionUpdated,
			FieldName:   "title",
			OldValue:    oldTitle,
			NewValue:    req.Title,
			Description: fmt.Sprintf("changed title from %q to %q", oldTitle, req.Title),
		})
	}
	if oldAssignee != req.AssignedToID {
		oldName := e.displayName(ctx, oldAssignee)
		newName := e.displayName(ctx, req.AssignedToID)
		e.appendRecord(ctx, domain.ChangeRecord{
			TaskID:      task.ID,
			UserID:      actorID,
			Action:      domain.ActionAssigned,
			FieldName:   "assignedTo",
			OldValue:    oldName,
			NewValue:    newName,
			Description: fmt.Sprintf("changed assignee from %s to %s", oldName, newName),
		})
	}

	e.evict(ctx, task.ColumnID)
	e.pub.Publish(ctx, domain.Event{
		Topic: domain.BoardTopic(task.BoardID),
		Type:  domain.EventTaskUpdated,
		Task:  &task,
	})
	return task, nil
}

// MoveTask is the concurrency-critical path. The in-memory version check
// only avoids a needless store round trip; the store-level compare-and-
// swap re-validates the version at write time and is the authoritative
// arbiter between concurrent movers.
func (e *Engine) MoveTask(ctx context.Context, req domain.MoveTaskRequest) (domain.Task, error) {
	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", req.TaskID, err)
	}
	if task.Version != req.ExpectedVersion {
		return domain.Task{}, &storage.ConflictError{Current: task}
	}

	sourceCol, err := e.dir.GetColumn(ctx, task.ColumnID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("source column %s: %w", task.ColumnID, err)
	}
	targetCol, err := e.dir.GetColumn(ctx, req.TargetColumnID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("target column %s: %w", req.TargetColumnID, err)
	}

	targetSiblings, err := e.store.ListTasksByColumn(ctx, targetCol.ID)
	if err != nil {
		return domain.Task{}, err
	}
	targetSiblings = withoutTask(targetSiblings, task.ID)
	position, repositioned := insertAt(targetSiblings, req.NewPosition)

	columnChanged := sourceCol.ID != targetCol.ID
	if columnChanged {
		sourceSiblings, err := e.store.ListTasksByColumn(ctx, sourceCol.ID)
		if err != nil {
			return domain.Task{}, err
		}
		repositioned = append(repositioned, compact(withoutTask(sourceSiblings, task.ID))...)
	}

	moved := task
	moved.ColumnID = targetCol.ID
	moved.BoardID = targetCol.BoardID
	moved.Position = position
	moved.Version++
	moved.UpdatedAt = e.now().UTC()

	if err := e.store.SwapTask(ctx, moved, req.ExpectedVersion, repositioned); err != nil {
		if ce, ok := storage.AsConflict(err); ok {
			e.logger.WithFields(log.Fields{
				"task_id":          task.ID,
				"expected_version": req.ExpectedVersion,
				"current_version":  ce.Current.Version,
			}).Info("move rejected, version conflict")
		}
		return domain.Task{}, err
	}

	if columnChanged {
		actorID := moved.AssignedToID
		if actorID == "" {
			board, err := e.dir.GetBoard(ctx, targetCol.BoardID)
			if err != nil {
				e.logger.Errorf("board %s lookup for attribution: %v", targetCol.BoardID, err)
			} else {
				actorID = board.OwnerID
			}
		}
		e.appendRecord(ctx, domain.ChangeRecord{
			TaskID:      moved.ID,
			UserID:      actorID,
			Action:      domain.ActionMoved,
			FieldName:   "status",
			OldValue:    sourceCol.Title,
			NewValue:    targetCol.Title,
			Description: fmt.Sprintf("moved task from %q to %q", sourceCol.Title, targetCol.Title),
		})
	}

	e.evict(ctx, sourceCol.ID, targetCol.ID)
	e.pub.Publish(ctx, domain.Event{
		Topic: domain.BoardTopic(targetCol.BoardID),
		Type:  domain.EventTaskMoved,
		Task:  &moved,
	})
	if sourceCol.BoardID != targetCol.BoardID {
		// Cross-board moves also notify the board the task left.
		e.pub.Publish(ctx, domain.Event{
			Topic: domain.BoardTopic(sourceCol.BoardID),
			Type:  domain.EventTaskMoved,
			Task:  &moved,
		})
	}
	return moved, nil
}

// DeleteTask removes the task. The store cascades attachment references
// and the audit trail; the vacated column is renormalized afterwards.
func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}

	if err := e.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	siblings, err := e.store.ListTasksByColumn(ctx, task.ColumnID)
	if err == nil {
		if repositioned := compact(withoutTask(siblings, taskID)); len(repositioned) > 0 {
			if err := e.store.ReorderTasks(ctx, repositioned); err != nil {
				e.logger.Errorf("renormalize column %s after delete: %v", task.ColumnID, err)
			}
		}
	}

	e.evict(ctx, task.ColumnID)
	e.pub.Publish(ctx, domain.Event{
		Topic:    domain.BoardTopic(task.BoardID),
		Type:     domain.EventTaskDeleted,
		EntityID: taskID,
	})
	return nil
}

// CreateComment adds a comment and broadcasts it on the task's comment
// topic.
func (e *Engine) CreateComment(ctx context.Context, req domain.CreateCommentRequest) (domain.Comment, error) {
	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("task %s: %w", req.TaskID, err)
	}
	user, err := e.dir.GetUser(ctx, req.UserID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("user %s: %w", req.UserID, err)
	}

	now := e.now().UTC()
	comment := domain.Comment{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		UserID:    user.ID,
		Username:  user.Username,
		Text:      req.Text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertComment(ctx, comment); err != nil {
		return domain.Comment{}, err
	}

	e.pub.Publish(ctx, domain.Event{
		Topic:   domain.CommentsTopic(task.ID),
		Type:    domain.EventCommentCreated,
		Comment: &comment,
	})
	return comment, nil
}

// UpdateComment replaces the comment text.
func (e *Engine) UpdateComment(ctx context.Context, commentID, text string) (domain.Comment, error) {
	comment, err := e.store.GetComment(ctx, commentID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("comment %s: %w", commentID, err)
	}
	comment.Text = text
	comment.UpdatedAt = e.now().UTC()
	if err := e.store.SaveComment(ctx, comment); err != nil {
		return domain.Comment{}, err
	}

	e.pub.Publish(ctx, domain.Event{
		Topic:   domain.CommentsTopic(comment.TaskID),
		Type:    domain.EventCommentUpdated,
		Comment: &comment,
	})
	return comment, nil
}

// DeleteComment removes a comment.
func (e *Engine) DeleteComment(ctx context.Context, commentID string) error {
	comment, err := e.store.GetComment(ctx, commentID)
	if err != nil {
		return fmt.Errorf("comment %s: %w", commentID, err)
	}
	if err := e.store.DeleteComment(ctx, commentID); err != nil {
		return err
	}

	e.pub.Publish(ctx, domain.Event{
		Topic:    domain.CommentsTopic(comment.TaskID),
		Type:     domain.EventCommentDeleted,
		EntityID: commentID,
	})
	return nil
}

// attributeUpdate picks the acting user for update records: the incoming
// assignee, else the previous assignee, else the board owner. The chain is
// deterministic and tried in that order.
func (e *Engine) attributeUpdate(ctx context.Context, task domain.Task, newAssignee string) (string, error) {
	if newAssignee != "" {
		return newAssignee, nil
	}
	if task.AssignedToID != "" {
		return task.AssignedToID, nil
	}
	col, err := e.dir.GetColumn(ctx, task.ColumnID)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", task.ColumnID, err)
	}
	board, err := e.dir.GetBoard(ctx, col.BoardID)
	if err != nil {
		return "", fmt.Errorf("board %s: %w", col.BoardID, err)
	}
	return board.OwnerID, nil
}

// displayName resolves a user id for record old/new values, falling back
// to the raw id when the directory cannot resolve it.
func (e *Engine) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return "Unassigned"
	}
	user, err := e.dir.GetUser(ctx, userID)
	if err != nil {
		return userID
	}
	return user.Username
}

// appendRecord writes one audit entry. Failures are reported and dropped;
// the accepted mutation stands either way.
func (e *Engine) appendRecord(ctx context.Context, r domain.ChangeRecord) {
	if err := e.audit.Append(ctx, r); err != nil {
		e.logger.WithFields(log.Fields{
			"task_id": r.TaskID,
			"action":  r.Action,
			"error":   err.Error(),
		}).Error("change record not appended")
	}
}

func (e *Engine) evict(ctx context.Context, columnIDs ...string) {
	if e.evictor != nil {
		e.evictor.Evict(ctx, columnIDs...)
	}
}
