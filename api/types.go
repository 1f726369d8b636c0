package api

import (
	"context"

	"board-api/broadcast"
	"board-api/domain"
)

const mutationMaxSize = 64 * 1024 // 64 KiB

// Mutator applies task and comment mutations. Implemented by the engine.
type Mutator interface {
	CreateTask(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, req domain.CreateTaskRequest) (domain.Task, error)
	MoveTask(ctx context.Context, req domain.MoveTaskRequest) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	CreateComment(ctx context.Context, req domain.CreateCommentRequest) (domain.Comment, error)
	UpdateComment(ctx context.Context, commentID, text string) (domain.Comment, error)
	DeleteComment(ctx context.Context, commentID string) error
}

// ColumnReader serves the catch-up read path for board state.
type ColumnReader interface {
	ListTasksByColumn(ctx context.Context, columnID string) ([]domain.Task, error)
}

// CommentReader serves the comment read path.
type CommentReader interface {
	ListCommentsByTask(ctx context.Context, taskID string) ([]domain.Comment, error)
}

// ActivityReader serves the audit trail read path.
type ActivityReader interface {
	ListByTask(ctx context.Context, taskID string) ([]domain.ChangeRecord, error)
}

// Subscriptions registers stream connections on broadcast topics.
type Subscriptions interface {
	Subscribe(topic string) *broadcast.Subscriber
}

// Authenticator is implemented by types able to extract user IDs from
// headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

type errorResponse struct {
	Error string `json:"error"`
	// Task carries the authoritative state on version conflicts so the
	// caller can discard its optimistic local move and re-render.
	Task *domain.Task `json:"task,omitempty"`
}
