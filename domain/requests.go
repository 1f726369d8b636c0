package domain

import (
	"errors"
	"time"
)

// CreateTaskRequest describes a new card. The same shape, applied to an
// existing id, drives updates.
type CreateTaskRequest struct {
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	ColumnID     string     `json:"columnId"`
	AssignedToID string     `json:"assignedToId,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	Priority     Priority   `json:"priority,omitempty"`
	Color        string     `json:"color,omitempty"`
}

// Validate checks the request shape before it reaches the engine.
func (r CreateTaskRequest) Validate() error {
	if r.Title == "" {
		return errors.New("title is required")
	}
	if len(r.Title) > 200 {
		return errors.New("title exceeds 200 characters")
	}
	if !r.Priority.Valid() {
		return errors.New("unknown priority")
	}
	return nil
}

// MoveTaskRequest carries the optimistic version the client last saw.
type MoveTaskRequest struct {
	TaskID          string `json:"taskId"`
	TargetColumnID  string `json:"targetColumnId"`
	NewPosition     int    `json:"newPosition"`
	ExpectedVersion int    `json:"version"`
}

// Validate checks the request shape before it reaches the engine.
func (r MoveTaskRequest) Validate() error {
	if r.TaskID == "" {
		return errors.New("taskId is required")
	}
	if r.TargetColumnID == "" {
		return errors.New("targetColumnId is required")
	}
	if r.NewPosition < 0 {
		return errors.New("newPosition must not be negative")
	}
	return nil
}

// CreateCommentRequest adds a comment to a task.
type CreateCommentRequest struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
	Text   string `json:"commentText"`
}

// Validate checks the request shape before it reaches the engine.
func (r CreateCommentRequest) Validate() error {
	if r.TaskID == "" {
		return errors.New("taskId is required")
	}
	if r.UserID == "" {
		return errors.New("userId is required")
	}
	if r.Text == "" {
		return errors.New("commentText is required")
	}
	return nil
}
