package domain

import "time"

// Comment is a discussion entry on a task. Comments broadcast on the
// task's comment topic but do not participate in version conflict checks.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"commentText"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
