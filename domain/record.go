package domain

import "time"

// Action classifies a ChangeRecord.
type Action string

const (
	ActionCreated         Action = "CREATED"
	ActionUpdated         Action = "UPDATED"
	ActionMoved           Action = "MOVED"
	ActionAssigned        Action = "ASSIGNED"
	ActionPriorityChanged Action = "PRIORITY_CHANGED"
	ActionDeleted         Action = "DELETED"
)

// ChangeRecord is one durable, attributed entry describing a single
// field-level or structural change to a task. Records are append-only and
// ordered by CreatedAt, which matches mutation acceptance order.
type ChangeRecord struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username,omitempty"`
	Action      Action    `json:"actionType"`
	FieldName   string    `json:"fieldName,omitempty"`
	OldValue    string    `json:"oldValue,omitempty"`
	NewValue    string    `json:"newValue,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}
