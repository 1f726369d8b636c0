package domain

import "time"

// Priority is the urgency bucket of a task card.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is one of the known priorities. The empty
// priority is allowed; cards without an explicit priority render unmarked.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is a single board card. Version starts at 1 and increments by
// exactly one on every accepted mutation; it is the optimistic lock for
// moves.
type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	BoardID      string       `json:"boardId"`
	ColumnID     string       `json:"columnId"`
	Position     int          `json:"position"`
	AssignedToID string       `json:"assignedToId,omitempty"`
	DueDate      *time.Time   `json:"dueDate,omitempty"`
	Priority     Priority     `json:"priority,omitempty"`
	Color        string       `json:"color,omitempty"`
	Version      int          `json:"version"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// Attachment references a file held by the external blob store. The core
// never reads or writes the binary content.
type Attachment struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"taskId"`
	FileName string    `json:"fileName"`
	FileSize int64     `json:"fileSize,omitempty"`
	Uploaded time.Time `json:"uploadedAt"`
}

// Column is an ordered container of tasks. Columns are owned by the board
// directory; the core only reads them for addressing and attribution.
type Column struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// Board roots the broadcast topic namespace. Read-only here.
type Board struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// User is the minimal identity shape needed for attribution. Identity
// management lives in the external auth provider.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
