package domain

// Event kinds carried to subscribers. The payload is always the full
// resulting entity; clients re-render from it rather than applying diffs.
const (
	EventTaskCreated    = "task-created"
	EventTaskUpdated    = "task-updated"
	EventTaskMoved      = "task-moved"
	EventTaskDeleted    = "task-deleted"
	EventCommentCreated = "comment-created"
	EventCommentUpdated = "comment-updated"
	EventCommentDeleted = "comment-deleted"
)

// Event is the ephemeral notification handed from the mutation engine to
// the broadcast router after an accepted mutation. It is never persisted.
type Event struct {
	Topic   string   `json:"topic"`
	Type    string   `json:"type"`
	Task    *Task    `json:"task,omitempty"`
	Comment *Comment `json:"comment,omitempty"`
	// EntityID is set for deletions, where no full payload remains.
	EntityID string `json:"entityId,omitempty"`
}

// BoardTopic addresses all task events within a board.
func BoardTopic(boardID string) string {
	return "board:" + boardID
}

// CommentsTopic addresses comment events for a single task.
func CommentsTopic(taskID string) string {
	return "task:" + taskID + ":comments"
}
