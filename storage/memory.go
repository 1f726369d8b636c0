package storage

import (
	"context"
	"sort"
	"sync"

	"board-api/domain"
)

// Memory is an in-process state store. A single mutex covers every
// operation, which makes SwapTask a true compare-and-swap: the version
// check and the write happen under the same critical section, so two
// concurrent swappers for the same version cannot both succeed.
type Memory struct {
	mu       sync.RWMutex
	tasks    map[string]domain.Task
	comments map[string]domain.Comment
	records  map[string][]domain.ChangeRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]domain.Task),
		comments: make(map[string]domain.Comment),
		records:  make(map[string][]domain.ChangeRecord),
	}
}

func (m *Memory) GetTask(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

// ListTasksByColumn returns the column's tasks in position order.
func (m *Memory) ListTasksByColumn(_ context.Context, columnID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := []domain.Task{}
	for _, t := range m.tasks {
		if t.ColumnID == columnID {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
	return tasks, nil
}

func (m *Memory) InsertTask(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

// SaveTask overwrites the stored task unconditionally. Used by the
// last-write-wins update path.
func (m *Memory) SaveTask(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = t
	return nil
}

// SwapTask writes moved only if the stored version still equals
// expectedVersion, applying any sibling repositions in the same atomic
// step. On a stale version it returns a ConflictError carrying the current
// stored state.
func (m *Memory) SwapTask(_ context.Context, moved domain.Task, expectedVersion int, repositioned []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[moved.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return &ConflictError{Current: stored}
	}
	m.tasks[moved.ID] = moved
	for _, sib := range repositioned {
		if cur, ok := m.tasks[sib.ID]; ok {
			cur.Position = sib.Position
			m.tasks[sib.ID] = cur
		}
	}
	return nil
}

// ReorderTasks rewrites the positions of the given tasks. Only Position is
// taken from each element; other fields are left as stored.
func (m *Memory) ReorderTasks(_ context.Context, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		cur, ok := m.tasks[t.ID]
		if !ok {
			continue
		}
		cur.Position = t.Position
		m.tasks[t.ID] = cur
	}
	return nil
}

// DeleteTask removes the task and cascades its comments, attachment
// references and change records.
func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	for cid, c := range m.comments {
		if c.TaskID == id {
			delete(m.comments, cid)
		}
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) GetComment(_ context.Context, id string) (domain.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.comments[id]
	if !ok {
		return domain.Comment{}, ErrNotFound
	}
	return c, nil
}

// ListCommentsByTask returns comments oldest first.
func (m *Memory) ListCommentsByTask(_ context.Context, taskID string) ([]domain.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	comments := []domain.Comment{}
	for _, c := range m.comments {
		if c.TaskID == taskID {
			comments = append(comments, c)
		}
	}
	sort.Slice(comments, func(i, j int) bool { return comments[i].CreatedAt.Before(comments[j].CreatedAt) })
	return comments, nil
}

func (m *Memory) InsertComment(_ context.Context, c domain.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[c.ID] = c
	return nil
}

func (m *Memory) SaveComment(_ context.Context, c domain.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[c.ID]; !ok {
		return ErrNotFound
	}
	m.comments[c.ID] = c
	return nil
}

func (m *Memory) DeleteComment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[id]; !ok {
		return ErrNotFound
	}
	delete(m.comments, id)
	return nil
}

// AppendRecord appends a change record to the task's trail.
func (m *Memory) AppendRecord(_ context.Context, r domain.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.TaskID] = append(m.records[r.TaskID], r)
	return nil
}

// ListRecordsByTask returns the task's change records newest first.
func (m *Memory) ListRecordsByTask(_ context.Context, taskID string) ([]domain.ChangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.records[taskID]
	out := make([]domain.ChangeRecord, len(stored))
	for i, r := range stored {
		out[len(stored)-1-i] = r
	}
	return out, nil
}

func (m *Memory) DeleteRecordsByTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, taskID)
	return nil
}
