package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"board-api/domain"
)

// Tables is the durable state store. Tasks are partitioned by board id so
// a move together with its sibling repositions lands in a single-partition
// transactional batch; the ETag If-Match on the moved entity is the
// store-level compare-and-swap that closes the check-then-act window
// between concurrent movers. Comments and change records are partitioned
// by task id.
type Tables struct {
	taskTable    *aztables.Client
	commentTable *aztables.Client
	recordTable  *aztables.Client
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tasksTable, commentsTable, recordsTable string) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Tables{
		taskTable:    svc.NewClient(tasksTable),
		commentTable: svc.NewClient(commentsTable),
		recordTable:  svc.NewClient(recordsTable),
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title        string `json:"Title"`
	Description  string `json:"Description"`
	ColumnID     string `json:"ColumnId"`
	Position     int    `json:"Position"`
	AssignedToID string `json:"AssignedTo"`
	DueDate      string `json:"DueDate"`
	Priority     string `json:"Priority"`
	Color        string `json:"Color"`
	Version      int    `json:"Version"`
	CreatedAt    string `json:"CreatedAt"`
	UpdatedAt    string `json:"UpdatedAt"`
	Attachments  string `json:"Attachments"`
}

func taskToEntity(t domain.Task) (taskEntity, error) {
	ent := taskEntity{
		Entity:       aztables.Entity{PartitionKey: t.BoardID, RowKey: t.ID},
		Title:        t.Title,
		Description:  t.Description,
		ColumnID:     t.ColumnID,
		Position:     t.Position,
		AssignedToID: t.AssignedToID,
		Priority:     string(t.Priority),
		Color:        t.Color,
		Version:      t.Version,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339Nano)
	}
	if len(t.Attachments) > 0 {
		data, err := json.Marshal(t.Attachments)
		if err != nil {
			return taskEntity{}, err
		}
		ent.Attachments = string(data)
	}
	return ent, nil
}

func entityToTask(ent taskEntity) (domain.Task, error) {
	t := domain.Task{
		ID:           ent.RowKey,
		BoardID:      ent.PartitionKey,
		Title:        ent.Title,
		Description:  ent.Description,
		ColumnID:     ent.ColumnID,
		Position:     ent.Position,
		AssignedToID: ent.AssignedToID,
		Priority:     domain.Priority(ent.Priority),
		Color:        ent.Color,
		Version:      ent.Version,
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339Nano, ent.DueDate)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parse due date: %w", err)
		}
		t.DueDate = &due
	}
	if ent.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parse created at: %w", err)
		}
		t.CreatedAt = created
	}
	if ent.UpdatedAt != "" {
		updated, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parse updated at: %w", err)
		}
		t.UpdatedAt = updated
	}
	if ent.Attachments != "" {
		if err := json.Unmarshal([]byte(ent.Attachments), &t.Attachments); err != nil {
			return domain.Task{}, fmt.Errorf("parse attachments: %w", err)
		}
	}
	return t, nil
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func mapTableErr(err error) error {
	if isStatus(err, http.StatusNotFound) {
		return ErrNotFound
	}
	return err
}

// findTask scans for the task's row key across board partitions. Callers
// hold only the task id; the partition (board) comes from the entity.
func (s *Tables) findTask(ctx context.Context, id string) (taskEntity, azcore.ETag, error) {
	filter := fmt.Sprintf("RowKey eq '%s'", id)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return taskEntity{}, "", mapTableErr(err)
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return taskEntity{}, "", err
			}
			// List responses carry the ETag inside the payload.
			var withTag struct {
				ETag string `json:"odata.etag"`
			}
			_ = json.Unmarshal(raw, &withTag)
			return ent, azcore.ETag(withTag.ETag), nil
		}
	}
	return taskEntity{}, "", ErrNotFound
}

func (s *Tables) GetTask(ctx context.Context, id string) (domain.Task, error) {
	ent, _, err := s.findTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return entityToTask(ent)
}

// ListTasksByColumn returns the column's tasks in position order.
func (s *Tables) ListTasksByColumn(ctx context.Context, columnID string) ([]domain.Task, error) {
	filter := fmt.Sprintf("ColumnId eq '%s'", columnID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableErr(err)
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			t, err := entityToTask(ent)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
	return tasks, nil
}

func (s *Tables) InsertTask(ctx context.Context, t domain.Task) error {
	ent, err := taskToEntity(t)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, data, nil)
	return err
}

// SaveTask overwrites the stored task unconditionally (last write wins).
func (s *Tables) SaveTask(ctx context.Context, t domain.Task) error {
	ent, err := taskToEntity(t)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return mapTableErr(err)
}

// SwapTask re-reads the moved entity, verifies its version, and submits a
// single-partition batch conditioned on the entity's ETag. A concurrent
// writer between the read and the batch invalidates the ETag and fails the
// whole batch, which surfaces as a ConflictError with the fresh state.
func (s *Tables) SwapTask(ctx context.Context, moved domain.Task, expectedVersion int, repositioned []domain.Task) error {
	stored, etag, err := s.findTask(ctx, moved.ID)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		current, convErr := entityToTask(stored)
		if convErr != nil {
			return convErr
		}
		return &ConflictError{Current: current}
	}

	ent, err := taskToEntity(moved)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}

	if moved.BoardID != stored.PartitionKey {
		// Cross-board move changes the partition key, which a batch cannot
		// express. The conditional delete of the old row is the CAS here;
		// a stale ETag means a concurrent writer got there first.
		if _, err := s.taskTable.DeleteEntity(ctx, stored.PartitionKey, stored.RowKey, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
			if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusConflict) {
				current, curErr := s.GetTask(ctx, moved.ID)
				if curErr != nil {
					return curErr
				}
				return &ConflictError{Current: current}
			}
			return mapTableErr(err)
		}
		if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
			return mapTableErr(err)
		}
		return s.ReorderTasks(ctx, repositioned)
	}

	actions := []aztables.TransactionAction{{
		ActionType: aztables.TransactionTypeUpdateReplace,
		Entity:     data,
		IfMatch:    &etag,
	}}
	for _, sib := range repositioned {
		if sib.BoardID != stored.PartitionKey {
			continue
		}
		sibEnt, err := taskToEntity(sib)
		if err != nil {
			return err
		}
		sibData, err := json.Marshal(sibEnt)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     sibData,
		})
	}

	if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
		if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusConflict) {
			current, curErr := s.GetTask(ctx, moved.ID)
			if curErr != nil {
				return curErr
			}
			return &ConflictError{Current: current}
		}
		return mapTableErr(err)
	}
	return nil
}

// ReorderTasks merges position updates for the given tasks.
func (s *Tables) ReorderTasks(ctx context.Context, tasks []domain.Task) error {
	for _, t := range tasks {
		ent := struct {
			aztables.Entity
			Position int `json:"Position"`
		}{
			Entity:   aztables.Entity{PartitionKey: t.BoardID, RowKey: t.ID},
			Position: t.Position,
		}
		data, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		if _, err := s.taskTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeMerge}); err != nil {
			if IsNotFound(mapTableErr(err)) {
				continue
			}
			return err
		}
	}
	return nil
}

// DeleteTask removes the task entity and cascades its comment and change
// record partitions.
func (s *Tables) DeleteTask(ctx context.Context, id string) error {
	ent, _, err := s.findTask(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil); err != nil {
		return mapTableErr(err)
	}
	if err := s.deletePartition(ctx, s.commentTable, id); err != nil {
		return err
	}
	return s.deletePartition(ctx, s.recordTable, id)
}

func (s *Tables) deletePartition(ctx context.Context, table *aztables.Client, partitionKey string) error {
	filter := fmt.Sprintf("PartitionKey eq '%s'", partitionKey)
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return mapTableErr(err)
		}
		for _, raw := range resp.Entities {
			var ent aztables.Entity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return err
			}
			if _, err := table.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil); err != nil && !IsNotFound(mapTableErr(err)) {
				return err
			}
		}
	}
	return nil
}

type commentEntity struct {
	aztables.Entity
	CommentID string `json:"CommentId"`
	UserID    string `json:"UserId"`
	Username  string `json:"Username"`
	Text      string `json:"Text"`
	CreatedAt string `json:"CreatedAt"`
	UpdatedAt string `json:"UpdatedAt"`
}

// Comment row keys sort oldest first so a partition scan returns the
// conversation in order.
func commentRowKey(createdAt time.Time) string {
	return fmt.Sprintf("%019d", createdAt.UTC().UnixNano())
}

func commentToEntity(c domain.Comment) commentEntity {
	return commentEntity{
		Entity:    aztables.Entity{PartitionKey: c.TaskID, RowKey: commentRowKey(c.CreatedAt)},
		CommentID: c.ID,
		UserID:    c.UserID,
		Username:  c.Username,
		Text:      c.Text,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func entityToComment(ent commentEntity) (domain.Comment, error) {
	c := domain.Comment{
		ID:       ent.CommentID,
		TaskID:   ent.PartitionKey,
		UserID:   ent.UserID,
		Username: ent.Username,
		Text:     ent.Text,
	}
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, ent.CreatedAt); err != nil {
		return domain.Comment{}, fmt.Errorf("parse comment created at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, ent.UpdatedAt); err != nil {
		return domain.Comment{}, fmt.Errorf("parse comment updated at: %w", err)
	}
	return c, nil
}

func (s *Tables) findComment(ctx context.Context, id string) (commentEntity, error) {
	filter := fmt.Sprintf("CommentId eq '%s'", id)
	pager := s.commentTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return commentEntity{}, mapTableErr(err)
		}
		for _, raw := range resp.Entities {
			var ent commentEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return commentEntity{}, err
			}
			return ent, nil
		}
	}
	return commentEntity{}, ErrNotFound
}

func (s *Tables) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	ent, err := s.findComment(ctx, id)
	if err != nil {
		return domain.Comment{}, err
	}
	return entityToComment(ent)
}

// ListCommentsByTask returns comments oldest first.
func (s *Tables) ListCommentsByTask(ctx context.Context, taskID string) ([]domain.Comment, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", taskID)
	pager := s.commentTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	comments := []domain.Comment{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableErr(err)
		}
		for _, raw := range resp.Entities {
			var ent commentEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			c, err := entityToComment(ent)
			if err != nil {
				return nil, err
			}
			comments = append(comments, c)
		}
	}
	return comments, nil
}

func (s *Tables) InsertComment(ctx context.Context, c domain.Comment) error {
	data, err := json.Marshal(commentToEntity(c))
	if err != nil {
		return err
	}
	_, err = s.commentTable.AddEntity(ctx, data, nil)
	return err
}

func (s *Tables) SaveComment(ctx context.Context, c domain.Comment) error {
	data, err := json.Marshal(commentToEntity(c))
	if err != nil {
		return err
	}
	_, err = s.commentTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return mapTableErr(err)
}

func (s *Tables) DeleteComment(ctx context.Context, id string) error {
	ent, err := s.findComment(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.commentTable.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil)
	return mapTableErr(err)
}

type recordEntity struct {
	aztables.Entity
	RecordID    string `json:"RecordId"`
	UserID      string `json:"UserId"`
	Username    string `json:"Username"`
	ActionType  string `json:"ActionType"`
	FieldName   string `json:"FieldName"`
	OldValue    string `json:"OldValue"`
	NewValue    string `json:"NewValue"`
	Description string `json:"Description"`
	CreatedAt   string `json:"CreatedAt"`
}

// Record row keys invert the timestamp so a partition scan returns the
// trail newest first, the order the activity view renders.
func recordRowKey(createdAt time.Time) string {
	return fmt.Sprintf("%019d", math.MaxInt64-createdAt.UTC().UnixNano())
}

// AppendRecord writes one change record to the task's trail.
func (s *Tables) AppendRecord(ctx context.Context, r domain.ChangeRecord) error {
	ent := recordEntity{
		Entity:      aztables.Entity{PartitionKey: r.TaskID, RowKey: recordRowKey(r.CreatedAt)},
		RecordID:    r.ID,
		UserID:      r.UserID,
		Username:    r.Username,
		ActionType:  string(r.Action),
		FieldName:   r.FieldName,
		OldValue:    r.OldValue,
		NewValue:    r.NewValue,
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.recordTable.AddEntity(ctx, data, nil)
	return err
}

// ListRecordsByTask returns the task's change records newest first.
func (s *Tables) ListRecordsByTask(ctx context.Context, taskID string) ([]domain.ChangeRecord, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", taskID)
	pager := s.recordTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	records := []domain.ChangeRecord{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableErr(err)
		}
		for _, raw := range resp.Entities {
			var ent recordEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			created, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("parse record created at: %w", err)
			}
			records = append(records, domain.ChangeRecord{
				ID:          ent.RecordID,
				TaskID:      ent.PartitionKey,
				UserID:      ent.UserID,
				Username:    ent.Username,
				Action:      domain.Action(ent.ActionType),
				FieldName:   ent.FieldName,
				OldValue:    ent.OldValue,
				NewValue:    ent.NewValue,
				Description: ent.Description,
				CreatedAt:   created,
			})
		}
	}
	return records, nil
}

func (s *Tables) DeleteRecordsByTask(ctx context.Context, taskID string) error {
	return s.deletePartition(ctx, s.recordTable, taskID)
}
