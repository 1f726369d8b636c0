package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/broadcast"
	"board-api/domain"
	"board-api/engine"
	"board-api/storage"
)

type mockMutator struct {
	createTaskFn func(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error)
	updateTaskFn func(ctx context.Context, taskID string, req domain.CreateTaskRequest) (domain.Task, error)
	moveTaskFn   func(ctx context.Context, req domain.MoveTaskRequest) (domain.Task, error)
	deleteTaskFn func(ctx context.Context, taskID string) error
	createCmtFn  func(ctx context.Context, req domain.CreateCommentRequest) (domain.Comment, error)
}

func (m *mockMutator) CreateTask(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error) {
	if m.createTaskFn == nil {
		return domain.Task{}, errors.New("unexpected CreateTask call")
	}
	return m.createTaskFn(ctx, req)
}

func (m *mockMutator) UpdateTask(ctx context.Context, taskID string, req domain.CreateTaskRequest) (domain.Task, error) {
	if m.updateTaskFn == nil {
		return domain.Task{}, errors.New("unexpected UpdateTask call")
	}
	return m.updateTaskFn(ctx, taskID, req)
}

func (m *mockMutator) MoveTask(ctx context.Context, req domain.MoveTaskRequest) (domain.Task, error) {
	if m.moveTaskFn == nil {
		return domain.Task{}, errors.New("unexpected MoveTask call")
	}
	return m.moveTaskFn(ctx, req)
}

func (m *mockMutator) DeleteTask(ctx context.Context, taskID string) error {
	if m.deleteTaskFn == nil {
		return errors.New("unexpected DeleteTask call")
	}
	return m.deleteTaskFn(ctx, taskID)
}

func (m *mockMutator) CreateComment(ctx context.Context, req domain.CreateCommentRequest) (domain.Comment, error) {
	if m.createCmtFn == nil {
		return domain.Comment{}, errors.New("unexpected CreateComment call")
	}
	return m.createCmtFn(ctx, req)
}

func (m *mockMutator) UpdateComment(context.Context, string, string) (domain.Comment, error) {
	return domain.Comment{}, errors.New("unexpected UpdateComment call")
}

func (m *mockMutator) DeleteComment(context.Context, string) error {
	return errors.New("unexpected DeleteComment call")
}

type mockAuth struct {
	userID string
	err    error
}

func (a mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	if a.userID == "" {
		return "user", nil
	}
	return a.userID, nil
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestCreateTask(t *testing.T) {
	e := echo.New()
	mut := &mockMutator{
		createTaskFn: func(_ context.Context, req domain.CreateTaskRequest) (domain.Task, error) {
			if req.Title != "new card" || req.ColumnID != "c1" {
				t.Fatalf("unexpected request: %#v", req)
			}
			return domain.Task{ID: "t1", Title: req.Title, ColumnID: req.ColumnID, Position: 0, Version: 1}, nil
		},
	}

	body := `{"title":"new card","columnId":"c1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := createTask(mut, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.ID != "t1" || task.Version != 1 {
		t.Fatalf("unexpected task: %#v", task)
	}
}

func TestCreateTaskUnauthorized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := createTask(&mockMutator{}, mockAuth{err: errors.New("no token")}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestCreateTaskRejectsUnknownFields(t *testing.T) {
	e := echo.New()
	body := `{"title":"x","columnId":"c1","surprise":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := createTask(&mockMutator{}, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestCreateTaskMissingTitle(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"columnId":"c1"}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := createTask(&mockMutator{}, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestCreateTaskInvalidAssignee(t *testing.T) {
	e := echo.New()
	mut := &mockMutator{
		createTaskFn: func(context.Context, domain.CreateTaskRequest) (domain.Task, error) {
			return domain.Task{}, engine.ErrInvalidAssignee
		},
	}
	body := `{"title":"x","columnId":"c1","assignedToId":"ghost"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := createTask(mut, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 got %d", rec.Code)
	}
}

func TestMoveTaskConflictCarriesCurrentState(t *testing.T) {
	e := echo.New()
	current := domain.Task{ID: "t1", ColumnID: "c2", Position: 1, Version: 5}
	mut := &mockMutator{
		moveTaskFn: func(_ context.Context, req domain.MoveTaskRequest) (domain.Task, error) {
			if req.TaskID != "t1" {
				t.Fatalf("expected task id from path, got %q", req.TaskID)
			}
			if req.ExpectedVersion != 4 {
				t.Fatalf("unexpected expected version: %d", req.ExpectedVersion)
			}
			return domain.Task{}, &storage.ConflictError{Current: current}
		},
	}

	body := `{"targetColumnId":"c3","newPosition":0,"version":4}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/move", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("t1")

	if err := moveTask(mut, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Task == nil || resp.Task.Version != 5 || resp.Task.ColumnID != "c2" {
		t.Fatalf("conflict response must carry the authoritative task, got %#v", resp.Task)
	}
	if resp.Error == "" {
		t.Fatalf("expected error message")
	}
}

func TestMoveTaskNegativePosition(t *testing.T) {
	e := echo.New()
	body := `{"targetColumnId":"c2","newPosition":-1,"version":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/move", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("t1")

	if err := moveTask(&mockMutator{}, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	e := echo.New()
	mut := &mockMutator{
		updateTaskFn: func(context.Context, string, domain.CreateTaskRequest) (domain.Task, error) {
			return domain.Task{}, storage.ErrNotFound
		},
	}
	body := `{"title":"x","columnId":"c1"}`
	req := httptest.NewRequest(http.MethodPut, "/api/tasks/missing", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	if err := updateTask(mut, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	e := echo.New()
	var deleted string
	mut := &mockMutator{
		deleteTaskFn: func(_ context.Context, taskID string) error {
			deleted = taskID
			return nil
		},
	}
	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/t1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("t1")

	if err := deleteTask(mut, mockAuth{}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
	if deleted != "t1" {
		t.Fatalf("expected t1 deleted, got %q", deleted)
	}
}

func TestCreateCommentDefaultsToAuthenticatedUser(t *testing.T) {
	e := echo.New()
	mut := &mockMutator{
		createCmtFn: func(_ context.Context, req domain.CreateCommentRequest) (domain.Comment, error) {
			if req.TaskID != "t1" {
				t.Fatalf("expected task id from path, got %q", req.TaskID)
			}
			if req.UserID != "auth-user" {
				t.Fatalf("expected authenticated user as author, got %q", req.UserID)
			}
			return domain.Comment{ID: "cm1", TaskID: req.TaskID, UserID: req.UserID, Text: req.Text}, nil
		},
	}

	body := `{"commentText":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/comments", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("t1")

	if err := createComment(mut, mockAuth{userID: "auth-user"}, quietLogger())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
}

type stubColumnReader struct {
	tasks []domain.Task
	err   error
}

func (s stubColumnReader) ListTasksByColumn(context.Context, string) ([]domain.Task, error) {
	return s.tasks, s.err
}

func TestListColumnTasks(t *testing.T) {
	e := echo.New()
	reader := stubColumnReader{tasks: []domain.Task{{ID: "t1", Position: 0}, {ID: "t2", Position: 1}}}
	req := httptest.NewRequest(http.MethodGet, "/api/columns/c1/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := listColumnTasks(reader, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestStreamBoardEvents(t *testing.T) {
	e := echo.New()
	router := broadcast.NewRouter(0, quietLogger())
	topic := domain.BoardTopic("b1")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream/boards/b1", nil).WithContext(ctx)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("b1")

	handler := streamTopic(router, mockAuth{}, func(echo.Context) string { return topic })
	done := make(chan error, 1)
	go func() { done <- handler(c) }()

	// wait for the handler's subscription before publishing
	deadline := time.Now().Add(time.Second)
	for router.SubscriberCount(topic) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	task := domain.Task{ID: "t1", BoardID: "b1", ColumnID: "c1", Version: 2}
	router.Publish(context.Background(), domain.Event{Topic: topic, Type: domain.EventTaskMoved, Task: &task})

	// give the handler a beat to write the frame, then end the stream
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler did not exit on context cancel")
	}

	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	frame := rec.Body.String()
	if !strings.Contains(frame, "data: ") {
		t.Fatalf("no event frame written, body: %q", frame)
	}
	payload := strings.TrimPrefix(strings.Split(frame, "\n\n")[0], "data: ")
	var ev domain.Event
	if err := sonic.UnmarshalString(payload, &ev); err != nil {
		t.Fatalf("invalid event json %q: %v", payload, err)
	}
	if ev.Type != domain.EventTaskMoved || ev.Task == nil || ev.Task.Version != 2 {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	e := echo.New()
	router := broadcast.NewRouter(0, quietLogger())
	req := httptest.NewRequest(http.MethodGet, "/stream/boards/b1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := streamTopic(router, mockAuth{err: errors.New("no token")}, func(echo.Context) string { return "board:b1" })
	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}
