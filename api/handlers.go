package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
	"board-api/engine"
	"board-api/storage"
)

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, mut Mutator, columns ColumnReader, comments CommentReader, activity ActivityReader, subs Subscriptions, auth Authenticator, logger *log.Logger) {
	e.POST("/api/tasks", createTask(mut, auth, logger))
	e.PUT("/api/tasks/:id", updateTask(mut, auth, logger))
	e.POST("/api/tasks/:id/move", moveTask(mut, auth, logger))
	e.DELETE("/api/tasks/:id", deleteTask(mut, auth, logger))
	e.GET("/api/columns/:id/tasks", listColumnTasks(columns, auth))
	e.GET("/api/tasks/:id/activity", listActivity(activity, auth))
	e.GET("/api/tasks/:id/comments", listComments(comments, auth))
	e.POST("/api/tasks/:id/comments", createComment(mut, auth, logger))
	e.PUT("/api/comments/:id", updateComment(mut, auth, logger))
	e.DELETE("/api/comments/:id", deleteComment(mut, auth, logger))
	e.GET("/stream/boards/:id", streamTopic(subs, auth, func(c echo.Context) string {
		return domain.BoardTopic(c.Param("id"))
	}))
	e.GET("/stream/tasks/:id/comments", streamTopic(subs, auth, func(c echo.Context) string {
		return domain.CommentsTopic(c.Param("id"))
	}))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondMutationError maps engine errors onto the gateway's HTTP
// taxonomy. Conflicts carry the authoritative task state.
func respondMutationError(c echo.Context, metrics *mutationMetrics, err error) error {
	if ce, ok := storage.AsConflict(err); ok {
		metrics.SetConflict()
		current := ce.Current
		return c.JSON(http.StatusConflict, errorResponse{Error: ce.Error(), Task: &current})
	}
	if storage.IsNotFound(err) {
		metrics.SetErrorStage("not_found")
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}
	if errors.Is(err, engine.ErrInvalidAssignee) {
		metrics.SetErrorStage("invalid_assignee")
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	}
	metrics.SetErrorStage("storage")
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func createTask(mut Mutator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMutationMetrics(c.Request().Context(), logger, "task.create")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req domain.CreateTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if valErr := req.Validate(); valErr != nil {
			metrics.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: valErr.Error()})
		}

		task, engErr := mut.CreateTask(ctx, req)
		if engErr != nil {
			return respondMutationError(c, metrics, engErr)
		}
		metrics.SetTaskID(task.ID)
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(mut Mutator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMutationMetrics(c.Request().Context(), logger, "task.update")
		metrics.SetTaskID(c.Param("id"))
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req domain.CreateTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if valErr := req.Validate(); valErr != nil {
			metrics.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: valErr.Error()})
		}

		task, engErr := mut.UpdateTask(ctx, c.Param("id"), req)
		if engErr != nil {
			return respondMutationError(c, metrics, engErr)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func moveTask(mut Mutator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMutationMetrics(c.Request().Context(), logger, "task.move")
		metrics.SetTaskID(c.Param("id"))
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req domain.MoveTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		req.TaskID = c.Param("id")
		if valErr := req.Validate(); valErr != nil {
			metrics.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: valErr.Error()})
		}

		task, engErr := mut.MoveTask(ctx, req)
		if engErr != nil {
			return respondMutationError(c, metrics, engErr)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(mut Mutator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMutationMetrics(c.Request().Context(), logger, "task.delete")
		metrics.SetTaskID(c.Param("id"))
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		if engErr := mut.DeleteTask(ctx, c.Param("id")); engErr != nil {
			return respondMutationError(c, metrics, engErr)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listColumnTasks(columns ColumnReader, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		tasks, err := columns.ListTasksByColumn(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func listActivity(activity ActivityReader, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		records, err := activity.ListByTask(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return c.JSON(http.StatusOK, records)
	}
}

func listComments(comments CommentReader, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		list, err := comments.ListCommentsByTask(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return c.JSON(http.StatusOK, list)
	}
}

func createComment(mut Mutator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMutationMetrics(c.Request().Context(), logger, "comment.create")
		metrics.SetTaskID(c.Param("id"))
		defer func() { metrics.Log(c.Response().Status, err) }()

		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req domain.CreateCommentRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		req.TaskID = c.Param("id")
		if req.UserID == "" {
			req.UserID = userID
		}
		if valErr := req.Validate(); valErr != nil {
			metrics.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: valErr.Error()})
		}

		comment, engErr := mut.CreateComment(ctx, req)
		if engErr != nil {
			return respondMutationError(c, metrics, engErr)
		}
		return c.JSON(http.StatusCreated, comment)
	}
}

func updateComment(mut Mutator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMutationMetrics(c.Request().Context(), logger, "comment.update")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		var req struct {
			Text string `json:"commentText"`
		}
		if decodeErr := decodeBody(c, &req); decodeErr != nil || req.Text == "" {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		comment, engErr := mut.UpdateComment(ctx, c.Param("id"), req.Text)
		if engErr != nil {
			return respondMutationError(c, metrics, engErr)
		}
		return c.JSON(http.StatusOK, comment)
	}
}

func deleteComment(mut Mutator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMutationMetrics(c.Request().Context(), logger, "comment.delete")
		defer func() { metrics.Log(c.Response().Status, err) }()

		if _, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); authErr != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}

		if engErr := mut.DeleteComment(ctx, c.Param("id")); engErr != nil {
			return respondMutationError(c, metrics, engErr)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
