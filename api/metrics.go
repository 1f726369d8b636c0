package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "board-api/api"
	mutationEventName   = "board.mutation"
	mutationEventDomain = "board"
)

// mutationMetrics collects per-request observability for one mutation: an
// otel span plus a structured log line emitted when the request finishes.
type mutationMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	op         string
	taskID     string
	conflict   bool
	errorStage string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, op string) (*mutationMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, op)
	return &mutationMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		op:     op,
	}, spanCtx
}

func (m *mutationMetrics) SetTaskID(id string) {
	m.taskID = id
}

func (m *mutationMetrics) SetConflict() {
	m.conflict = true
}

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and emits the observability event.
func (m *mutationMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	totalMs := durationToMillis(time.Since(m.start))

	attrs := map[string]any{
		"board.mutation.op":       m.op,
		"board.mutation.total_ms": totalMs,
		"http.status_code":        status,
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("board.mutation.op", m.op),
		attribute.Float64("board.mutation.total_ms", totalMs),
		attribute.Int("http.status_code", status),
	}
	if m.taskID != "" {
		attrs["board.mutation.task_id"] = m.taskID
		spanAttrs = append(spanAttrs, attribute.String("board.mutation.task_id", m.taskID))
	}
	if m.conflict {
		attrs["board.mutation.conflict"] = true
		spanAttrs = append(spanAttrs, attribute.Bool("board.mutation.conflict", true))
	}
	if m.errorStage != "" {
		attrs["board.mutation.error_stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String("board.mutation.error_stage", m.errorStage))
	}
	if err != nil {
		attrs["error"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(spanAttrs...)
		if err != nil && status >= 500 {
			m.span.SetStatus(codes.Error, err.Error())
			m.span.RecordError(err)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)
	m.logger.WithFields(log.Fields{
		"event.name":      mutationEventName,
		"event.domain":    mutationEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}).Info("observability.event")
}

// severityForStatus maps an HTTP outcome to log severity. Conflicts and
// other client errors are expected traffic, not faults.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= 500 || (err != nil && status == 0):
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
