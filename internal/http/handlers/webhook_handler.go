// Webhook HTTP handler.
//
//   - POST /webhook   (bridge event intake)
//
// The handler is transport-thin: it binds the bridge envelope, asks the
// ingestion service for a decision and maps the decision to a status. It
// never waits for the event to be processed.
package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/services"
)

// IngestService decides whether an inbound event is accepted.
type IngestService interface {
	Accept(ctx context.Context, ev domain.InboundEvent) (services.IngestResult, error)
}

// TaskService exposes queue state to operators.
type TaskService interface {
	Depth(ctx context.Context) (map[domain.TaskState]int64, error)
	List(ctx context.Context, state domain.TaskState, offset, limit int) ([]domain.Task, int64, error)
}

// Handlers groups the gate and operator endpoints.
type Handlers struct {
	ingest IngestService
	tasks  TaskService
}

// New constructs Handlers bound to the given services.
func New(ingest IngestService, tasks TaskService) *Handlers {
	return &Handlers{ingest: ingest, tasks: tasks}
}

// WebhookRequest is the bridge envelope: the event travels under "body".
type WebhookRequest struct {
	Body domain.InboundEvent `json:"body"`
}

// WebhookResponse reports the gate decision.
type WebhookResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

// Webhook godoc
// @Summary      Receive a bridge event
// @Description  Gates the event (rate limit, dedup) and enqueues it for processing.
// @Tags         webhook
// @Accept       json
// @Produce      json
// @Param        X-Webhook-Secret  header  string          true  "Shared secret"
// @Param        body              body    WebhookRequest  true  "Bridge envelope"
// @Success      200  {object}  WebhookResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      413  {object}  ErrorResponse
// @Failure      429  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /webhook [post]
func (h *Handlers) Webhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid event: "+err.Error())
		return
	}

	res, err := h.ingest.Accept(c.Request.Context(), req.Body)
	switch {
	case err == nil:
		ok(c, http.StatusOK, WebhookResponse{Status: string(res.Outcome), TaskID: res.TaskID})
	case errors.Is(err, services.ErrThrottled):
		c.Header("Retry-After", retryAfterSeconds(res.RetryAfter))
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, services.ErrInvalidEvent):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrEnqueueFailed):
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, "could not enqueue event")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

// retryAfterSeconds renders d as whole seconds, rounded up, at least 1.
func retryAfterSeconds(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
