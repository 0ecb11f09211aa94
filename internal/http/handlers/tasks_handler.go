// Operator task endpoints.
//
//   - GET /tasks/stats   (queue depth per state)
//   - GET /tasks         (paged list, optional ?state=)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/utils"
)

// TaskStatsResponse carries the number of tasks per state.
type TaskStatsResponse struct {
	Counts map[domain.TaskState]int64 `json:"counts"`
}

// ListTasksResponse is one page of tasks.
type ListTasksResponse struct {
	Tasks  []domain.Task `json:"tasks"`
	Total  int64         `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
}

// TaskStats godoc
// @Summary  Queue depth per task state
// @Tags     tasks
// @Produce  json
// @Success  200  {object}  TaskStatsResponse
// @Router   /tasks/stats [get]
func (h *Handlers) TaskStats(c *gin.Context) {
	counts, err := h.tasks.Depth(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not count tasks")
		return
	}
	if counts == nil {
		counts = map[domain.TaskState]int64{}
	}
	ok(c, http.StatusOK, TaskStatsResponse{Counts: counts})
}

// ListTasks godoc
// @Summary  List tasks, newest first
// @Tags     tasks
// @Produce  json
// @Param    state   query  string  false  "pending|running|succeeded|failed_retryable|failed_terminal"
// @Param    limit   query  int     false  "page size (1-100)"
// @Param    offset  query  int     false  "rows to skip"
// @Success  200  {object}  ListTasksResponse
// @Failure  400  {object}  ErrorResponse
// @Router   /tasks [get]
func (h *Handlers) ListTasks(c *gin.Context) {
	const (
		defLimit = 50
		maxLimit = 100
	)
	state := domain.TaskState(strings.ToLower(strings.TrimSpace(c.Query("state"))))
	if state != "" && !validState(state) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown task state "+string(state))
		return
	}
	limit, offset := utils.Page(c.Query("limit"), c.Query("offset"), defLimit, maxLimit)

	tasks, total, err := h.tasks.List(c.Request.Context(), state, offset, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list tasks")
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	ok(c, http.StatusOK, ListTasksResponse{Tasks: tasks, Total: total, Offset: offset, Limit: limit})
}

func validState(s domain.TaskState) bool {
	switch s {
	case domain.TaskPending, domain.TaskRunning, domain.TaskSucceeded,
		domain.TaskFailedRetryable, domain.TaskFailedTerminal:
		return true
	}
	return false
}
