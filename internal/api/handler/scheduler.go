// Package handler implements the HTTP endpoints of the v2 API.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sner-project/sner/internal/api/response"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/pkg/models"
)

// SchedulerService defines the scheduler operations the agent-facing
// endpoints depend on.
type SchedulerService interface {
	JobAssign(ctx context.Context, queueName string, caps []string) (*models.Assignment, error)
	JobOutput(ctx context.Context, jobID uuid.UUID, retval int, output []byte) (bool, error)
}

// NewJobAssignHandler returns the handler for POST /api/v2/scheduler/job/assign.
// The reply is either an assignment object or {} meaning "no work"; a
// contended scheduler lock also yields {} so agents back off and retry.
func NewJobAssignHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Queue string   `json:"queue"`
			Caps  []string `json:"caps"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusUnprocessableEntity, "invalid request")
				return
			}
		}

		assignment, err := svc.JobAssign(r.Context(), req.Queue, req.Caps)
		if errors.Is(err, scheduler.ErrBusy) {
			response.Empty(w)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		if assignment == nil {
			response.Empty(w)
			return
		}
		response.JSON(w, assignment)
	}
}

// NewJobOutputHandler returns the handler for POST /api/v2/scheduler/job/output.
// Unknown or already finished jobs are answered with "discard job" so the
// agent drops its local state.
func NewJobOutputHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Retval *int   `json:"retval"`
			Output string `json:"output"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "invalid request")
			return
		}
		if req.ID == "" || req.Retval == nil {
			response.Error(w, http.StatusUnprocessableEntity, "invalid request")
			return
		}
		jobID, err := uuid.Parse(req.ID)
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "invalid request")
			return
		}
		output, err := base64.StdEncoding.DecodeString(req.Output)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "invalid output encoding")
			return
		}

		accepted, err := svc.JobOutput(r.Context(), jobID, *req.Retval, output)
		if errors.Is(err, scheduler.ErrBusy) {
			response.Error(w, http.StatusTooManyRequests, "server busy")
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !accepted {
			response.Message(w, "discard job")
			return
		}
		response.Message(w, "success")
	}
}
