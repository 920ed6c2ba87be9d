package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/stratumfs/stratumfs/internal/index"
)

// adminError is the JSON error body of the admin API.
type adminError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (g *Gateway) writeJSONError(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, adminError{Code: code, Message: message})
}

// requireAdmin gates the admin API to the administrative principal.
func (g *Gateway) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if principalFrom(r) != g.eval.AdminPrincipal() {
		g.writeJSONError(w, http.StatusForbidden, "AccessDenied", "Administrative credentials are required")
		return false
	}
	return true
}

func (g *Gateway) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, index.ErrJobNotFound):
		g.writeJSONError(w, http.StatusNotFound, "NoSuchJob", "The specified job does not exist")
	case errors.Is(err, index.ErrInvalidTransition):
		g.writeJSONError(w, http.StatusConflict, "InvalidJobState", err.Error())
	default:
		g.writeJSONError(w, http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again.")
	}
}

// createJobRequest is the CreateJob body.
type createJobRequest struct {
	OperationType    string            `json:"operationType"`
	ManifestLocation string            `json:"manifestLocation"`
	Parameters       map[string]string `json:"parameters,omitempty"`
}

// CreateJob registers a batch job in Pending state. Manifest execution
// belongs to external workers; only the table lives here.
func (g *Gateway) CreateJob(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, "MalformedJSON", "The request body is not valid JSON")
		return
	}
	if req.OperationType == "" || req.ManifestLocation == "" {
		g.writeJSONError(w, http.StatusBadRequest, "InvalidArgument", "operationType and manifestLocation are required")
		return
	}

	job, err := g.idx.CreateBatchJob(r.Context(), req.OperationType, req.ManifestLocation, req.Parameters)
	if err != nil {
		g.jobError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, job)
}

// ListJobs returns jobs newest first, optionally filtered by ?status=.
func (g *Gateway) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := g.idx.ListBatchJobs(r.Context(), index.JobStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		g.jobError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*index.BatchJob{}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// DescribeJob returns one job by id.
func (g *Gateway) DescribeJob(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	job, err := g.idx.GetBatchJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.jobError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, job)
}

// updateJobStatusRequest is the UpdateJobStatus body. Progress counters
// are applied when present.
type updateJobStatusRequest struct {
	Status        index.JobStatus    `json:"status"`
	FailureReason string             `json:"failureReason,omitempty"`
	Progress      *index.JobProgress `json:"progress,omitempty"`
}

// UpdateJobStatus moves a job along its state machine.
func (g *Gateway) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]

	var req updateJobStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&req); err != nil {
		g.writeJSONError(w, http.StatusBadRequest, "MalformedJSON", "The request body is not valid JSON")
		return
	}

	if req.Progress != nil {
		if err := g.idx.UpdateBatchJobProgress(r.Context(), id, *req.Progress); err != nil {
			g.jobError(w, err)
			return
		}
	}

	job, err := g.idx.UpdateBatchJobStatus(r.Context(), id, req.Status, req.FailureReason)
	if err != nil {
		g.jobError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, job)
}

// DeleteJob removes a job row.
func (g *Gateway) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	if err := g.idx.DeleteBatchJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		g.jobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryAudit pages the audit trail newest first.
func (g *Gateway) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	query := r.URL.Query()
	filter := index.AuditFilter{
		Principal: query.Get("principal"),
		Bucket:    query.Get("bucket"),
		EventType: query.Get("eventType"),
		Operation: query.Get("operation"),
		Status:    query.Get("status"),
	}
	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			g.writeJSONError(w, http.StatusBadRequest, "InvalidArgument", "since must be RFC 3339")
			return
		}
		filter.Since = t
	}
	if until := query.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			g.writeJSONError(w, http.StatusBadRequest, "InvalidArgument", "until must be RFC 3339")
			return
		}
		filter.Until = t
	}
	limit, _ := strconv.Atoi(query.Get("limit"))

	events, nextToken, err := g.idx.QueryAudit(r.Context(), filter, limit, query.Get("token"))
	if err != nil {
		g.writeJSONError(w, http.StatusBadRequest, "InvalidArgument", err.Error())
		return
	}
	if events == nil {
		events = []*index.AuditEvent{}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":    events,
		"nextToken": nextToken,
	})
}
