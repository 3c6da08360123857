package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pdbench/pdbench/internal/coord"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// JobStatusResponse aggregates the published readiness records of one job.
type JobStatusResponse struct {
	JobID  string                           `json:"job_id"`
	Phase  string                           `json:"phase"` // starting, ready, failed, finished
	Ranks  map[string]coord.ReadinessRecord `json:"ranks"`
	Result *coord.JobResult                 `json:"result,omitempty"`
}

// ListJobsQuery defines query parameters for listing archived jobs
type ListJobsQuery struct {
	Limit int `form:"limit,default=20" binding:"min=1,max=100"`
}

// ResultsQuery defines query parameters for the per-model results endpoint
type ResultsQuery struct {
	Model string `form:"model" binding:"required"`
}

// JobURI binds the job ID path parameter. The jobid validation rejects IDs
// that would escape the coordination root.
type JobURI struct {
	ID string `uri:"id" binding:"required,jobid"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	var uri JobURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid job ID",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	jobID := uri.ID

	board := coord.NewBoard(s.kv, jobID)

	ranks, err := board.Snapshot(c.Request.Context(), s.assignments)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to read readiness records",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	resp := JobStatusResponse{
		JobID: jobID,
		Ranks: ranks,
	}

	if res, found, err := board.Result(c.Request.Context()); err == nil && found {
		resp.Result = &res
	}
	resp.Phase = coord.DerivePhase(ranks, resp.Result, len(s.assignments))

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleJobSummary(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:     "results archive not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	var uri JobURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid job ID",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	jobID := uri.ID

	rows, err := s.store.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to query results archive",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "no summary rows for job " + jobID,
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "rows": rows})
}

func (s *Server) handleListJobs(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:     "results archive not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid query parameters: " + err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	jobs, err := s.store.RecentJobs(c.Request.Context(), query.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to query results archive",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleResultsByModel(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:     "results archive not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	var query ResultsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid query parameters: " + err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	rows, err := s.store.ListByModel(c.Request.Context(), query.Model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to query results archive",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"model": query.Model, "rows": rows})
}
