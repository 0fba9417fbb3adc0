package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

// createJobRequest is the body of POST /api/jobs.
type createJobRequest struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	OrgID   string          `json:"orgId"`
}

func (s *Server) createJob(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return domain.ErrInvalidInput
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	jobType, err := domain.ParseJobType(req.Type)
	if err != nil {
		return err
	}

	orgID, err := tokenOrg(c)
	if err != nil {
		return err
	}
	if req.OrgID != "" && req.OrgID != orgID {
		return domain.ErrForbidden
	}

	created, err := s.intake.CreateAndEnqueueJob(c.Request().Context(), jobType, req.Payload, orgID)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusCreated, created)
}

func (s *Server) getJob(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "id", Message: "must be an integer"}
	}
	orgID, err := tokenOrg(c)
	if err != nil {
		return err
	}
	job, err := s.jobs.GetJob(c.Request().Context(), id)
	if err != nil {
		return err
	}
	// Jobs of other organizations are indistinguishable from missing ones.
	if job.OrgID != orgID {
		return domain.ErrNotFound
	}
	return JSON(c, http.StatusOK, job)
}

func (s *Server) listJobs(c echo.Context) error {
	orgID, err := tokenOrg(c)
	if err != nil {
		return err
	}
	if v := c.QueryParam("org"); v != "" && v != orgID {
		return domain.ErrForbidden
	}
	f := domain.JobFilter{OrgID: orgID}

	if v := c.QueryParam("type"); v != "" {
		t, err := domain.ParseJobType(v)
		if err != nil {
			return err
		}
		f.Type = t
	}
	if v := c.QueryParam("status"); v != "" {
		switch st := domain.JobStatus(v); st {
		case domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed:
			f.Status = st
		default:
			return &domain.ValidationError{Field: "status", Message: "unknown status " + v}
		}
	}
	f.Repo = c.QueryParam("repo")
	f.Limit = 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return &domain.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		f.Limit = n
	}

	jobs, err := s.jobs.FindJobs(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	return JSON(c, http.StatusOK, jobs)
}

// tokenOrg is the organization the request's API token is scoped to. Every
// job API call is confined to it.
func tokenOrg(c echo.Context) (string, error) {
	claims, ok := GetClaims(c)
	if !ok {
		return "", domain.ErrUnauthorized
	}
	if claims.OrgID == "" {
		return "", domain.ErrForbidden
	}
	return claims.OrgID, nil
}
