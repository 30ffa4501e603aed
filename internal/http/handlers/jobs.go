package handlers

import (
	"net/http"

	"github.com/iago/pdfqueue-back/internal/domain"
)

// Jobs lists every job, newest first.
func (api *API) Jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	jobs, err := api.jobs.ListJobs(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err, "failed to list jobs")
		return
	}

	items := make([]domain.JobStatusView, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, job.StatusView())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	jobID := pathParam(r, "/v1/jobs/")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}

	view, err := api.jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
