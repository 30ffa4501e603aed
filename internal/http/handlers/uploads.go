package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const multipartMemoryBytes = 8 << 20

// Upload accepts a multipart PDF upload and queues it for workers.
func (api *API) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, api.storage.MaxBytes()+multipartMemoryBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "validation_error", "file too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "validation_error", "multipart form with a file field is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil || strings.TrimSpace(header.Filename) == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "No file selected")
		return
	}
	defer file.Close()

	var metadata map[string]any
	if raw := strings.TrimSpace(r.FormValue("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeError(w, r, http.StatusBadRequest, "validation_error", "metadata must be a JSON object")
			return
		}
	}

	stored, err := api.storage.Save(header.Filename, file)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to store upload")
		return
	}

	job, err := api.jobs.Submit(r.Context(), stored.Filename, stored.Locator, metadata)
	if err != nil {
		if removeErr := api.storage.Remove(stored.Filename); removeErr != nil {
			api.logger.Printf("orphan upload cleanup failed filename=%s err=%v", stored.Filename, removeErr)
		}
		api.writeServiceError(w, r, err, "failed to queue upload")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"status_url":  "/v1/jobs/" + job.ID,
		"accepted_at": job.CreatedAt.Format(time.RFC3339Nano),
		"message":     "PDF uploaded successfully! Added to processing queue.",
	})
}
