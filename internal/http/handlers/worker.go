package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/iago/pdfqueue-back/internal/domain"
)

type resultsRequest struct {
	JobID        string               `json:"job_id"`
	WorkerID     string               `json:"worker_id"`
	Questions    []domain.RawQuestion `json:"questions"`
	MMDContent   *string              `json:"mmd_content"`
	ErrorMessage *string              `json:"error_message"`
}

type failureRequest struct {
	JobID        string `json:"job_id"`
	WorkerID     string `json:"worker_id"`
	ErrorMessage string `json:"error_message"`
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	PCID     string `json:"pc_id"`
}

// Poll claims the next queued job for the calling worker.
func (api *API) Poll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	workerID := workerIdentity(r, "")
	job, err := api.jobs.ClaimNext(r.Context(), workerID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to claim job")
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"message": "No jobs available"})
		return
	}

	response := map[string]any{
		"job_id":       job.ID,
		"filename":     job.Filename,
		"filepath":     job.Filepath,
		"download_url": "/v1/files/" + url.PathEscape(job.Filename),
		"worker_id":    workerID,
	}
	if len(job.Metadata) > 0 {
		response["metadata"] = job.Metadata
	}
	writeJSON(w, http.StatusOK, response)
}

// Results ingests extracted questions. A body carrying error_message is
// treated as an error report for the job.
func (api *API) Results(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "unable to read request body")
		return
	}
	if err := api.validator.ValidateResults(body); err != nil {
		api.writeServiceError(w, r, err, "invalid results payload")
		return
	}

	var request resultsRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "invalid results payload: "+err.Error())
		return
	}

	if request.ErrorMessage != nil && strings.TrimSpace(*request.ErrorMessage) != "" {
		api.recordFailure(w, r, request.JobID, *request.ErrorMessage)
		return
	}

	rawText := ""
	if request.MMDContent != nil {
		rawText = *request.MMDContent
	}

	result, err := api.ingest.ReportResults(r.Context(), request.JobID, request.Questions, rawText)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to save results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "Results uploaded successfully",
		"job_id":          result.Job.ID,
		"status":          result.Job.Status,
		"saved_count":     result.Saved,
		"skipped_count":   result.Skipped,
		"questions_count": result.Job.QuestionsCount,
	})
}

// Failure records a worker-side processing error.
func (api *API) Failure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "unable to read request body")
		return
	}
	if err := api.validator.ValidateFailure(body); err != nil {
		api.writeServiceError(w, r, err, "invalid error payload")
		return
	}

	var request failureRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "invalid error payload")
		return
	}
	api.recordFailure(w, r, request.JobID, request.ErrorMessage)
}

func (api *API) recordFailure(w http.ResponseWriter, r *http.Request, jobID, message string) {
	job, err := api.jobs.ReportError(r.Context(), jobID, message)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to record error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Error recorded",
		"job_id":  job.ID,
		"status":  job.Status,
	})
}

// Heartbeat upserts the caller's presence record.
func (api *API) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request heartbeatRequest
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "unable to read request body")
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(body))
		if err := decoder.Decode(&request); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "validation_error", "invalid heartbeat payload")
			return
		}
	}

	explicit := request.WorkerID
	if strings.TrimSpace(explicit) == "" {
		explicit = request.PCID
	}

	presence, err := api.presence.Heartbeat(r.Context(), workerIdentity(r, explicit))
	if err != nil {
		api.writeServiceError(w, r, err, "failed to record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Heartbeat received",
		"worker_id":      presence.WorkerID,
		"last_heartbeat": presence.LastHeartbeat,
	})
}

func (api *API) Presence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	items, err := api.presence.List(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err, "failed to list workers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
