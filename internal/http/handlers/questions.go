package handlers

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
)

const (
	defaultQuestionLimit = 100
	maxQuestionLimit     = 1000
	xlsxContentType      = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Questions lists stored questions newest first, optionally for one job.
func (api *API) Questions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	limit := defaultQuestionLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxQuestionLimit {
			writeError(w, r, http.StatusBadRequest, "validation_error", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	items, err := api.ingest.ListQuestions(r.Context(), domain.QuestionFilter{
		JobID: strings.TrimSpace(r.URL.Query().Get("job_id")),
		Limit: limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err, "failed to list questions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (api *API) ExportQuestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	content, err := api.export.ExportQuestionsXLSX(r.Context(), r.URL.Query().Get("job_id"))
	if err != nil {
		api.writeServiceError(w, r, err, "failed to export questions")
		return
	}

	name := "questions_" + time.Now().UTC().Format("20060102_150405") + ".xlsx"
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, time.Now(), bytes.NewReader(content))
}
