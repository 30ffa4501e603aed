package handlers

import (
	"errors"
	"net/http"

	"github.com/iago/pdfqueue-back/internal/domain"
)

// Download serves an uploaded PDF to workers.
func (api *API) Download(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	filename := pathParam(r, "/v1/files/")
	file, err := api.storage.Open(filename)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "file not found")
			return
		}
		api.writeServiceError(w, r, err, "failed to open file")
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		api.writeServiceError(w, r, err, "failed to open file")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeContent(w, r, filename, info.ModTime(), file)
}
