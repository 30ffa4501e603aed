package handlers

import (
	"net/http"

	"github.com/iago/pdfqueue-back/internal/reference"
)

// Reference passes master data through from the external mirror.
func (api *API) Reference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	dataset := pathParam(r, "/v1/reference")
	if dataset == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"datasets":   reference.Datasets(),
			"configured": api.reference.Configured(),
		})
		return
	}

	items, err := api.reference.List(r.Context(), dataset)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to load reference data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset": dataset,
		"items":   items,
	})
}
