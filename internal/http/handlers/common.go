package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/iago/pdfqueue-back/internal/http/middleware"
	"github.com/iago/pdfqueue-back/internal/reference"
	"github.com/iago/pdfqueue-back/internal/service"
	"github.com/iago/pdfqueue-back/internal/storage"
)

const maxWorkerBodyBytes = 32 << 20

type Dependencies struct {
	Jobs      *service.JobsService
	Ingest    *service.IngestService
	Presence  *service.PresenceService
	Export    *service.ExportService
	Validator *service.PayloadValidator
	Storage   *storage.LocalStorage
	Reference *reference.Mirror
	Logger    *log.Logger
}

type API struct {
	jobs      *service.JobsService
	ingest    *service.IngestService
	presence  *service.PresenceService
	export    *service.ExportService
	validator *service.PayloadValidator
	storage   *storage.LocalStorage
	reference *reference.Mirror
	logger    *log.Logger
}

func NewAPI(deps Dependencies) *API {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &API{
		jobs:      deps.Jobs,
		ingest:    deps.Ingest,
		presence:  deps.Presence,
		export:    deps.Export,
		validator: deps.Validator,
		storage:   deps.Storage,
		reference: deps.Reference,
		logger:    logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps a domain error kind onto a status and error code.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", notFoundMessage(err))
	case errors.Is(err, domain.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrExternalDependency):
		api.logger.Printf("external dependency failure request_id=%s err=%v", middleware.GetRequestID(r.Context()), err)
		writeError(w, r, http.StatusBadGateway, "external_dependency_error", "reference data mirror unavailable")
	case errors.Is(err, domain.ErrPersistence):
		api.logger.Printf("persistence failure request_id=%s err=%v", middleware.GetRequestID(r.Context()), err)
		writeError(w, r, http.StatusServiceUnavailable, "persistence_error", fallback)
	default:
		api.logger.Printf("internal failure request_id=%s err=%v", middleware.GetRequestID(r.Context()), err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func notFoundMessage(err error) string {
	if errors.Is(err, domain.ErrNotFound) && err != domain.ErrNotFound {
		return err.Error()
	}
	return "job not found"
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWorkerBodyBytes)
	return io.ReadAll(r.Body)
}

// workerIdentity resolves the calling worker: explicit id first, then the
// X-Worker-Id header or worker_id query, then the caller's address.
func workerIdentity(r *http.Request, explicit string) string {
	candidates := []string{
		explicit,
		r.Header.Get("X-Worker-Id"),
		r.URL.Query().Get("worker_id"),
	}
	for _, candidate := range candidates {
		if value := strings.TrimSpace(candidate); value != "" {
			return value
		}
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}

func pathParam(r *http.Request, prefix string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
}
