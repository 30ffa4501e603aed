package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/iago/pdfqueue-back/internal/http/handlers"
	"github.com/iago/pdfqueue-back/internal/http/middleware"
)

type RouterDependencies struct {
	// Ctx bounds background work started by middleware.
	Ctx            context.Context
	API            *handlers.API
	Logger         *log.Logger
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	ctx := deps.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)

	mux.HandleFunc("/v1/uploads", deps.API.Upload)
	mux.HandleFunc("/v1/jobs", deps.API.Jobs)
	mux.HandleFunc("/v1/jobs/", deps.API.JobStatus)
	mux.HandleFunc("/v1/questions", deps.API.Questions)
	mux.HandleFunc("/v1/questions/export.xlsx", deps.API.ExportQuestions)
	mux.HandleFunc("/v1/files/", deps.API.Download)

	mux.HandleFunc("/v1/worker/poll", deps.API.Poll)
	mux.HandleFunc("/v1/worker/results", deps.API.Results)
	mux.HandleFunc("/v1/worker/error", deps.API.Failure)
	mux.HandleFunc("/v1/worker/heartbeat", deps.API.Heartbeat)
	mux.HandleFunc("/v1/worker/presence", deps.API.Presence)

	mux.HandleFunc("/v1/reference", deps.API.Reference)
	mux.HandleFunc("/v1/reference/", deps.API.Reference)

	handler := http.Handler(mux)
	handler = middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RPS:   deps.RateLimitRPS,
		Burst: deps.RateLimitBurst,
	})(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
