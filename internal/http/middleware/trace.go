package middleware

import (
	"log"
	"net/http"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func Trace(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if logger == nil {
				return
			}
			logger.Printf(
				"trace request_id=%s method=%s path=%s status=%d worker_id=%s duration_ms=%d",
				GetRequestID(r.Context()),
				r.Method,
				r.URL.Path,
				recorder.status,
				r.Header.Get("X-Worker-Id"),
				time.Since(start).Milliseconds(),
			)
		})
	}
}
