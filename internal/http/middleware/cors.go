package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAgeSeconds = 600

var (
	defaultCORSAllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSAllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Worker-Id"}
	defaultCORSExposedHeaders = []string{"Content-Disposition", "Retry-After", "X-Request-Id"}
)

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAgeSeconds  int
}

// corsPolicy is CORSConfig resolved once: lookups are case-insensitive sets
// and response header values are pre-joined.
type corsPolicy struct {
	anyOrigin bool
	origins   map[string]struct{}
	methods   map[string]struct{}
	headers   map[string]struct{}

	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	methods := withDefault(cfg.AllowedMethods, defaultCORSAllowedMethods)
	headers := withDefault(cfg.AllowedHeaders, defaultCORSAllowedHeaders)
	exposed := withDefault(cfg.ExposedHeaders, defaultCORSExposedHeaders)
	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAgeSeconds
	}

	policy := &corsPolicy{
		origins:       foldSet(cfg.AllowedOrigins),
		methods:       make(map[string]struct{}, len(methods)),
		headers:       foldSet(headers),
		allowMethods:  strings.Join(methods, ", "),
		allowHeaders:  strings.Join(headers, ", "),
		exposeHeaders: strings.Join(exposed, ", "),
		maxAge:        strconv.Itoa(maxAge),
	}
	_, policy.anyOrigin = policy.origins["*"]
	for _, method := range methods {
		policy.methods[strings.ToUpper(method)] = struct{}{}
	}
	return policy
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// false when the origin is not allowed.
func (p *corsPolicy) allowOrigin(origin string) (string, bool) {
	if p.anyOrigin {
		return "*", true
	}
	if _, ok := p.origins[strings.ToLower(origin)]; ok {
		return origin, true
	}
	return "", false
}

// preflightAllowed reports whether the requested method and every requested
// header are permitted.
func (p *corsPolicy) preflightAllowed(r *http.Request) bool {
	method := strings.ToUpper(strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")))
	if _, ok := p.methods[method]; !ok {
		return false
	}
	for _, header := range strings.Split(r.Header.Get("Access-Control-Request-Headers"), ",") {
		header = strings.ToLower(strings.TrimSpace(header))
		if header == "" {
			continue
		}
		if _, ok := p.headers[header]; !ok {
			return false
		}
	}
	return true
}

// CORS answers preflights and decorates responses for allowed origins so the
// upload page can run on another host. Requests from other origins pass
// through untouched. A preflight asking for a method or header outside the
// policy gets an empty 204, which the browser treats as a refusal.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, ok := policy.allowOrigin(origin)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				header.Add("Vary", "Access-Control-Request-Method")
				header.Add("Vary", "Access-Control-Request-Headers")
				if policy.preflightAllowed(r) {
					header.Set("Access-Control-Allow-Origin", allowed)
					header.Set("Access-Control-Allow-Methods", policy.allowMethods)
					header.Set("Access-Control-Allow-Headers", policy.allowHeaders)
					header.Set("Access-Control-Max-Age", policy.maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			header.Set("Access-Control-Allow-Origin", allowed)
			header.Set("Access-Control-Expose-Headers", policy.exposeHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

func withDefault(values []string, fallback []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		if value := strings.TrimSpace(raw); value != "" {
			result = append(result, value)
		}
	}
	if len(result) == 0 {
		return append(result, fallback...)
	}
	return result
}

func foldSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, raw := range values {
		if value := strings.ToLower(strings.TrimSpace(raw)); value != "" {
			set[value] = struct{}{}
		}
	}
	return set
}
