package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	mw "github.com/kiranshivaraju/changeanyfile/internal/api/middleware"
	"github.com/kiranshivaraju/changeanyfile/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit   *mw.RateLimit
	CORSOrigins []string

	HealthHandler    http.Handler
	MetricsHandler   http.Handler
	UploadHandler    http.HandlerFunc
	CreateJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	JobLogsHandler   http.HandlerFunc
	DownloadHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", orNotImplemented(handlerFunc(deps.HealthHandler)))
	r.Get("/metrics", orNotImplemented(handlerFunc(deps.MetricsHandler)))

	r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
	r.Get("/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))
	r.Get("/jobs/{jobID}/logs", orNotImplemented(deps.JobLogsHandler))
	r.Get("/download/result/{jobID}", orNotImplemented(deps.DownloadHandler))

	// Mutating routes are rate limited
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/upload", orNotImplemented(deps.UploadHandler))
		r.Post("/jobs", orNotImplemented(deps.CreateJobHandler))
	})

	return r
}

func handlerFunc(h http.Handler) http.HandlerFunc {
	if h == nil {
		return nil
	}
	return h.ServeHTTP
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
