package httpadapter

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vetlab/bloodwork-analyzer/internal/core/ports"
)

// multipartOverhead allows for form boundaries and the patient_id field on
// top of the largest accepted PDF.
const multipartOverhead = 1 << 20

type Options struct {
	APIKey             string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	MaxInFlight        int
	BackpressureWait   time.Duration
	MaxUploadBytes     int64
	// Metrics, when set, wraps every route and serves GET /metrics.
	Metrics interface {
		Middleware(http.Handler) http.Handler
		Handler() http.Handler
	}
}

type Router struct {
	opts        Options
	submitter   ports.AnalysisSubmitter
	poller      ports.AnalysisPoller
	diagnostics ports.DiagnosticReader
}

func NewRouter(
	opts Options,
	submitter ports.AnalysisSubmitter,
	poller ports.AnalysisPoller,
	diagnostics ports.DiagnosticReader,
) *Router {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	if opts.BackpressureWait <= 0 {
		opts.BackpressureWait = 250 * time.Millisecond
	}
	if len(opts.CORSAllowedOrigins) == 0 {
		opts.CORSAllowedOrigins = []string{"*"}
	}
	return &Router{
		opts:        opts,
		submitter:   submitter,
		poller:      poller,
		diagnostics: diagnostics,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(requestIDMiddleware)
	mux.Use(accessLogMiddleware)
	mux.Use(middleware.Recoverer)
	if rt.opts.Metrics != nil {
		mux.Use(rt.opts.Metrics.Middleware)
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.opts.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", actorHeader, requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	mux.Get("/healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", rt.opts.Metrics.Handler())
	}

	mux.Group(func(api chi.Router) {
		if rt.opts.RateLimitRPS > 0 {
			api.Use(newRateLimiter(rt.opts.RateLimitRPS, rt.opts.RateLimitBurst).middleware)
		}
		api.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.opts.MaxInFlight, rt.opts.BackpressureWait)
		})
		api.Use(authMiddleware(rt.opts.APIKey))

		api.Route("/api/analysis", func(r chi.Router) {
			r.Post("/pdf_analysis", rt.submitAnalysis)
			r.Get("/pdf_analysis_result/{diagnostic_id}", rt.getAnalysisResult)
			r.Get("/pdf_analysis_status/{diagnostic_id}", rt.getAnalysisStatus)
		})
		api.Route("/api/v1/diagnostics", func(r chi.Router) {
			r.Get("/{diagnostic_id}", rt.getDiagnostic)
			r.Get("/patient/{patient_id}", rt.listPatientDiagnostics)
			r.Get("/patient/{patient_id}/latest", rt.latestPatientDiagnostic)
		})
	})

	return mux
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
