// Package api exposes the campaign and enrollment HTTP API, the tracking
// endpoints and the operational endpoints of the server binary.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/liyaqa/drip-engine/internal/metrics"
)

// RouterOptions carries the optional parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	// Tracking is mounted at /t when set.
	Tracking http.Handler
	Metrics  *metrics.Metrics
	Health   *HealthChecker
}

// NewRouter configures all routes.
func NewRouter(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if opts.Health != nil {
		r.Get("/health", opts.Health.HandleHealth)
		r.Get("/health/live", opts.Health.HandleLiveness)
		r.Get("/health/ready", opts.Health.HandleReadiness)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Tracking != nil {
		r.Mount("/t", opts.Tracking)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Logger)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Put("/", h.UpdateCampaign)
				r.Delete("/", h.DeleteCampaign)

				r.Get("/steps", h.ListSteps)
				r.Post("/steps", h.AddStep)
				r.Put("/steps/{number}", h.UpdateStep)
				r.Delete("/steps/{number}", h.DeleteStep)

				r.Post("/activate", h.ActivateCampaign)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
				r.Post("/archive", h.ArchiveCampaign)
				r.Post("/duplicate", h.DuplicateCampaign)

				r.Get("/analytics", h.CampaignAnalytics)
				r.Get("/ab-results", h.ABTestResults)
				r.Get("/timeline", h.Timeline)

				r.Get("/enrollments", h.ListEnrollments)
				r.Post("/enrollments", h.EnrollMember)
				r.Post("/enrollments/bulk", h.EnrollBulk)
				r.Post("/enrollments/segment", h.EnrollSegment)
			})
		})

		r.Get("/enrollments/{id}", h.GetEnrollment)
		r.Delete("/enrollments/{id}", h.CancelEnrollment)
		r.Get("/enrollments/{id}/messages", h.EnrollmentMessages)
	})

	return r
}
