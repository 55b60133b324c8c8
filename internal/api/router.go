package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/podushkina/hrchat/internal/logger"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.Middleware)

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/{id}", h.GetTask)
		r.Patch("/{id}", h.RenameTask)
		r.Delete("/{id}", h.DeleteTask)
		r.Get("/{id}/outputs", h.ListOutputs)
		r.Post("/{id}/outputs", h.AppendOutput)
		r.Post("/{id}/cancel", h.CancelTask)
		r.Get("/{id}/stream", h.StreamTask)
	})

	r.Route("/outputs", func(r chi.Router) {
		r.Post("/{id}/feedback", h.SetFeedback)
		r.Post("/{id}/translate", h.TranslateOutput)
	})

	r.Get("/usage/{type}", h.GetUsage)

	return r
}

// requestLogger attaches a request-scoped logger to the context and logs
// each completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context()).With(
			"request_id", middleware.GetReqID(r.Context()),
			"user", r.Header.Get(UserHeader),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(logger.ContextWithLogger(r.Context(), log)))

		log.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
