package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/loyalty-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса лояльности.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.GzipMiddleware)
			r.Use(custommiddleware.Logger(h.logger))
			r.Use(h.authMiddleware.Middleware)

			r.Post("/enrollments/{requestID}/respond", h.RespondToEnrollment)
			r.Get("/enrollments/pending", h.GetPendingEnrollments)

			r.Get("/cards", h.GetCards)

			r.Get("/notifications", h.GetNotifications)
			r.Post("/notifications/{notificationID}/read", h.MarkNotificationRead)
		})

		// Websocket-маршрут без gzip и логирующей обертки: Upgrade требует http.Hijacker
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/sync/ws", h.SyncWS)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
