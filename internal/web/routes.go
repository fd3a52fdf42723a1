package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/doorbell/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	configHandler := handlers.NewConfigHandler(s.config, s.svc)
	statsHandler := handlers.NewStatsHandler(s.svc)
	personsHandler := handlers.NewPersonsHandler(s.svc)
	unknownsHandler := handlers.NewUnknownsHandler(s.svc)
	recognizeHandler := handlers.NewRecognizeHandler(s.svc)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/config", configHandler.Get)
		r.Get("/stats", statsHandler.Get)

		// Persons
		r.Get("/persons", personsHandler.List)
		r.Post("/persons", personsHandler.Create)
		r.Post("/persons/prune", personsHandler.Prune)
		r.Delete("/persons/{personID}", personsHandler.Delete)
		r.Post("/enroll", personsHandler.Enroll)

		// Unknown faces
		r.Get("/unknowns", unknownsHandler.List)
		r.Get("/unknowns/{id}/crop", unknownsHandler.Crop)
		r.Post("/unknowns/{id}/label", unknownsHandler.Label)
		r.Delete("/unknowns/{id}", unknownsHandler.Delete)

		// Recognition
		r.Post("/recognize/faces", recognizeHandler.Faces)
		r.Post("/recognize/image", recognizeHandler.Image)
	})
}
