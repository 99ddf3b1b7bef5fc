package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID, echoRequestID)
	r.Use(s.observe)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	// Prometheus exposition
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Get("/gateway/circuits", s.handleListGatewayCircuits)

		r.Route("/circuits", func(r chi.Router) {
			r.Get("/", s.handleListCircuits)

			r.Route("/{circuit}", func(r chi.Router) {
				r.Get("/", s.handleGetCircuit)
				r.Get("/messages", s.handleListMessages)
				r.Get("/variables", s.handleGetVariables)
				r.Get("/values", s.handleGetValues)

				// Mutating routes
				r.Group(func(r chi.Router) {
					r.Use(s.authMiddleware)
					r.Put("/variables", s.handleUpdateVariables)
					r.Post("/configuration", s.handleReadConfiguration)
					r.Post("/values/read", s.handleReadValues)
					r.Post("/values/request", s.handleRequestValues)
					r.Post("/messages/{message}/set", s.handleSetValue)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/auth/ws-ticket", s.handleWSTicket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	mqttConnected := s.mqtt != nil && s.mqtt.IsConnected()
	if !mqttConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"mqtt_connected": mqttConnected,
		"circuits":       s.bridge.CircuitHealth(),
	})
}
