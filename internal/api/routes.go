package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up the /v1 routes.
func (s *Server) setupAPIRoutes(r chi.Router) {
	r.Get("/state", s.HandleState)
	r.Get("/events", s.HandleEvents)

	// Connection
	r.Get("/devices", s.HandleListDevices)
	r.Post("/scan", s.HandleStartScan)
	r.Delete("/scan", s.HandleStopScan)
	r.Post("/connect/{id}", s.HandleConnect)
	r.Post("/disconnect", s.HandleDisconnect)
	r.Post("/debug", s.HandleDebugMode)

	// Alarms
	r.Route("/alarms", func(r chi.Router) {
		r.Get("/", s.HandleListAlarms)
		r.Post("/", s.HandleCreateAlarm)
		r.Post("/sync", s.HandleResyncAlarms)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.HandleGetAlarm)
			r.Put("/", s.HandleUpdateAlarm)
			r.Delete("/", s.HandleDeleteAlarm)
			r.Post("/toggle", s.HandleToggleAlarm)
		})
	})

	// Device settings
	r.Post("/time/sync", s.HandleSyncTime)
	r.Post("/font/{index}", s.HandleSelectFont)
	r.Post("/buzzer", s.HandleBuzzer)
	r.Post("/ringtone", s.HandleUploadRingtone)

	if s.deps.Fonts != nil {
		r.Route("/fonts", func(r chi.Router) {
			r.Get("/", s.HandleListFonts)
			r.Post("/", s.HandleSaveFont)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.HandleDeleteFont)
				r.Post("/upload", s.HandleUploadFont)
			})
		})
	}

	if s.deps.Clock != nil {
		r.Post("/timer", s.HandleTimer)
		r.Post("/stopwatch", s.HandleStopwatch)
	}
}
