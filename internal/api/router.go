package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/appointment"
	"github.com/hackgods/practitioner-availability/internal/recommend"
	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

type RouterConfig struct {
	Store       scheduling.Store
	Query       *scheduling.QueryEngine
	Bulk        *scheduling.BulkEngine
	Recommender *recommend.Recommender
	Service     *appointment.Service
	Payments    appointment.PaymentSignaler
	Health      *HealthHandler
	Logger      zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := &Handler{
		store:     cfg.Store,
		query:     cfg.Query,
		bulk:      cfg.Bulk,
		recommend: cfg.Recommender,
		appts:     cfg.Service,
		payments:  cfg.Payments,
		log:       cfg.Logger,
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.createSchedule)
		r.Post("/delete", h.deleteSchedules)
		r.Get("/{id}", h.getSchedule)
		r.Get("/{id}/appointments", h.scheduleAppointments)
		r.Post("/{id}/slots/delete", h.deleteSlots)
		r.Post("/{id}/slots/delete-range", h.deleteSlotsByTime)
	})

	r.Route("/practitioners/{id}", func(r chi.Router) {
		r.Get("/availability", h.availability)
		r.Post("/schedules/delete-range", h.deleteSchedulesByDate)
	})

	r.Post("/recommendations", h.recommendations)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.createAppointment)
		r.Get("/{id}", h.getAppointment)
		r.Post("/{id}/book", h.bookAppointment)
		r.Post("/{id}/check-in", h.checkIn)
		r.Post("/{id}/fulfil", h.fulfil)
		r.Post("/{id}/cancel", h.cancel)
	})

	r.Post("/payments/{ref}/signal", h.paymentSignal)

	return r
}
