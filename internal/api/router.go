package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)
	r.Use(ChiMiddleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.Dispatch)
		r.Post("/batch", h.BatchDispatch)
		r.Get("/stats", h.EventStats)
		r.Post("/cleanup", h.CleanupOldEvents)
		r.Post("/process-delayed", h.ProcessDelayedEvents)
		r.Get("/dead-letter", h.DeadLetters)
		r.Post("/dead-letter/requeue", h.RequeueDeadLetter)
	})

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", h.ListQueues)
		r.Get("/{name}", h.QueueHealth)
		r.Post("/{name}/monitor", h.MonitorQueue)
		r.Delete("/{name}/monitor", h.StopMonitoringQueue)
		r.Put("/{name}/metrics", h.UpdateQueueMetrics)
	})

	r.Get("/alerts", h.Alerts)
	r.Delete("/alerts", h.ClearOldAlerts)

	r.Route("/replay", func(r chi.Router) {
		r.Post("/", h.StartReplay)
		r.Get("/progress", h.ReplayProgress)
		r.Post("/pause", h.PauseReplay)
		r.Post("/resume", h.ResumeReplay)
		r.Post("/abort", h.AbortReplay)
		r.Post("/event/{id}", h.ReplayEventByID)
		r.Get("/history", h.ReplayHistory)
	})

	r.Get("/export", h.ExportEvents)
	r.Post("/import", h.ImportEvents)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
