package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"eventpipe/internal/dispatcher"
	"eventpipe/internal/domain/event"
	"eventpipe/internal/domain/queue"
	replaydomain "eventpipe/internal/domain/replay"
	"eventpipe/internal/monitor"
	"eventpipe/internal/replay"
)

type Handlers struct {
	dispatcher *dispatcher.Dispatcher
	monitor    *monitor.Monitor
	replay     *replay.Engine
	log        *slog.Logger
}

func NewHandlers(d *dispatcher.Dispatcher, m *monitor.Monitor, r *replay.Engine, log *slog.Logger) *Handlers {
	return &Handlers{
		dispatcher: d,
		monitor:    m,
		replay:     r,
		log:        log,
	}
}

type dispatchOptionsDTO struct {
	Async      bool   `json:"async"`
	Persistent bool   `json:"persistent"`
	Priority   string `json:"priority"`
	TTLSeconds int    `json:"ttl_seconds"`
	DelayMs    int    `json:"delay_ms"`
	Retryable  bool   `json:"retryable"`
	MaxRetries int    `json:"max_retries"`
}

func (o dispatchOptionsDTO) toDomain() event.DispatchOptions {
	return event.DispatchOptions{
		Async:      o.Async,
		Persistent: o.Persistent,
		Priority:   event.Priority(o.Priority),
		TTL:        time.Duration(o.TTLSeconds) * time.Second,
		Delay:      time.Duration(o.DelayMs) * time.Millisecond,
		Retryable:  o.Retryable,
		MaxRetries: o.MaxRetries,
	}
}

func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event   event.Event        `json:"event"`
		Options dispatchOptionsDTO `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Event.Type == "" {
		http.Error(w, "event type is required", http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), &req.Event, req.Options.toDomain()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"event_id": req.Event.ID})
}

func (h *Handlers) BatchDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events  []*event.Event     `json:"events"`
		Options dispatchOptionsDTO `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 {
		http.Error(w, "events are required", http.StatusBadRequest)
		return
	}

	result, err := h.dispatcher.BatchDispatch(r.Context(), req.Events, req.Options.toDomain())
	status := http.StatusAccepted
	if err != nil {
		status = http.StatusMultiStatus
	}
	w.WriteHeader(status)
	writeJSON(w, result)
}

func (h *Handlers) EventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.dispatcher.EventStats())
}

func (h *Handlers) CleanupOldEvents(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	deleted, err := h.dispatcher.CleanupOldEvents(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"deleted": deleted})
}

func (h *Handlers) ProcessDelayedEvents(w http.ResponseWriter, r *http.Request) {
	moved, err := h.dispatcher.ProcessDelayedEvents(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"moved": moved})
}

func (h *Handlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dispatcher.DeadLetters(r.Context(), int64(queryInt(r, "limit", 100)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (h *Handlers) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int64 `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.RequeueDeadLetter(r.Context(), req.Index); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "requeued"})
}

func (h *Handlers) ListQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.monitor.AllQueueHealth())
}

func (h *Handlers) QueueHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	health, ok := h.monitor.QueueHealth(name)
	if !ok {
		http.Error(w, "queue is not monitored", http.StatusNotFound)
		return
	}
	writeJSON(w, health)
}

func (h *Handlers) MonitorQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Thresholds *queue.Thresholds `json:"thresholds"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	h.monitor.MonitorQueue(name, req.Thresholds)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"queue": name, "status": "monitoring"})
}

func (h *Handlers) StopMonitoringQueue(w http.ResponseWriter, r *http.Request) {
	h.monitor.StopMonitoringQueue(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) UpdateQueueMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var metrics queue.Metrics
	if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.monitor.UpdateQueueMetrics(name, metrics)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Alerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.monitor.Alerts(queryInt(r, "limit", 100)))
}

func (h *Handlers) ClearOldAlerts(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	cleared := h.monitor.ClearOldAlerts(time.Duration(hours) * time.Hour)
	writeJSON(w, map[string]int{"cleared": cleared})
}

type replayRequest struct {
	StartTime  string   `json:"start_time"`
	EndTime    string   `json:"end_time"`
	EventTypes []string `json:"event_types"`
	Speed      float64  `json:"speed"`
	DryRun     bool     `json:"dry_run"`
	BatchSize  int      `json:"batch_size"`
}

func (req replayRequest) toDomain() (replaydomain.Options, error) {
	opts := replaydomain.Options{
		EventTypes: req.EventTypes,
		Speed:      req.Speed,
		DryRun:     req.DryRun,
		BatchSize:  req.BatchSize,
	}
	if req.StartTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			return opts, err
		}
		opts.StartTime = t
	}
	if req.EndTime != "" {
		t, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			return opts, err
		}
		opts.EndTime = t
	}
	return opts, nil
}

func (h *Handlers) StartReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	opts, err := req.toDomain()
	if err != nil {
		http.Error(w, "invalid time bound: "+err.Error(), http.StatusBadRequest)
		return
	}

	if status := h.replay.Progress().Status; status == replaydomain.StatusRunning || status == replaydomain.StatusPaused {
		http.Error(w, replay.ErrReplayRunning.Error(), http.StatusConflict)
		return
	}

	// The session outlives the request; detach it from the request context.
	go func() {
		if _, err := h.replay.Replay(context.Background(), opts); err != nil {
			h.log.Error("replay session failed to start", "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "started"})
}

func (h *Handlers) ReplayProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.replay.Progress())
}

func (h *Handlers) PauseReplay(w http.ResponseWriter, r *http.Request) {
	h.replayTransition(w, h.replay.Pause(), "paused")
}

func (h *Handlers) ResumeReplay(w http.ResponseWriter, r *http.Request) {
	h.replayTransition(w, h.replay.Resume(), "running")
}

func (h *Handlers) AbortReplay(w http.ResponseWriter, r *http.Request) {
	h.replayTransition(w, h.replay.Abort(), "aborted")
}

func (h *Handlers) replayTransition(w http.ResponseWriter, err error, status string) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"status": status})
}

func (h *Handlers) ReplayEventByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dryRun := r.URL.Query().Get("dry_run") == "true"

	err := h.replay.ReplayEventByID(r.Context(), id, replaydomain.Options{DryRun: dryRun})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"event_id": id, "status": "replayed"})
}

func (h *Handlers) ReplayHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.replay.History(r.Context(), int64(queryInt(r, "limit", 100)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, history)
}

func (h *Handlers) ExportEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := replaydomain.Options{}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid start_time", http.StatusBadRequest)
			return
		}
		opts.StartTime = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid end_time", http.StatusBadRequest)
			return
		}
		opts.EndTime = t
	}
	if v := q["type"]; len(v) > 0 {
		opts.EventTypes = v
	}

	format := q.Get("format")
	data, err := h.replay.Export(r.Context(), opts, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if format == replay.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Write(data)
}

func (h *Handlers) ImportEvents(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	imported, err := h.replay.Import(r.Context(), data, r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]int{"imported": imported})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
