package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eventpipe/internal/bus"
	"eventpipe/internal/domain/event"
	"eventpipe/internal/domain/queue"
	"eventpipe/internal/store"
)

const (
	alertCap           = 1000
	snapshotTTL        = 24 * time.Hour
	criticalSizeFactor = 2
)

type Config struct {
	HealthInterval  time.Duration
	MetricsInterval time.Duration
	ReportInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HealthInterval:  10 * time.Second,
		MetricsInterval: time.Minute,
		ReportInterval:  time.Hour,
	}
}

// Monitor grades the health of registered backlog queues against
// per-queue thresholds, raises alerts into a capped ring buffer, and
// periodically snapshots health into the store and the metrics gauges.
// All per-queue state is owned by the instance and guarded by one mutex.
type Monitor struct {
	store store.Store
	bus   *bus.Bus
	log   *slog.Logger
	cfg   Config

	mu         sync.Mutex
	health     map[string]*queue.Health
	thresholds map[string]queue.Thresholds
	metrics    map[string]queue.Metrics
	alerts     []queue.Alert
}

func New(st store.Store, b *bus.Bus, log *slog.Logger, cfg Config) *Monitor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultConfig().MetricsInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultConfig().ReportInterval
	}
	return &Monitor{
		store:      st,
		bus:        b,
		log:        log,
		cfg:        cfg,
		health:     make(map[string]*queue.Health),
		thresholds: make(map[string]queue.Thresholds),
		metrics:    make(map[string]queue.Metrics),
	}
}

// MonitorQueue registers a queue with the given thresholds (nil selects
// the defaults) and a fresh healthy record.
func (m *Monitor) MonitorQueue(name string, thresholds *queue.Thresholds) {
	t := queue.DefaultThresholds()
	if thresholds != nil {
		t = *thresholds
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[name] = t
	m.health[name] = &queue.Health{
		Name:        name,
		Status:      queue.StatusHealthy,
		LastChecked: time.Now().UTC(),
	}
	m.log.Info("monitoring queue", "queue", name, "max_size", t.MaxSize)
}

// StopMonitoringQueue drops the queue's health, metrics and threshold state.
func (m *Monitor) StopMonitoringQueue(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.health, name)
	delete(m.thresholds, name)
	delete(m.metrics, name)
	queueSize.DeleteLabelValues(name)
	queueProcessingRate.DeleteLabelValues(name)
	queueErrorRate.DeleteLabelValues(name)
	m.log.Info("stopped monitoring queue", "queue", name)
}

// UpdateQueueMetrics feeds the externally maintained throughput record
// the next health check derives rates from.
func (m *Monitor) UpdateQueueMetrics(name string, metrics queue.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[name] = metrics
}

// QueueHealth returns a copy of the current record for one queue.
func (m *Monitor) QueueHealth(name string) (queue.Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	if !ok {
		return queue.Health{}, false
	}
	return *h, true
}

// AllQueueHealth returns a copy of every monitored queue's record.
func (m *Monitor) AllQueueHealth() []queue.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]queue.Health, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, *h)
	}
	return out
}

// Run drives the health-check, metrics-collection and report ticks until
// the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	healthTicker := time.NewTicker(m.cfg.HealthInterval)
	defer healthTicker.Stop()
	metricsTicker := time.NewTicker(m.cfg.MetricsInterval)
	defer metricsTicker.Stop()
	reportTicker := time.NewTicker(m.cfg.ReportInterval)
	defer reportTicker.Stop()

	m.log.Info("queue monitor started",
		"health_interval", m.cfg.HealthInterval,
		"metrics_interval", m.cfg.MetricsInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-healthTicker.C:
			m.CheckQueues(ctx)
		case <-metricsTicker.C:
			if err := m.CollectMetrics(ctx); err != nil {
				m.log.Error("failed to collect queue metrics", "error", err)
			}
		case <-reportTicker.C:
			m.Report(ctx)
		}
	}
}

// CheckQueues runs one health-check tick over every monitored queue. A
// single queue's failure is logged and does not affect the others.
func (m *Monitor) CheckQueues(ctx context.Context) {
	for _, name := range m.queueNames() {
		if err := m.checkQueue(ctx, name); err != nil {
			m.log.Error("queue health check failed", "queue", name, "error", err)
		}
	}
}

func (m *Monitor) queueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.health))
	for name := range m.health {
		names = append(names, name)
	}
	return names
}

func (m *Monitor) checkQueue(ctx context.Context, name string) error {
	size, err := m.queueSize(ctx, name)
	if err != nil {
		return err
	}

	m.mu.Lock()

	h, ok := m.health[name]
	if !ok {
		// Unregistered between the snapshot and now.
		m.mu.Unlock()
		return nil
	}
	t := m.thresholds[name]
	metrics := m.metrics[name]

	prev := h.Status
	h.Size = size
	h.ProcessingRate = metrics.ProcessingRate
	h.ErrorRate = metrics.ErrorRate
	h.AvgProcessingTime = metrics.AvgProcessingTime
	h.OldestMessage = metrics.OldestMessage
	h.Consumers = metrics.Consumers
	h.LastChecked = time.Now().UTC()

	issues := m.evaluate(name, h, t)

	switch {
	case len(issues) == 0:
		h.Status = queue.StatusHealthy
	case len(issues) == 1 || size < criticalSizeFactor*t.MaxSize:
		h.Status = queue.StatusDegraded
	default:
		h.Status = queue.StatusCritical
	}
	status := h.Status
	m.mu.Unlock()

	// Hysteresis: only a genuine transition is signalled.
	if status != prev {
		m.log.Warn("queue status changed", "queue", name, "from", prev, "to", status, "issues", issues)
		m.emitStatusChanged(ctx, name, prev, status)
	}
	return nil
}

// queueSize reads the backing key's cardinality defensively: the key may
// be a list, a set or a sorted set depending on who produces into it.
func (m *Monitor) queueSize(ctx context.Context, name string) (int64, error) {
	if m.store == nil {
		return 0, nil
	}

	var size int64
	llen, err := m.store.LLen(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", name, err)
	}
	if llen > size {
		size = llen
	}
	scard, err := m.store.SCard(ctx, name)
	if err == nil && scard > size {
		size = scard
	}
	zcard, err := m.store.ZCard(ctx, name)
	if err == nil && zcard > size {
		size = zcard
	}
	return size, nil
}

func (m *Monitor) evaluate(name string, h *queue.Health, t queue.Thresholds) []string {
	var issues []string

	if h.Size > t.MaxSize {
		issues = append(issues, "size")
		m.raiseAlert(queue.Alert{
			Queue:     name,
			Level:     queue.LevelError,
			Message:   fmt.Sprintf("queue size %d exceeds threshold %d", h.Size, t.MaxSize),
			Metric:    "size",
			Value:     float64(h.Size),
			Threshold: float64(t.MaxSize),
		})
	}

	if h.OldestMessage != nil {
		age := time.Since(*h.OldestMessage)
		if age > t.MaxAge {
			issues = append(issues, "age")
			m.raiseAlert(queue.Alert{
				Queue:     name,
				Level:     queue.LevelWarning,
				Message:   fmt.Sprintf("oldest message age %s exceeds threshold %s", age.Round(time.Second), t.MaxAge),
				Metric:    "age",
				Value:     age.Seconds(),
				Threshold: t.MaxAge.Seconds(),
			})
		}
	}

	// A rate floor only matters while there is a backlog to drain.
	if h.Size > 0 && h.ProcessingRate < t.MinProcessingRate {
		issues = append(issues, "rate")
		m.raiseAlert(queue.Alert{
			Queue:     name,
			Level:     queue.LevelWarning,
			Message:   fmt.Sprintf("processing rate %.3f/s below floor %.3f/s", h.ProcessingRate, t.MinProcessingRate),
			Metric:    "rate",
			Value:     h.ProcessingRate,
			Threshold: t.MinProcessingRate,
		})
	}

	if h.ErrorRate > t.MaxErrorRate {
		issues = append(issues, "error_rate")
		m.raiseAlert(queue.Alert{
			Queue:     name,
			Level:     queue.LevelError,
			Message:   fmt.Sprintf("error rate %.3f exceeds ceiling %.3f", h.ErrorRate, t.MaxErrorRate),
			Metric:    "error_rate",
			Value:     h.ErrorRate,
			Threshold: t.MaxErrorRate,
		})
	}

	return issues
}

// raiseAlert appends to the ring buffer, evicting the oldest entry once
// the cap is reached. Caller holds m.mu.
func (m *Monitor) raiseAlert(a queue.Alert) {
	a.Timestamp = time.Now().UTC()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > alertCap {
		m.alerts = m.alerts[len(m.alerts)-alertCap:]
	}
	alertsRaised.WithLabelValues(string(a.Level)).Inc()
}

func (m *Monitor) emitStatusChanged(ctx context.Context, name string, from, to queue.HealthStatus) {
	payload, _ := json.Marshal(map[string]string{
		"queue": name,
		"from":  string(from),
		"to":    string(to),
	})
	m.bus.Emit(ctx, event.Event{
		Type:      "queue.status_changed",
		Source:    "queue-monitor",
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
}

// Alerts returns up to limit entries from the tail of the ring buffer,
// newest last.
func (m *Monitor) Alerts(limit int) []queue.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	tail := m.alerts[len(m.alerts)-limit:]
	return append([]queue.Alert(nil), tail...)
}

// ClearOldAlerts removes the contiguous prefix of alerts older than the
// cutoff and returns how many were dropped.
func (m *Monitor) ClearOldAlerts(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for ; i < len(m.alerts); i++ {
		if m.alerts[i].Timestamp.After(cutoff) {
			break
		}
	}
	m.alerts = append([]queue.Alert(nil), m.alerts[i:]...)
	return i
}

// CollectMetrics snapshots every queue's health into one timestamped
// store record with a 24h TTL and refreshes the exported gauges.
func (m *Monitor) CollectMetrics(ctx context.Context) error {
	snapshot := m.AllQueueHealth()

	for _, h := range snapshot {
		queueSize.WithLabelValues(h.Name).Set(float64(h.Size))
		queueProcessingRate.WithLabelValues(h.Name).Set(h.ProcessingRate)
		queueErrorRate.WithLabelValues(h.Name).Set(h.ErrorRate)
	}

	if m.store == nil || len(snapshot) == 0 {
		return nil
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal health snapshot: %w", err)
	}
	key := store.MetricsSnapshotKey(time.Now().UnixMilli())
	if err := m.store.SetEx(ctx, key, string(body), snapshotTTL); err != nil {
		return fmt.Errorf("persist health snapshot: %w", err)
	}
	return nil
}

// Report aggregates queue counts by status, emits a report event and
// logs a one-line summary.
func (m *Monitor) Report(ctx context.Context) {
	var healthy, degraded, critical int
	for _, h := range m.AllQueueHealth() {
		switch h.Status {
		case queue.StatusDegraded:
			degraded++
		case queue.StatusCritical:
			critical++
		default:
			healthy++
		}
	}

	payload, _ := json.Marshal(map[string]int{
		"healthy":  healthy,
		"degraded": degraded,
		"critical": critical,
	})
	m.bus.Emit(ctx, event.Event{
		Type:      "monitor.report",
		Source:    "queue-monitor",
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})

	m.log.Info("queue health report", "healthy", healthy, "degraded", degraded, "critical", critical)
}
