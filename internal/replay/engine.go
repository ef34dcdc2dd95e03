package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"eventpipe/internal/bus"
	"eventpipe/internal/dispatcher"
	"eventpipe/internal/domain/event"
	"eventpipe/internal/domain/replay"
	"eventpipe/internal/store"
)

const (
	defaultBatchSize = 100
	maxPacingDelay   = time.Minute
	historyCap       = 100
)

var (
	// ErrReplayRunning rejects a second session while one is active.
	ErrReplayRunning = errors.New("replay: a session is already running")
	// ErrNotRunning/ErrNotPaused guard the pause/resume/abort transitions.
	ErrNotRunning = errors.New("replay: no running session")
	ErrNotPaused  = errors.New("replay: no paused session")
)

// Engine reads the persisted timeline and redispatches historical events
// at a controllable speed. At most one session runs at a time; pause,
// resume and abort are cooperative signals observed before each event,
// so an in-flight redispatch always completes first.
type Engine struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	bus        *bus.Bus
	log        *slog.Logger

	mu       sync.Mutex
	progress replay.Progress
	resumeCh chan struct{} // non-nil while paused; closed on resume
	abortCh  chan struct{} // per-session; closed on abort
}

func New(st store.Store, d *dispatcher.Dispatcher, b *bus.Bus, log *slog.Logger) *Engine {
	return &Engine{
		store:      st,
		dispatcher: d,
		bus:        b,
		log:        log,
		progress:   replay.Progress{Status: replay.StatusIdle},
	}
}

// Progress returns a snapshot of the current session's progress.
func (e *Engine) Progress() replay.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Replay runs one full session and blocks until it completes, fails or
// is aborted. It rejects immediately with ErrReplayRunning if a session
// is already active, leaving that session untouched.
func (e *Engine) Replay(ctx context.Context, opts replay.Options) (*replay.Result, error) {
	events, skipped, err := e.loadCandidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.progress.Status == replay.StatusRunning || e.progress.Status == replay.StatusPaused {
		e.mu.Unlock()
		return nil, ErrReplayRunning
	}
	startedAt := time.Now().UTC()
	e.progress = replay.Progress{
		TotalEvents:   len(events),
		SkippedEvents: skipped,
		StartedAt:     startedAt,
		Status:        replay.StatusRunning,
	}
	e.abortCh = make(chan struct{})
	e.resumeCh = nil
	e.mu.Unlock()

	e.emit(ctx, "replay.started", map[string]any{"total_events": len(events)})
	e.log.Info("replay started", "total_events", len(events), "dry_run", opts.DryRun, "speed", opts.Speed)

	result := e.run(ctx, events, opts)
	e.finalize(ctx, result)
	return result, nil
}

func (e *Engine) loadCandidates(ctx context.Context, opts replay.Options) ([]event.Event, int, error) {
	if e.store == nil {
		return nil, 0, errors.New("replay: no store configured")
	}

	min, max := math.Inf(-1), math.Inf(1)
	if !opts.StartTime.IsZero() {
		min = float64(opts.StartTime.UnixMilli())
	}
	if !opts.EndTime.IsZero() {
		max = float64(opts.EndTime.UnixMilli())
	}

	ids, err := e.store.ZRangeByScore(ctx, store.TimelineKey, min, max)
	if err != nil {
		return nil, 0, fmt.Errorf("query timeline: %w", err)
	}

	allowed := make(map[string]struct{}, len(opts.EventTypes))
	for _, t := range opts.EventTypes {
		allowed[t] = struct{}{}
	}

	var (
		events  []event.Event
		skipped int
	)
	for _, id := range ids {
		body, err := e.store.Get(ctx, store.PersistentKey(id))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Body expired out from under the timeline index.
				continue
			}
			return nil, 0, fmt.Errorf("fetch event %s: %w", id, err)
		}

		var evt event.Event
		if err := json.Unmarshal([]byte(body), &evt); err != nil {
			e.log.Warn("skipping unparsable persisted event", "event_id", id, "error", err)
			skipped++
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[evt.Type]; !ok {
				skipped++
				continue
			}
		}
		if opts.Filter != nil && !opts.Filter(evt) {
			skipped++
			continue
		}
		events = append(events, evt)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, skipped, nil
}

func (e *Engine) run(ctx context.Context, events []event.Event, opts replay.Options) *replay.Result {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	result := &replay.Result{
		TotalEvents: len(events),
		StartedAt:   e.Progress().StartedAt,
	}
	aborted := false

	for start := 0; start < len(events) && !aborted; start += batchSize {
		end := start + batchSize
		if end > len(events) {
			end = len(events)
		}

		for i := start; i < end; i++ {
			if !e.checkpoint() {
				aborted = true
				break
			}

			evt := events[i]
			e.setCurrent(evt.ID)

			if opts.DryRun {
				e.log.Info("dry run, would replay event", "event_id", evt.ID, "type", evt.Type)
				e.bumpProcessed()
			} else if err := e.redispatch(ctx, evt); err != nil {
				e.bumpFailed(result, evt, err)
			} else {
				e.bumpProcessed()
			}
			eventsReplayed.Inc()

			if opts.Speed > 0 && i+1 < len(events) {
				if !e.pace(ctx, events[i].Timestamp, events[i+1].Timestamp, opts.Speed) {
					aborted = true
					break
				}
			}
		}

		e.updateETA()
		e.emit(ctx, "replay.progress", e.Progress())
	}

	result.Duration = time.Since(result.StartedAt)
	result.CompletedAt = time.Now().UTC()

	e.mu.Lock()
	result.ProcessedEvents = e.progress.ProcessedEvents
	result.SkippedEvents = e.progress.SkippedEvents
	result.FailedEvents = e.progress.FailedEvents
	if aborted {
		e.progress.Status = replay.StatusFailed
	} else {
		e.progress.Status = replay.StatusCompleted
	}
	e.mu.Unlock()

	result.Success = !aborted && result.FailedEvents == 0
	return result
}

// checkpoint is consulted before each event: it returns false once the
// session is aborted and blocks while the session is paused.
func (e *Engine) checkpoint() bool {
	for {
		e.mu.Lock()
		abort := e.abortCh
		resume := e.resumeCh
		e.mu.Unlock()

		select {
		case <-abort:
			return false
		default:
		}

		if resume == nil {
			return true
		}
		select {
		case <-resume:
		case <-abort:
			return false
		}
	}
}

// pace sleeps out the original inter-event gap divided by speed, clamped
// to [0, 60s]. Returns false if aborted while sleeping.
func (e *Engine) pace(ctx context.Context, cur, next time.Time, speed float64) bool {
	gap := next.Sub(cur)
	if gap <= 0 {
		return true
	}
	delay := time.Duration(float64(gap) / speed)
	if delay > maxPacingDelay {
		delay = maxPacingDelay
	}

	e.mu.Lock()
	abort := e.abortCh
	e.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-abort:
		return false
	case <-ctx.Done():
		return false
	}
}

// redispatch re-delivers one historical event without re-persisting it.
func (e *Engine) redispatch(ctx context.Context, evt event.Event) error {
	cp := evt
	return e.dispatcher.Dispatch(ctx, &cp, event.DispatchOptions{
		Async:      true,
		Persistent: false,
	})
}

func (e *Engine) setCurrent(id string) {
	e.mu.Lock()
	e.progress.CurrentEvent = id
	e.mu.Unlock()
}

func (e *Engine) bumpProcessed() {
	e.mu.Lock()
	e.progress.ProcessedEvents++
	e.mu.Unlock()
}

func (e *Engine) bumpFailed(result *replay.Result, evt event.Event, err error) {
	e.mu.Lock()
	e.progress.FailedEvents++
	e.mu.Unlock()
	result.Errors = append(result.Errors, replay.ItemError{Event: evt, Error: err.Error()})
	e.log.Warn("replay redispatch failed", "event_id", evt.ID, "error", err)
}

func (e *Engine) updateETA() {
	e.mu.Lock()
	defer e.mu.Unlock()

	done := e.progress.ProcessedEvents + e.progress.FailedEvents
	remaining := e.progress.TotalEvents - done
	if done == 0 || remaining <= 0 {
		e.progress.EstimatedCompletion = nil
		return
	}
	elapsed := time.Since(e.progress.StartedAt)
	eta := time.Now().Add(time.Duration(float64(elapsed) / float64(done) * float64(remaining)))
	e.progress.EstimatedCompletion = &eta
}

func (e *Engine) finalize(ctx context.Context, result *replay.Result) {
	e.appendHistory(ctx, result)

	if result.Success {
		e.emit(ctx, "replay.completed", result)
	} else {
		e.emit(ctx, "replay.failed", result)
	}
	e.log.Info("replay finished",
		"processed", result.ProcessedEvents,
		"failed", result.FailedEvents,
		"duration", result.Duration,
		"success", result.Success)
}

func (e *Engine) appendHistory(ctx context.Context, result *replay.Result) {
	if e.store == nil {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		e.log.Error("failed to marshal replay history entry", "error", err)
		return
	}
	if err := e.store.LPush(ctx, store.ReplayHistoryKey, string(body)); err != nil {
		e.log.Error("failed to append replay history", "error", err)
		return
	}
	if err := e.store.LTrim(ctx, store.ReplayHistoryKey, 0, historyCap-1); err != nil {
		e.log.Error("failed to trim replay history", "error", err)
	}
}

// History returns up to limit past session results, newest first.
func (e *Engine) History(ctx context.Context, limit int64) ([]replay.Result, error) {
	if e.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = historyCap
	}

	rows, err := e.store.LRange(ctx, store.ReplayHistoryKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]replay.Result, 0, len(rows))
	for _, row := range rows {
		var r replay.Result
		if err := json.Unmarshal([]byte(row), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Pause suspends a running session; the in-flight event completes first.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.progress.Status != replay.StatusRunning {
		return ErrNotRunning
	}
	e.progress.Status = replay.StatusPaused
	e.resumeCh = make(chan struct{})
	e.log.Info("replay paused")
	return nil
}

// Resume continues a paused session from where it stopped.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.progress.Status != replay.StatusPaused {
		return ErrNotPaused
	}
	e.progress.Status = replay.StatusRunning
	close(e.resumeCh)
	e.resumeCh = nil
	e.log.Info("replay resumed")
	return nil
}

// Abort cooperatively stops a running session; the processing loop
// observes the signal at its next checkpoint and finishes as failed.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.progress.Status != replay.StatusRunning {
		return ErrNotRunning
	}
	e.progress.Status = replay.StatusFailed
	close(e.abortCh)
	e.log.Info("replay aborted")
	return nil
}

// ReplayEventByID redispatches one persisted event out of band. It does
// not consult or affect the single-flight session.
func (e *Engine) ReplayEventByID(ctx context.Context, id string, opts replay.Options) error {
	if e.store == nil {
		return errors.New("replay: no store configured")
	}

	body, err := e.store.Get(ctx, store.PersistentKey(id))
	if err != nil {
		return fmt.Errorf("fetch event %s: %w", id, err)
	}
	var evt event.Event
	if err := json.Unmarshal([]byte(body), &evt); err != nil {
		return fmt.Errorf("unparsable event %s: %w", id, err)
	}

	if opts.DryRun {
		e.log.Info("dry run, would replay event", "event_id", evt.ID, "type", evt.Type)
		return nil
	}
	if err := e.redispatch(ctx, evt); err != nil {
		return err
	}
	eventsReplayed.Inc()
	return nil
}

func (e *Engine) emit(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("failed to marshal replay event payload", "type", eventType, "error", err)
		return
	}
	e.bus.Emit(ctx, event.Event{
		Type:      eventType,
		Source:    "replay-engine",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
