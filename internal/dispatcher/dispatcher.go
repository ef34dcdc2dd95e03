package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventpipe/internal/broker"
	"eventpipe/internal/bus"
	"eventpipe/internal/domain/event"
	"eventpipe/internal/store"
)

// Event types matching one of these prefixes are forwarded to the broker;
// everything else stays in-process and in the store.
var publishablePrefixes = []string{
	"message.sent",
	"message.received",
	"payment.completed",
	"user.registered",
	"session.created",
	"session.expired",
}

const deadLetterCap = 1000

// Dispatcher fans one event out across the in-process bus, the per-type
// queues, the persistent timeline and the broker. The bus always fires;
// the durable channels are engaged per DispatchOptions. When the store or
// broker is absent (unreachable at startup) delivery degrades to bus-only.
type Dispatcher struct {
	bus    *bus.Bus
	store  store.Store      // nil in degraded mode
	broker broker.Publisher // nil in degraded mode
	log    *slog.Logger

	mu    sync.Mutex
	stats map[string]*typeStats
}

type typeStats struct {
	count    int64
	lastSeen time.Time
}

// TypeStats is the per-type dispatch summary reported by EventStats.
type TypeStats struct {
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
	// Rate is a coarse count-per-minute approximation, not a sliding window.
	Rate float64 `json:"rate"`
}

// BatchResult reports the outcome of one BatchDispatch call.
type BatchResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func New(b *bus.Bus, st store.Store, pub broker.Publisher, log *slog.Logger) *Dispatcher {
	if st == nil {
		log.Warn("dispatcher starting without a store, degrading to bus-only delivery")
	}
	if pub == nil {
		log.Warn("dispatcher starting without a broker, publishes disabled")
	}
	return &Dispatcher{
		bus:    b,
		store:  st,
		broker: pub,
		log:    log,
		stats:  make(map[string]*typeStats),
	}
}

// Dispatch delivers evt across the configured channels. ID and Timestamp
// are assigned exactly once if absent. A bus handler failure is logged
// and never propagated; a queue/persistence/broker failure stops the
// channel sequence, dead-letters the event when opts.Retryable is set,
// and is returned to the caller either way.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *event.Event, opts event.DispatchOptions) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if opts.Priority != "" && evt.Metadata.Priority == "" {
		evt.Metadata.Priority = opts.Priority
	}

	d.recordStats(evt.Type)
	eventsDispatched.Inc()

	d.bus.Emit(ctx, *evt)

	if err := d.engageChannels(ctx, evt, opts); err != nil {
		if opts.Retryable {
			d.deadLetter(ctx, evt, err)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) engageChannels(ctx context.Context, evt *event.Event, opts event.DispatchOptions) error {
	if opts.Async {
		if err := d.enqueue(ctx, evt, opts); err != nil {
			channelFailures.WithLabelValues("queue").Inc()
			return fmt.Errorf("queue %s: %w", evt.Type, err)
		}
	}
	if opts.Persistent {
		if err := d.persist(ctx, evt, opts); err != nil {
			channelFailures.WithLabelValues("persistence").Inc()
			return fmt.Errorf("persist %s: %w", evt.ID, err)
		}
	}
	if err := d.publish(ctx, evt, opts); err != nil {
		channelFailures.WithLabelValues("broker").Inc()
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, evt *event.Event, opts event.DispatchOptions) error {
	if d.store == nil {
		d.log.Debug("no store, skipping queue write", "type", evt.Type)
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if opts.Delay > 0 {
		key := store.DelayedKey(evt.Type)
		due := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := d.store.ZAdd(ctx, key, due, string(body)); err != nil {
			return err
		}
		if opts.TTL > 0 {
			if err := d.store.Expire(ctx, key, opts.TTL); err != nil {
				return err
			}
		}
		return nil
	}

	key := store.QueueKey(evt.Type, opts.Priority)
	if err := d.store.LPush(ctx, key, string(body)); err != nil {
		return err
	}
	if opts.TTL > 0 {
		if err := d.store.Expire(ctx, key, opts.TTL); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, evt *event.Event, opts event.DispatchOptions) error {
	if d.store == nil {
		d.log.Debug("no store, skipping persistence", "type", evt.Type)
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := store.PersistentKey(evt.ID)
	if opts.TTL > 0 {
		err = d.store.SetEx(ctx, key, string(body), opts.TTL)
	} else {
		err = d.store.Set(ctx, key, string(body))
	}
	if err != nil {
		return err
	}

	return d.store.ZAdd(ctx, store.TimelineKey, float64(evt.Timestamp.UnixMilli()), evt.ID)
}

func (d *Dispatcher) publish(ctx context.Context, evt *event.Event, opts event.DispatchOptions) error {
	if d.broker == nil || !publishable(evt.Type) {
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	priority := opts.Priority
	if priority == "" {
		priority = evt.Metadata.Priority
	}

	return d.broker.Publish(ctx, evt.Type, payload, broker.PublishOptions{
		Persistent:    true,
		Priority:      priority.Weight(),
		Timestamp:     evt.Timestamp,
		MessageID:     evt.ID,
		CorrelationID: evt.Metadata.CorrelationID,
	})
}

func publishable(eventType string) bool {
	for _, prefix := range publishablePrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deadLetter(ctx context.Context, evt *event.Event, cause error) {
	if d.store == nil {
		return
	}

	entry := event.DeadLetterEntry{
		Event:      *evt,
		Error:      cause.Error(),
		FailedAt:   time.Now().UTC(),
		RetryCount: evt.Metadata.RetryCount + 1,
	}
	body, err := json.Marshal(entry)
	if err != nil {
		d.log.Error("failed to marshal dead-letter entry", "event_id", evt.ID, "error", err)
		return
	}

	if err := d.store.LPush(ctx, store.DeadLetterKey, string(body)); err != nil {
		d.log.Error("failed to write dead-letter entry", "event_id", evt.ID, "error", err)
		return
	}
	if err := d.store.LTrim(ctx, store.DeadLetterKey, 0, deadLetterCap-1); err != nil {
		d.log.Error("failed to trim dead-letter list", "error", err)
	}
	deadLettered.Inc()
}

// RegisterHandler subscribes a bus handler for an event type. Repeated
// registration of the same handler is a no-op.
func (d *Dispatcher) RegisterHandler(eventType string, h bus.Handler) {
	d.bus.On(eventType, h)
}

// BatchDispatch dispatches all events concurrently with shared options.
// Individual failures do not stop the batch; if at least one dispatch
// failed the joined error is returned alongside the counts.
func (d *Dispatcher) BatchDispatch(ctx context.Context, events []*event.Event, opts event.DispatchOptions) (BatchResult, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		res  BatchResult
		errs []error
	)

	for _, evt := range events {
		wg.Add(1)
		go func(evt *event.Event) {
			defer wg.Done()
			err := d.Dispatch(ctx, evt, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("event %s: %w", evt.ID, err))
			} else {
				res.Succeeded++
			}
		}(evt)
	}
	wg.Wait()

	if len(errs) > 0 {
		return res, fmt.Errorf("batch dispatch: %d of %d failed: %w", res.Failed, len(events), errors.Join(errs...))
	}
	return res, nil
}

// EventStats reports per-type dispatch counts, last-seen timestamps and
// a coarse rate (count over minutes since last seen, floored at one).
func (d *Dispatcher) EventStats() map[string]TypeStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]TypeStats, len(d.stats))
	for t, s := range d.stats {
		minutes := time.Since(s.lastSeen).Minutes()
		if minutes < 1 {
			minutes = 1
		}
		out[t] = TypeStats{
			Count:    s.count,
			LastSeen: s.lastSeen,
			Rate:     float64(s.count) / minutes,
		}
	}
	return out
}

func (d *Dispatcher) recordStats(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stats[eventType]
	if !ok {
		s = &typeStats{}
		d.stats[eventType] = s
	}
	s.count++
	s.lastSeen = time.Now().UTC()
}

// CleanupOldEvents deletes persisted bodies older than the cutoff, along
// with any body that no longer parses, and trims the timeline index.
// Returns the number of deleted bodies.
func (d *Dispatcher) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	if d.store == nil {
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan)
	keys, err := d.store.Keys(ctx, "events:persistent:*")
	if err != nil {
		return 0, fmt.Errorf("scan persisted events: %w", err)
	}

	deleted := 0
	for _, key := range keys {
		body, err := d.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return deleted, err
		}

		var evt event.Event
		if err := json.Unmarshal([]byte(body), &evt); err == nil && !evt.Timestamp.Before(cutoff) {
			continue
		}
		if _, err := d.store.Del(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}

	if _, err := d.store.ZRemRangeByScore(ctx, store.TimelineKey, math.Inf(-1), float64(cutoff.UnixMilli())); err != nil {
		return deleted, fmt.Errorf("trim timeline: %w", err)
	}
	return deleted, nil
}

// ProcessDelayedEvents moves every due entry from the delayed sub-queues
// onto the corresponding active queue. Driven by a periodic trigger in
// the service main. Returns the number of moved events.
func (d *Dispatcher) ProcessDelayedEvents(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}

	keys, err := d.store.Keys(ctx, "events:*:delayed")
	if err != nil {
		return 0, fmt.Errorf("scan delayed queues: %w", err)
	}

	now := float64(time.Now().UnixMilli())
	moved := 0
	for _, key := range keys {
		due, err := d.store.ZRangeByScore(ctx, key, math.Inf(-1), now)
		if err != nil {
			return moved, err
		}
		if len(due) == 0 {
			continue
		}

		active := strings.TrimSuffix(key, ":delayed")
		if _, err := d.store.ZRemRangeByScore(ctx, key, math.Inf(-1), now); err != nil {
			return moved, err
		}
		if err := d.store.LPush(ctx, active, due...); err != nil {
			return moved, err
		}
		moved += len(due)
	}
	return moved, nil
}

// DeadLetters returns up to limit entries, newest first.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int64) ([]event.DeadLetterEntry, error) {
	if d.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = deadLetterCap
	}

	rows, err := d.store.LRange(ctx, store.DeadLetterKey, 0, limit-1)
	if err != nil {
		return nil, err
	}

	entries := make([]event.DeadLetterEntry, 0, len(rows))
	for _, row := range rows {
		var e event.DeadLetterEntry
		if err := json.Unmarshal([]byte(row), &e); err != nil {
			d.log.Warn("skipping unparsable dead-letter entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// RequeueDeadLetter redispatches the entry at the given index (0 is the
// newest) onto its queue and removes it from the dead-letter list.
func (d *Dispatcher) RequeueDeadLetter(ctx context.Context, index int64) error {
	if d.store == nil {
		return errors.New("no store configured")
	}

	rows, err := d.store.LRange(ctx, store.DeadLetterKey, index, index)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no dead-letter entry at index %d", index)
	}

	var entry event.DeadLetterEntry
	if err := json.Unmarshal([]byte(rows[0]), &entry); err != nil {
		return fmt.Errorf("unparsable dead-letter entry: %w", err)
	}

	evt := entry.Event
	evt.Metadata.RetryCount = entry.RetryCount
	if err := d.Dispatch(ctx, &evt, event.DispatchOptions{Async: true}); err != nil {
		return err
	}

	_, err = d.store.LRem(ctx, store.DeadLetterKey, 1, rows[0])
	return err
}
