package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventpipe/internal/broker"
	"eventpipe/internal/bus"
	"eventpipe/internal/dispatcher"
	"eventpipe/internal/domain/event"
	"eventpipe/internal/domain/replay"
	"eventpipe/internal/store"
	"eventpipe/internal/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	engine *Engine
	disp   *dispatcher.Dispatcher
	bus    *bus.Bus
	store  *memstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(testLogger())
	st := memstore.New()
	d := dispatcher.New(b, st, nil, testLogger())
	return &fixture{
		engine: New(st, d, b, testLogger()),
		disp:   d,
		bus:    b,
		store:  st,
	}
}

// persist writes one event through the dispatcher's persistent channel.
func (f *fixture) persist(t *testing.T, evt *event.Event) {
	t.Helper()
	require.NoError(t, f.disp.Dispatch(context.Background(), evt, event.DispatchOptions{Persistent: true}))
}

func TestReplayFiltersByTypeAscending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()

	// 10 events across 2 types, persisted out of order.
	for i := 9; i >= 0; i-- {
		typ := "payment.completed"
		if i%2 == 1 {
			typ = "message.sent"
		}
		f.persist(t, &event.Event{
			Type:      typ,
			Source:    "test",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	var mu sync.Mutex
	var replayed []time.Time
	f.bus.On("payment.completed", func(ctx context.Context, evt event.Event) error {
		mu.Lock()
		replayed = append(replayed, evt.Timestamp)
		mu.Unlock()
		return nil
	})

	result, err := f.engine.Replay(ctx, replay.Options{EventTypes: []string{"payment.completed"}})
	require.NoError(t, err)
	require.Equal(t, 5, result.TotalEvents)
	require.Equal(t, 5, result.ProcessedEvents)
	require.Equal(t, 5, result.SkippedEvents)
	require.Zero(t, result.FailedEvents)
	require.True(t, result.Success)

	require.Len(t, replayed, 5)
	for i := 1; i < len(replayed); i++ {
		require.False(t, replayed[i].Before(replayed[i-1]), "replay order must be ascending by timestamp")
	}
}

func TestReplayDoesNotRePersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persist(t, &event.Event{Type: "payment.completed", Source: "test"})

	before, err := f.store.ZCard(ctx, store.TimelineKey)
	require.NoError(t, err)

	result, err := f.engine.Replay(ctx, replay.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, result.ProcessedEvents)

	after, err := f.store.ZCard(ctx, store.TimelineKey)
	require.NoError(t, err)
	require.Equal(t, before, after, "redispatch must not re-enter the timeline")

	// The redispatch went to the active queue instead.
	n, err := f.store.LLen(ctx, store.QueueKey("payment.completed", ""))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestReplayTimeRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		f.persist(t, &event.Event{
			Type:      "message.sent",
			Source:    "test",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	result, err := f.engine.Replay(ctx, replay.Options{
		StartTime: base.Add(time.Minute),
		EndTime:   base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalEvents)
}

func TestDryRunTouchesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persist(t, &event.Event{Type: "payment.completed", Source: "test"})
	f.persist(t, &event.Event{Type: "payment.completed", Source: "test"})

	handled := 0
	f.bus.On("payment.completed", func(ctx context.Context, evt event.Event) error {
		handled++
		return nil
	})

	result, err := f.engine.Replay(ctx, replay.Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 2, result.ProcessedEvents)
	require.True(t, result.Success)

	require.Zero(t, handled, "dry run must not invoke handlers")
	n, err := f.store.LLen(ctx, store.QueueKey("payment.completed", ""))
	require.NoError(t, err)
	require.Zero(t, n, "dry run must not write queues")
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()

	// Two events far apart with pacing enabled keep the first session
	// busy long enough to observe the rejection.
	f.persist(t, &event.Event{Type: "message.sent", Source: "test", Timestamp: base})
	f.persist(t, &event.Event{Type: "message.sent", Source: "test", Timestamp: base.Add(10 * time.Minute)})

	done := make(chan *replay.Result, 1)
	go func() {
		result, err := f.engine.Replay(ctx, replay.Options{Speed: 1})
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		return f.engine.Progress().Status == replay.StatusRunning
	}, time.Second, time.Millisecond)

	_, err := f.engine.Replay(ctx, replay.Options{})
	require.ErrorIs(t, err, ErrReplayRunning)
	require.Equal(t, 2, f.engine.Progress().TotalEvents, "active session untouched by the rejected call")

	require.NoError(t, f.engine.Abort())
	result := <-done
	require.False(t, result.Success)
	require.Equal(t, replay.StatusFailed, f.engine.Progress().Status)
}

func TestPauseResumeAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()

	for i := 0; i < 3; i++ {
		f.persist(t, &event.Event{Type: "message.sent", Source: "test", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	started := make(chan string)
	proceed := make(chan struct{})
	f.bus.On("message.sent", func(ctx context.Context, evt event.Event) error {
		started <- evt.ID
		<-proceed
		return nil
	})

	done := make(chan *replay.Result, 1)
	go func() {
		result, err := f.engine.Replay(ctx, replay.Options{})
		require.NoError(t, err)
		done <- result
	}()

	// Pause while the first event is in flight; it completes, then the
	// loop parks before the second.
	<-started
	require.NoError(t, f.engine.Pause())
	proceed <- struct{}{}

	require.Eventually(t, func() bool {
		return f.engine.Progress().ProcessedEvents == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, replay.StatusPaused, f.engine.Progress().Status)

	// Paused: no further processing, and pause/abort transitions are guarded.
	require.ErrorIs(t, f.engine.Pause(), ErrNotRunning)
	require.ErrorIs(t, f.engine.Abort(), ErrNotRunning)
	require.Equal(t, 1, f.engine.Progress().ProcessedEvents)

	require.NoError(t, f.engine.Resume())
	require.ErrorIs(t, f.engine.Resume(), ErrNotPaused)

	<-started
	proceed <- struct{}{}
	<-started
	proceed <- struct{}{}

	result := <-done
	require.Equal(t, 3, result.ProcessedEvents)
	require.True(t, result.Success)
	require.Equal(t, replay.StatusCompleted, f.engine.Progress().Status)
}

func TestAbortStopsProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()

	for i := 0; i < 3; i++ {
		f.persist(t, &event.Event{Type: "message.sent", Source: "test", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	started := make(chan string)
	proceed := make(chan struct{})
	f.bus.On("message.sent", func(ctx context.Context, evt event.Event) error {
		started <- evt.ID
		<-proceed
		return nil
	})

	done := make(chan *replay.Result, 1)
	go func() {
		result, err := f.engine.Replay(ctx, replay.Options{})
		require.NoError(t, err)
		done <- result
	}()

	<-started
	require.NoError(t, f.engine.Abort())
	proceed <- struct{}{}

	result := <-done
	require.Equal(t, 1, result.ProcessedEvents, "in-flight event completes, the rest are not processed")
	require.False(t, result.Success)
	require.Equal(t, replay.StatusFailed, f.engine.Progress().Status)
}

func TestReplayPartialFailureTolerated(t *testing.T) {
	ctx := context.Background()
	b := bus.New(testLogger())
	st := memstore.New()

	// Seed the timeline through a healthy dispatcher, then replay
	// through one whose broker rejects publishable types.
	seed := dispatcher.New(b, st, nil, testLogger())
	base := time.Now().Add(-time.Hour).UTC()
	bad := &event.Event{Type: "payment.completed", Source: "test", Timestamp: base}
	good := &event.Event{Type: "plugin.invoked", Source: "test", Timestamp: base.Add(time.Second)}
	require.NoError(t, seed.Dispatch(ctx, bad, event.DispatchOptions{Persistent: true}))
	require.NoError(t, seed.Dispatch(ctx, good, event.DispatchOptions{Persistent: true}))

	broken := dispatcher.New(b, st, brokenPublisher{}, testLogger())
	engine := New(st, broken, b, testLogger())

	result, err := engine.Replay(ctx, replay.Options{})
	require.NoError(t, err, "per-event failures never fail the run itself")
	require.Equal(t, 1, result.ProcessedEvents)
	require.Equal(t, 1, result.FailedEvents)
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	require.Equal(t, bad.ID, result.Errors[0].Event.ID)
	require.Equal(t, replay.StatusCompleted, engine.Progress().Status)
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(ctx context.Context, routingKey string, payload []byte, opts broker.PublishOptions) error {
	return errors.New("broker down")
}

func (brokenPublisher) Close() error { return nil }

func TestReplayEventByIDOutOfBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := &event.Event{Type: "message.sent", Source: "test"}
	f.persist(t, evt)

	handled := 0
	f.bus.On("message.sent", func(ctx context.Context, evt event.Event) error {
		handled++
		return nil
	})

	require.NoError(t, f.engine.ReplayEventByID(ctx, evt.ID, replay.Options{}))
	require.Equal(t, 1, handled)
	require.Equal(t, replay.StatusIdle, f.engine.Progress().Status, "out-of-band replay leaves the session untouched")

	// Dry run only logs.
	require.NoError(t, f.engine.ReplayEventByID(ctx, evt.ID, replay.Options{DryRun: true}))
	require.Equal(t, 1, handled)

	require.Error(t, f.engine.ReplayEventByID(ctx, "missing", replay.Options{}))
}

func TestReplayHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persist(t, &event.Event{Type: "message.sent", Source: "test"})

	_, err := f.engine.Replay(ctx, replay.Options{})
	require.NoError(t, err)
	_, err = f.engine.Replay(ctx, replay.Options{DryRun: true})
	require.NoError(t, err)

	history, err := f.engine.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].Success)
}

func TestReplayEmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persist(t, &event.Event{Type: "message.sent", Source: "test"})

	var events []string
	for _, typ := range []string{"replay.started", "replay.progress", "replay.completed", "replay.failed"} {
		typ := typ
		f.bus.On(typ, func(ctx context.Context, evt event.Event) error {
			events = append(events, typ)
			return nil
		})
	}

	_, err := f.engine.Replay(ctx, replay.Options{DryRun: true})
	require.NoError(t, err)

	require.Contains(t, events, "replay.started")
	require.Contains(t, events, "replay.progress")
	require.Contains(t, events, "replay.completed")
	require.NotContains(t, events, "replay.failed")
}
