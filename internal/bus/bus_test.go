package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"eventpipe/internal/domain/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitInvokesSubscribers(t *testing.T) {
	b := New(testLogger())

	var got []string
	b.On("payment.completed", func(ctx context.Context, evt event.Event) error {
		got = append(got, evt.ID)
		return nil
	})

	b.Emit(context.Background(), event.Event{ID: "e1", Type: "payment.completed"})
	b.Emit(context.Background(), event.Event{ID: "e2", Type: "payment.completed"})
	b.Emit(context.Background(), event.Event{ID: "e3", Type: "other.type"})

	require.Equal(t, []string{"e1", "e2"}, got)
}

func TestHandlerErrorIsSwallowed(t *testing.T) {
	b := New(testLogger())

	calls := 0
	b.On("a.b", func(ctx context.Context, evt event.Event) error {
		return errors.New("boom")
	})
	b.On("a.b", func(ctx context.Context, evt event.Event) error {
		calls++
		return nil
	})

	require.NotPanics(t, func() {
		b.Emit(context.Background(), event.Event{ID: "x", Type: "a.b"})
	})
	require.Equal(t, 1, calls, "second handler still runs after the first fails")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := New(testLogger())

	b.On("a.b", func(ctx context.Context, evt event.Event) error {
		panic("handler bug")
	})

	require.NotPanics(t, func() {
		b.Emit(context.Background(), event.Event{Type: "a.b"})
	})
}

func TestDuplicateRegistrationIsNoop(t *testing.T) {
	b := New(testLogger())

	calls := 0
	h := func(ctx context.Context, evt event.Event) error {
		calls++
		return nil
	}
	b.On("a.b", h)
	b.On("a.b", h)

	require.Equal(t, 1, b.SubscriberCount("a.b"))

	b.Emit(context.Background(), event.Event{Type: "a.b"})
	require.Equal(t, 1, calls)
}
