package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventpipe/internal/bus"
	"eventpipe/internal/dispatcher"
	"eventpipe/internal/domain/event"
	"eventpipe/internal/domain/queue"
	"eventpipe/internal/monitor"
	"eventpipe/internal/replay"
	"eventpipe/internal/store/memstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(log)
	st := memstore.New()
	d := dispatcher.New(b, st, nil, log)
	m := monitor.New(st, b, log, monitor.DefaultConfig())
	e := replay.New(st, d, b, log)

	srv := httptest.NewServer(NewRouter(NewHandlers(d, m, e, log)))
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestDispatchEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/events", map[string]any{
		"event": map[string]any{
			"type":   "payment.completed",
			"source": "fintech",
			"data":   map[string]any{"amount": 10},
		},
		"options": map[string]any{"persistent": true, "ttl_seconds": 3600},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["event_id"])

	keys, err := st.Keys(context.Background(), "events:persistent:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestDispatchEndpointRequiresType(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/events", map[string]any{
		"event": map[string]any{"source": "fintech"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueMonitorEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/queues/events:payment.completed/monitor", map[string]any{
		"thresholds": queue.Thresholds{MaxSize: 5, MaxAge: time.Hour, MaxErrorRate: 1},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/queues/events:payment.completed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health queue.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, queue.StatusHealthy, health.Status)

	resp, err = http.Get(srv.URL + "/queues/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReplayLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	// Nothing running: transitions are rejected.
	resp := postJSON(t, srv.URL+"/replay/pause", struct{}{})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/replay/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var progress map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&progress))
	require.Equal(t, "idle", progress["status"])
}

func TestExportImportEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	events := []event.Event{
		{ID: "e1", Type: "message.sent", Source: "chat", Timestamp: time.Now().UTC()},
	}
	data, err := json.Marshal(events)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/import", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var imported map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imported))
	require.Equal(t, 1, imported["imported"])

	resp, err = http.Get(srv.URL + "/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var exported []event.Event
	require.NoError(t, json.Unmarshal(body, &exported))
	require.Len(t, exported, 1)
	require.Equal(t, "e1", exported[0].ID)
}
