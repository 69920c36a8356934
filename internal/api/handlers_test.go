package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sweep/internal/events"
	"github.com/mattjoyce/sweep/internal/job"
	"github.com/mattjoyce/sweep/internal/ledger"
	"github.com/mattjoyce/sweep/internal/progress"
	"github.com/mattjoyce/sweep/internal/worker"
)

type fixedProgress struct{ snap progress.Snapshot }

func (f fixedProgress) Snapshot() progress.Snapshot { return f.snap }

type fixedStates []worker.State

func (f fixedStates) States() []worker.State { return f }

type mockRuns struct {
	runsFunc func(ctx context.Context, limit int) ([]ledger.Run, error)
}

func (m *mockRuns) Runs(ctx context.Context, limit int) ([]ledger.Run, error) {
	return m.runsFunc(ctx, limit)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthz(t *testing.T) {
	s := New(Config{RunID: "r1"}, nil, fixedStates{worker.Idle, worker.AwaitingOutput}, nil, nil, testLogger())

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "r1", resp.RunID)
	assert.Equal(t, 2, resp.Workers)
}

func TestProgress(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := fixedProgress{snap: progress.Snapshot{
		Total: 100, Remaining: 75, Completed: 25, Finished: 20, Lost: 1, Crashes: 2,
		Elapsed: 50 * time.Second, ETA: 150 * time.Second,
		InFlight: []progress.Running{
			{Job: job.MustNew("tokio", "1.37.0"), Worker: 3, Started: started, Elapsed: 4 * time.Second},
		},
	}}
	s := New(Config{RunID: "r1", Tool: "miri"}, src, fixedStates{worker.Idle, worker.Persisting}, nil, nil, testLogger())

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/progress", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp ProgressResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "miri", resp.Tool)
	assert.Equal(t, 25, resp.Completed)
	assert.Equal(t, 75, resp.Remaining)
	assert.InDelta(t, 0.25, resp.Fraction, 1e-9)
	assert.InDelta(t, 150, resp.ETASeconds, 1e-9)
	require.Len(t, resp.InFlight, 1)
	assert.Equal(t, "tokio", resp.InFlight[0].Name)
	assert.Equal(t, "1.37.0", resp.InFlight[0].Version)
	assert.True(t, resp.InFlight[0].StartedAt.Equal(started))
	require.Len(t, resp.Workers, 2)
	assert.Equal(t, "persisting", resp.Workers[1].State)
}

func TestProgressWithoutRun(t *testing.T) {
	s := New(Config{}, nil, nil, nil, nil, testLogger())
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/progress", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRuns(t *testing.T) {
	var gotLimit int
	runs := &mockRuns{runsFunc: func(_ context.Context, limit int) ([]ledger.Run, error) {
		gotLimit = limit
		return []ledger.Run{{ID: "b", Tool: "asan", Succeeded: 3}, {ID: "a", Tool: "miri"}}, nil
	}}
	s := New(Config{}, nil, nil, runs, nil, testLogger())

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, gotLimit)

	var resp []RunSummary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "b", resp[0].ID)
	assert.Equal(t, 3, resp[0].Succeeded)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	runs.runsFunc = func(context.Context, int) ([]ledger.Run, error) { return nil, errors.New("db gone") }
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.RunStarted, events.RunEvent{RunID: "r1", Total: 2, PoolSize: 1})

	s := New(Config{}, nil, nil, nil, hub, testLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream ended early")
			return l
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return ""
		}
	}

	assert.Equal(t, "id: 1", next())
	assert.Equal(t, "event: "+events.RunStarted, next())
	assert.True(t, strings.HasPrefix(next(), `data: {"run_id":"r1"`))
	assert.Equal(t, "", next())

	hub.Publish(events.JobCompleted, events.JobEvent{Name: "foo", Version: "1.0.0"})
	assert.Equal(t, "id: 2", next())
	assert.Equal(t, "event: "+events.JobCompleted, next())
}

func TestEventsReplayHonoursLastEventID(t *testing.T) {
	hub := events.NewHub(16)
	for i := 0; i < 3; i++ {
		hub.Publish(events.JobStarted, events.JobEvent{Worker: i})
	}
	s := New(Config{}, nil, nil, nil, hub, testLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "id: 3", sc.Text())
}

func TestEventsWithoutHub(t *testing.T) {
	s := New(Config{}, nil, nil, nil, nil, testLogger())
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(17), parseLastEventID("17"))
}

func TestTokenProtectsEverythingButHealthz(t *testing.T) {
	src := fixedProgress{snap: progress.Snapshot{Total: 4, Completed: 1}}
	s := New(Config{RunID: "r1", Token: "secret"}, src, nil, nil, nil, testLogger())
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/progress", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/progress", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func openStream(t *testing.T, ctx context.Context, url string) *bufio.Scanner {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return bufio.NewScanner(resp.Body)
}

func TestEventsFilterByType(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.RunStarted, events.RunEvent{RunID: "r1"})
	hub.Publish(events.JobStarted, events.JobEvent{Name: "foo"})
	hub.Publish(events.WorkerCrashed, events.WorkerEvent{Worker: 1})

	s := New(Config{}, nil, nil, nil, hub, testLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sc := openStream(t, ctx, ts.URL+"/events?types=worker.")

	require.True(t, sc.Scan())
	assert.Equal(t, "id: 3", sc.Text())
	require.True(t, sc.Scan())
	assert.Equal(t, "event: "+events.WorkerCrashed, sc.Text())
}

func TestEventsInterleavesProgress(t *testing.T) {
	hub := events.NewHub(16)
	src := fixedProgress{snap: progress.Snapshot{Total: 4, Remaining: 3, Completed: 1}}
	s := New(Config{RunID: "r1"}, src, nil, nil, hub, testLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sc := openStream(t, ctx, ts.URL+"/events?progress=250ms")

	require.True(t, sc.Scan())
	assert.Equal(t, "event: progress", sc.Text())
	require.True(t, sc.Scan())
	data := strings.TrimPrefix(sc.Text(), "data: ")
	var resp ProgressResponse
	require.NoError(t, json.Unmarshal([]byte(data), &resp))
	assert.Equal(t, "r1", resp.RunID)
	assert.Equal(t, 4, resp.Total)
}

func TestEventsRejectsBadOptions(t *testing.T) {
	hub := events.NewHub(4)

	s := New(Config{}, nil, nil, nil, hub, testLogger())
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events?progress=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events?progress=1s", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestParseStreamOptions(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?types=job.,+worker.&types=run.started&progress=10ms", nil)
	opts, err := parseStreamOptions(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"job.", "worker.", "run.started"}, opts.types)
	assert.Equal(t, minProgressInterval, opts.progress)

	assert.True(t, opts.wants(events.Event{Type: events.JobLost}))
	assert.False(t, opts.wants(events.Event{Type: events.RunFinished}))
	assert.True(t, streamOptions{}.wants(events.Event{Type: events.RunFinished}))
}
