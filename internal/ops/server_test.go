package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinecare/internal/scheduler"
	"kinecare/internal/types"
)

const testAdminKey = "test-admin-key-0123456789"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- Mock JobRunner ---

type mockRunner struct {
	mu       sync.Mutex
	tasks    []scheduler.TaskType
	times    []time.Time
	triggers []string
	result   scheduler.JobResult
	err      error
}

func (m *mockRunner) RunTask(_ context.Context, task scheduler.TaskType, now time.Time, trigger string) (scheduler.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	m.times = append(m.times, now)
	m.triggers = append(m.triggers, trigger)
	if m.err != nil {
		return scheduler.JobResult{}, m.err
	}
	return m.result, nil
}

// --- Mock Pinger ---

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error {
	return m.err
}

func newTestServer(runner *mockRunner, pinger *mockPinger) http.Handler {
	srv := NewServer(runner, pinger, types.SecretString(testAdminKey), testLogger())
	return srv.Router()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

// --- Probe Tests ---

func TestHealthz(t *testing.T) {
	router := newTestServer(&mockRunner{}, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestReadyz_Ready(t *testing.T) {
	router := newTestServer(&mockRunner{}, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestReadyz_DatabaseUnreachable(t *testing.T) {
	router := newTestServer(&mockRunner{}, &mockPinger{err: errors.New("connection refused")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalDB), detail.Code)
}

// --- Admin Key Tests ---

func triggerRequest(task string, body []byte, key string) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(http.MethodPost, "/ops/jobs/"+task, nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, "/ops/jobs/"+task, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	return req
}

func TestTriggerJob_MissingAdminKey(t *testing.T) {
	runner := &mockRunner{}
	router := newTestServer(runner, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("archive_programmes", nil, ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthAdminKeyMissing), decodeError(t, rec).Code)
	assert.Empty(t, runner.tasks)
}

func TestTriggerJob_InvalidAdminKey(t *testing.T) {
	runner := &mockRunner{}
	router := newTestServer(runner, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("archive_programmes", nil, "wrong-key"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthAdminKeyInvalid), decodeError(t, rec).Code)
	assert.Empty(t, runner.tasks)
}

// --- Trigger Tests ---

func TestTriggerJob_Success(t *testing.T) {
	runner := &mockRunner{
		result: scheduler.JobResult{Task: scheduler.TaskArchiveProgrammes, Items: 5},
	}
	router := newTestServer(runner, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("archive_programmes", nil, testAdminKey))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.tasks, 1)
	assert.Equal(t, scheduler.TaskArchiveProgrammes, runner.tasks[0])
	assert.Equal(t, scheduler.TriggerManual, runner.triggers[0])

	var resp struct {
		Data scheduler.JobResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Data.Items)
}

func TestTriggerJob_UnknownTask(t *testing.T) {
	runner := &mockRunner{}
	router := newTestServer(runner, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("defragment_disks", nil, testAdminKey))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundTask), decodeError(t, rec).Code)
	assert.Empty(t, runner.tasks)
}

func TestTriggerJob_ReferenceTime(t *testing.T) {
	runner := &mockRunner{}
	router := newTestServer(runner, &mockPinger{})

	body := []byte(`{"reference_time":"2026-03-15T00:05:00Z"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("completion_notifications", body, testAdminKey))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.times, 1)
	assert.True(t, runner.times[0].Equal(time.Date(2026, 3, 15, 0, 5, 0, 0, time.UTC)))
}

func TestTriggerJob_InvalidReferenceTime(t *testing.T) {
	runner := &mockRunner{}
	router := newTestServer(runner, &mockPinger{})

	body := []byte(`{"reference_time":"yesterday"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("completion_notifications", body, testAdminKey))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidTime), decodeError(t, rec).Code)
	assert.Empty(t, runner.tasks)
}

func TestTriggerJob_UnknownField(t *testing.T) {
	runner := &mockRunner{}
	router := newTestServer(runner, &mockPinger{})

	body := []byte(`{"refrence_time":"2026-03-15T00:05:00Z"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("completion_notifications", body, testAdminKey))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidPayload), decodeError(t, rec).Code)
}

func TestTriggerJob_JobTimeout(t *testing.T) {
	runner := &mockRunner{err: context.DeadlineExceeded}
	router := newTestServer(runner, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("purge_archived", nil, testAdminKey))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, string(types.ErrCodeJobTimeout), decodeError(t, rec).Code)
}

func TestTriggerJob_JobFailure(t *testing.T) {
	runner := &mockRunner{err: errors.New("db down")}
	router := newTestServer(runner, &mockPinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, triggerRequest("reap_orphan_assets", nil, testAdminKey))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeJobFailed), detail.Code)
	// Internal details must not leak to the client.
	assert.NotContains(t, detail.Message, "db down")
}
