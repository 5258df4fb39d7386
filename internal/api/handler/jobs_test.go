package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rob634/rmhgeoapi-sub017/internal/api"
	"github.com/rob634/rmhgeoapi-sub017/internal/api/handler"
	"github.com/rob634/rmhgeoapi-sub017/internal/cache"
	"github.com/rob634/rmhgeoapi-sub017/pkg/broker"
	"github.com/rob634/rmhgeoapi-sub017/pkg/coordinator"
	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
	"github.com/rob634/rmhgeoapi-sub017/pkg/state"
)

type testServer struct {
	router http.Handler
	store  *state.GormStateManager
	db     *gorm.DB
	coord  *coordinator.Coordinator
	broker *broker.MemoryBroker
	cache  cache.Cache
}

func newTestServer(t *testing.T, c cache.Cache) *testServer {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "api.db"), state.PoolConfig{})
	require.NoError(t, err)
	store := state.NewGormStateManager(db)
	require.NoError(t, store.Migrate(context.Background()))

	reg := registry.New()
	require.NoError(t, reg.RegisterJob(&registry.JobDefinition{
		JobType: "noop_job",
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "only", TaskType: "noop_task", Parallelism: core.ParallelismSingle},
		},
	}))
	require.NoError(t, reg.RegisterHandler("noop_task", func(ctx context.Context, in registry.TaskInput) (registry.TaskResult, error) {
		return registry.TaskResult{"done": true}, nil
	}))

	b := broker.NewMemoryBroker()
	coord := coordinator.New(store, b, reg)

	router := api.NewRouter(api.Dependencies{
		HealthHandler:    handler.NewHealthHandler(map[string]handler.Pinger{"database": store}),
		SubmitJobHandler: handler.NewSubmitJobHandler(coord),
		GetJobHandler:    handler.NewGetJobHandler(store, c),
		ListTasksHandler: handler.NewListJobTasksHandler(store),
	})

	return &testServer{router: router, store: store, db: db, coord: coord, broker: b, cache: c}
}

// pump drains the in-memory queues through the coordinator until the job
// reaches a terminal state.
func (s *testServer) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		progressed := false
		for _, queue := range []string{broker.JobQueue, broker.TaskQueue} {
			d, err := s.broker.Receive(ctx, queue)
			require.NoError(t, err)
			if d == nil {
				continue
			}
			progressed = true
			switch queue {
			case broker.JobQueue:
				msg, err := core.DecodeJobMessage(d.Body)
				require.NoError(t, err)
				require.NoError(t, s.coord.HandleJobMessage(ctx, msg))
			case broker.TaskQueue:
				msg, err := core.DecodeTaskMessage(d.Body)
				require.NoError(t, err)
				require.NoError(t, s.coord.HandleTaskMessage(ctx, msg))
			}
			require.NoError(t, d.Ack(ctx))
		}
		if !progressed && s.broker.Len(broker.JobQueue) == 0 && s.broker.Len(broker.TaskQueue) == 0 {
			return
		}
	}
	t.Fatal("queues never drained")
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code, envelope.Error.Message
}

func TestSubmitJob_AcceptedWithDeterministicID(t *testing.T) {
	srv := newTestServer(t, nil)
	body := map[string]any{
		"job_type":   "noop_job",
		"parameters": map[string]any{"region": "pnw"},
	}

	rec := srv.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	data := decodeData(t, rec)
	jobID, _ := data["job_id"].(string)
	assert.Len(t, jobID, 64)
	assert.Equal(t, "queued", data["status"])

	// Identical resubmission returns the same ID.
	rec = srv.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, jobID, decodeData(t, rec)["job_id"])
}

func TestSubmitJob_UnknownTypeRejected(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"job_type": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "UNKNOWN_JOB_TYPE", code)
}

func TestSubmitJob_InvalidBodyRejected(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "INVALID_REQUEST", code)

	rec = srv.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"job_type": "9bad name", "parameters": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ = decodeError(t, rec)
	assert.Equal(t, "INVALID_JOB_TYPE", code)
}

func TestSubmitJob_OversizedParametersRejected(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"job_type":   "noop_job",
		"parameters": map[string]any{"blob": strings.Repeat("x", 1<<20)},
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "PARAMETERS_TOO_LARGE", code)
}

func TestGetJob_LifecycleAndNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodGet, "/api/v1/jobs/"+strings.Repeat("00", 32), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "JOB_NOT_FOUND", code)

	rec = srv.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"job_type": "noop_job", "parameters": map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeData(t, rec)["job_id"].(string)

	srv.pump(t)

	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, "noop_job", data["job_type"])
	assert.EqualValues(t, 1, data["current_stage"])
	assert.EqualValues(t, 1, data["total_stages"])
	assert.NotNil(t, data["stage_results"])
}

func TestListJobTasks(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"job_type": "noop_job", "parameters": map[string]any{"n": 2},
	})
	jobID := decodeData(t, rec)["job_id"].(string)
	srv.pump(t)

	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, jobID, data["job_id"])
	tasks, ok := data["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 1)
	task := tasks[0].(map[string]any)
	assert.Equal(t, "noop_task", task["task_type"])
	assert.Equal(t, "completed", task["status"])

	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+strings.Repeat("ff", 32)+"/tasks", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// memoryCache is a map-backed Cache for handler tests.
type memoryCache struct {
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (m *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.entries[key] = value
	return nil
}

func (m *memoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memoryCache) Delete(ctx context.Context, key string) error {
	delete(m.entries, key)
	return nil
}

func (m *memoryCache) Ping(ctx context.Context) error { return nil }

func TestGetJob_TerminalViewIsCached(t *testing.T) {
	mc := newMemoryCache()
	srv := newTestServer(t, mc)

	rec := srv.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"job_type": "noop_job", "parameters": map[string]any{"n": 3},
	})
	jobID := decodeData(t, rec)["job_id"].(string)

	// Queued job is not terminal, nothing cached yet.
	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, mc.entries)

	srv.pump(t)

	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, mc.entries, cache.JobViewKey(jobID))

	// Subsequent reads come from the cache even if the row disappears.
	require.NoError(t, srv.db.Exec("DELETE FROM jobs WHERE id = ?", jobID).Error)
	rec = srv.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeData(t, rec)["status"])
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return fmt.Errorf("connection refused") }

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "ok", data["status"])

	h := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": srv.store,
		"broker":   failingPinger{},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec = httptest.NewRecorder()
	h(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "DEGRADED", code)
}
