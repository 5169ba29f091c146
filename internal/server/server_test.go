package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-batch-download/index"
	"go-batch-download/internal/config"
	"go-batch-download/internal/database"
	"go-batch-download/internal/models"
	"go-batch-download/internal/service"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	t        *testing.T
	api      *httptest.Server
	upstream *httptest.Server
	svc      *service.Service
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIWith(t, service.Deps{})
}

func newAPIWith(t *testing.T, deps service.Deps) *apiFixture {
	t.Helper()
	dir := t.TempDir()

	files := map[string][]byte{
		"/s/report": bytes.Repeat([]byte("r"), 2048),
		"/s/photos": bytes.Repeat([]byte("p"), 4096),
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(upstream.Close)

	db, err := database.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := models.Config{
		SavePath:       filepath.Join(dir, "downloads"),
		PollIntervalMs: 10,
		RetryBaseMs:    1,
		RetryMaxMs:     5,
		Provider: models.ProviderConfig{
			Schemes:     []string{"http"},
			Hosts:       []string{"127.0.0.1"},
			PathPattern: `^/s/[a-z]+$`,
		},
		Tiers: map[string]models.PlanLimits{
			"free": {MaxConcurrent: 1, MaxJobsPerBatch: 2, DailyJobs: 10},
		},
		DefaultTier: "free",
		Callers: map[string]models.CallerConfig{
			"key-alice": {ID: "alice", Tier: "free"},
			"key-bob":   {ID: "bob", Tier: "free"},
		},
	}
	config.ApplyDefaults(&cfg)

	deps.Store = db
	svc, err := service.New(&cfg, deps)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	api := httptest.NewServer(New(svc, cfg.Callers))
	t.Cleanup(api.Close)
	return &apiFixture{t: t, api: api, upstream: upstream, svc: svc}
}

func (f *apiFixture) do(method, path, key string, body any) (*http.Response, map[string]any) {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.api.URL+path, rd)
	require.NoError(f.t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	if len(raw) > 0 {
		require.NoError(f.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (f *apiFixture) link(name string) string {
	return f.upstream.URL + "/s/" + name
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (f *apiFixture) waitJob(key, jobID string, want models.State) map[string]any {
	f.t.Helper()
	var body map[string]any
	require.Eventually(f.t, func() bool {
		_, body = f.do(http.MethodGet, "/v1/download/"+jobID+"/status", key, nil)
		return body["state"] == string(want)
	}, 5*time.Second, 10*time.Millisecond)
	return body
}

func TestAuth(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(http.MethodGet, "/v1/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, errorCode(body))

	resp, _ = f.do(http.MethodGet, "/v1/usage", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = f.do(http.MethodGet, "/v1/usage", "key-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "free", body["tier"])
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestSubmitAndStatus(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(http.MethodPost, "/v1/download", "key-alice", map[string]any{"url": f.link("report"), "priority": "high"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.NotEmpty(t, body["batch_id"])

	status := f.waitJob("key-alice", jobID, models.StateCompleted)
	assert.Equal(t, float64(2048), status["bytes_transferred"])
	assert.Equal(t, "high", status["priority"])

	// Another caller cannot see the job.
	resp, body = f.do(http.MethodGet, "/v1/download/"+jobID+"/status", "key-bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, service.CodeNotFound, errorCode(body))

	resp, body = f.do(http.MethodPost, "/v1/download/"+jobID+"/pause", "key-alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	resp, _ = f.do(http.MethodGet, "/v1/usage", "key-alice", nil)
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))

	resp, body = f.do(http.MethodGet, "/v1/downloads", "key-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs, _ := body["jobs"].([]any)
	assert.Len(t, jobs, 1)

	resp, body = f.do(http.MethodGet, "/v1/downloads?q=report", "key-alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, service.CodeSearchUnavailable, errorCode(body))
}

func TestSubmitBatch_Errors(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(http.MethodPost, "/v1/batch-download", "key-alice", map[string]any{
		"urls": []string{f.link("report"), "https://elsewhere.example/s/x"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_LOCATOR", errorCode(body))
	assert.Equal(t, float64(1), body["error"].(map[string]any)["index"])

	resp, body = f.do(http.MethodPost, "/v1/batch-download", "key-alice", map[string]any{
		"urls": []string{f.link("report"), f.link("photos"), f.link("report")},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, service.CodeBatchLimitExceeded, errorCode(body))

	resp, body = f.do(http.MethodPost, "/v1/batch-download", "key-alice", map[string]any{
		"urls":     []string{f.link("report")},
		"priority": "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, service.CodeInvalidRequest, errorCode(body))

	resp, _ = f.do(http.MethodPost, "/v1/download/missing/cancel", "key-alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Empty(t, f.svc.Jobs("alice"))
}

func TestBatchStatusAndEvents(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(http.MethodPost, "/v1/batch-download", "key-bob", map[string]any{
		"urls": []string{f.link("report"), f.link("photos")},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	batchID, _ := body["batch_id"].(string)
	require.NotEmpty(t, batchID)

	req, err := http.NewRequest(http.MethodGet, f.api.URL+"/v1/batches/"+batchID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer key-bob")
	client := &http.Client{Timeout: 5 * time.Second}
	stream, err := client.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	// The stream ends once the batch is done.
	raw, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	events := string(raw)
	assert.True(t, strings.HasPrefix(events, "event: batch.status\n"), events)
	assert.Contains(t, events, `"done":true`)

	resp, body = f.do(http.MethodGet, "/v1/batches/"+batchID, "key-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["completed"])
	assert.Equal(t, true, body["done"])
	assert.Equal(t, float64(6144), body["aggregate_bytes_transferred"])
	jobs, _ := body["jobs"].([]any)
	assert.Len(t, jobs, 2)

	resp, _ = f.do(http.MethodGet, "/v1/batches/"+batchID, "key-alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistory_SearchIsScopedToCaller(t *testing.T) {
	idx, err := bleve.NewMemOnly(index.NewIndexMapping())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, index.IndexItem(idx, index.Item{ID: id, CallerID: "alice", Type: "download", Name: "monthly report"}))
	}
	require.NoError(t, index.IndexItem(idx, index.Item{ID: "b1", CallerID: "bob", Type: "download", Name: "monthly report"}))

	f := newAPIWith(t, service.Deps{Index: idx})

	resp, body := f.do(http.MethodGet, "/v1/downloads?q=type:download&limit=2", "key-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hits, _ := body["hits"].([]any)
	require.Len(t, hits, 1)
	assert.Equal(t, "b1", hits[0].(map[string]any)["job_id"])

	resp, body = f.do(http.MethodGet, "/v1/downloads?q=report&limit=2", "key-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hits, _ = body["hits"].([]any)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "alice", h.(map[string]any)["fields"].(map[string]any)["callerId"])
	}
}
