package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvaldsson/forgeq/internal/adapters/duckdb"
	"github.com/edvaldsson/forgeq/internal/core/domain"
	"github.com/edvaldsson/forgeq/internal/core/ports"
	"github.com/edvaldsson/forgeq/internal/core/services"
)

type testKernel struct {
	server    *httptest.Server
	scheduler *services.Scheduler
	repo      *duckdb.Repository
	release   chan struct{}
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := duckdb.NewRepository(filepath.Join(t.TempDir(), "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	pub := services.NewPublisher(logger)
	scheduler := services.NewScheduler(logger, repo, pub, services.SchedulerConfig{
		OwnerSlotLimit:    2,
		GlobalConcurrency: 8,
		DefaultJobTimeout: time.Minute,
		CancelGracePeriod: 100 * time.Millisecond,
	})

	release := make(chan struct{})
	scheduler.RegisterExecutor(domain.KindOther, ports.WorkExecutorFunc(
		func(ctx context.Context, _ json.RawMessage, report ports.ProgressFunc) (ports.Result, error) {
			report(50, "halfway")
			select {
			case <-release:
				return ports.Result{Ref: "ref://out", Kind: "inline"}, nil
			case <-ctx.Done():
				return ports.Result{}, ctx.Err()
			}
		}))

	srv := httptest.NewServer(NewServer(logger, scheduler, pub, repo).Handler())
	t.Cleanup(srv.Close)

	return &testKernel{server: srv, scheduler: scheduler, repo: repo, release: release}
}

func (k *testKernel) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(k.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) domain.Job {
	t.Helper()
	defer resp.Body.Close()
	var job domain.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func TestServer_SubmitAndGetJob(t *testing.T) {
	k := newTestKernel(t)

	resp := k.post(t, "/v1/jobs", `{"owner_id":"alice","job_kind":"other","params":{"x":1}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decodeJob(t, resp)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	getResp, err := http.Get(k.server.URL + "/v1/jobs/" + string(job.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	got := decodeJob(t, getResp)
	assert.Equal(t, job.ID, got.ID)

	close(k.release)
	require.Eventually(t, func() bool {
		r, err := http.Get(k.server.URL + "/v1/jobs/" + string(job.ID))
		if err != nil {
			return false
		}
		return decodeJob(t, r).Status == domain.JobStatusDone
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_SubmitRejectsBadRequests(t *testing.T) {
	k := newTestKernel(t)

	resp := k.post(t, "/v1/jobs", `{"owner_id":"","job_kind":"other"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = k.post(t, "/v1/jobs", `{"owner_id":"alice","job_kind":"unknown_kind"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = k.post(t, "/v1/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_GetUnknownJob(t *testing.T) {
	k := newTestKernel(t)
	resp, err := http.Get(k.server.URL + "/v1/jobs/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CancelJob(t *testing.T) {
	k := newTestKernel(t)

	resp := k.post(t, "/v1/jobs", `{"owner_id":"alice","job_kind":"other"}`)
	job := decodeJob(t, resp)

	cancelResp := k.post(t, "/v1/jobs/"+string(job.ID)+"/cancel", "")
	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
	cancelResp.Body.Close()

	require.Eventually(t, func() bool {
		r, err := http.Get(k.server.URL + "/v1/jobs/" + string(job.ID))
		if err != nil {
			return false
		}
		return decodeJob(t, r).Status == domain.JobStatusCancelled
	}, 3*time.Second, 20*time.Millisecond)

	// Cancelling again stays a no-op.
	again := k.post(t, "/v1/jobs/"+string(job.ID)+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, again.StatusCode)
	again.Body.Close()
}

func TestServer_ListJobsFilters(t *testing.T) {
	k := newTestKernel(t)

	for _, owner := range []string{"alice", "alice", "bob"} {
		resp := k.post(t, "/v1/jobs", `{"owner_id":"`+owner+`","job_kind":"other"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(k.server.URL + "/v1/jobs?owner_id=alice&active=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload struct {
		Jobs []domain.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Len(t, payload.Jobs, 2)
	for _, j := range payload.Jobs {
		assert.Equal(t, domain.OwnerID("alice"), j.OwnerID)
	}
}

func TestServer_OwnerSSEDeliversResyncFirst(t *testing.T) {
	k := newTestKernel(t)

	resp := k.post(t, "/v1/jobs", `{"owner_id":"alice","job_kind":"other"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.server.URL+"/v1/events?owner_id=alice", nil)
	require.NoError(t, err)
	sseResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer sseResp.Body.Close()
	require.Equal(t, "text/event-stream", sseResp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(sseResp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.Equal(t, "resync", eventLine)

	var evt domain.JobEvent
	require.NoError(t, json.Unmarshal([]byte(dataLine), &evt))
	assert.Equal(t, domain.EventResync, evt.Type)
	require.NotEmpty(t, evt.ActiveJobs, "resync must carry the owner's active jobs")
}

func TestServer_MissingOwnerOnSSE(t *testing.T) {
	k := newTestKernel(t)
	resp, err := http.Get(k.server.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_AdminCleanup(t *testing.T) {
	k := newTestKernel(t)

	resp := k.post(t, "/v1/admin/cleanup", `{"retention_hours":24}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var payload struct {
		Deleted int `json:"deleted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Zero(t, payload.Deleted)

	bad := k.post(t, "/v1/admin/cleanup", `{"retention_hours":0}`)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	bad.Body.Close()
}

func TestServer_ScheduleLifecycle(t *testing.T) {
	k := newTestKernel(t)

	resp := k.post(t, "/v1/schedules",
		`{"owner_id":"alice","name":"nightly","job_kind":"scheduled_run","type":"cron","cron_expr":"0 2 * * *"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sched domain.Schedule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sched))
	resp.Body.Close()
	assert.NotEmpty(t, sched.ID)
	assert.False(t, sched.NextRun.IsZero())

	listResp, err := http.Get(k.server.URL + "/v1/schedules")
	require.NoError(t, err)
	var listed struct {
		Schedules []domain.Schedule `json:"schedules"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	listResp.Body.Close()
	require.Len(t, listed.Schedules, 1)

	req, err := http.NewRequest(http.MethodDelete, k.server.URL+"/v1/schedules/"+string(sched.ID), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	// Invalid cron is rejected at creation.
	badResp := k.post(t, "/v1/schedules",
		`{"owner_id":"alice","name":"broken","job_kind":"scheduled_run","type":"cron","cron_expr":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
	badResp.Body.Close()
}

func TestServer_Healthz(t *testing.T) {
	k := newTestKernel(t)
	resp, err := http.Get(k.server.URL + "/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
