package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshopd/internal/archive"
	"workshopd/internal/config"
	"workshopd/internal/history"
	"workshopd/internal/logbus"
	"workshopd/internal/observability"
	"workshopd/internal/orchestrator"
	"workshopd/internal/registry"
	"workshopd/internal/scrape"
	"workshopd/internal/steam"
	"workshopd/internal/workspace"
)

const testItemURL = "https://steamcommunity.com/sharedfiles/filedetails/?id=42"

const happyTool = `
WS="$4"
mkdir -p "$WS/steamapps/workshop/content/108600/42"
head -c 4096 /dev/urandom > "$WS/steamapps/workshop/content/108600/42/mod.pack"
echo "Logged in OK"
echo "Downloading item 42 ..."
echo "Success. Downloaded item 42"`

// Same as happyTool, but the payload is big enough that a delivery cannot fit
// into socket buffers before the client hangs up.
const bigTool = `
WS="$4"
mkdir -p "$WS/steamapps/workshop/content/108600/42"
head -c 33554432 /dev/urandom > "$WS/steamapps/workshop/content/108600/42/mod.pack"
echo "Logged in OK"
echo "Downloading item 42 ..."
echo "Success. Downloaded item 42"`

type stubFetcher struct{ meta scrape.Metadata }

func (f stubFetcher) Fetch(context.Context, string) (scrape.Metadata, error) {
	return f.meta, nil
}

type serverEnv struct {
	srv  *Server
	ts   *httptest.Server
	reg  *registry.Registry
	bus  *logbus.Bus
	orch *orchestrator.Orchestrator
}

func newServerEnv(t *testing.T, script string, mutate func(*config.Config)) *serverEnv {
	t.Helper()

	toolPath := filepath.Join(t.TempDir(), "steamcmd")
	require.NoError(t, os.WriteFile(toolPath, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	cfg := config.Default()
	cfg.DownloadRoot = t.TempDir()
	cfg.Steam.CmdPath = toolPath
	cfg.Steam.RetryAttempts = 1
	cfg.Steam.RetryBaseDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	ws, err := workspace.NewManager(filepath.Join(cfg.DownloadRoot, "workspaces"), nil)
	require.NoError(t, err)
	reg := registry.New(nil)
	bus := logbus.New(cfg.LogRingCapacity, nil)
	t.Cleanup(bus.Close)
	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{})
	require.NoError(t, err)
	hist := history.NewMemoryStore(cfg.HistoryLimit)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Registry:  reg,
		Workspace: ws,
		Adapter:   steam.NewAdapter(cfg.Steam, ws, "", nil),
		Builder:   archive.NewBuilder(cfg.MaxArchiveBytes, cfg.BuildTimeout, nil),
		Fetcher:   stubFetcher{meta: scrape.Metadata{ItemID: "42", Title: "Hydrocraft", AppID: 108600, Valid: true}},
		History:   hist,
		Bus:       bus,
		Metrics:   metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	srv := New(cfg, orch, reg, bus, hist, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverEnv{srv: srv, ts: ts, reg: reg, bus: bus, orch: orch}
}

func (e *serverEnv) submit(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"url": url})
	resp, err := http.Post(e.ts.URL+"/api/download", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (e *serverEnv) waitCompleted(t *testing.T, jobID string) registry.Snapshot {
	t.Helper()
	var snap registry.Snapshot
	require.Eventually(t, func() bool {
		s, ok := e.reg.Snapshot(jobID)
		if !ok {
			return false
		}
		snap = s
		return s.State == registry.StateCompleted
	}, 15*time.Second, 20*time.Millisecond)
	return snap
}

func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	var decoded struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded.Error.Kind
}

func TestSubmitAccepted(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	resp, body := env.submit(t, testItemURL)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["jobId"])
	assert.Equal(t, "42", body["itemId"])
	assert.Contains(t, body["statusPath"], "/api/status/")

	meta, ok := body["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hydrocraft", meta["title"])
}

func TestSubmitRejectsBadBody(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	resp, err := http.Post(env.ts.URL+"/api/download", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitCapacityReturns429(t *testing.T) {
	env := newServerEnv(t, `sleep 5`, func(cfg *config.Config) {
		cfg.MaxConcurrent = 1
	})

	resp, body := env.submit(t, testItemURL)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Wait for the job to occupy its slot before probing the limit.
	require.Eventually(t, func() bool {
		current, _ := env.orch.Occupancy()
		return current == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp2, body2 := env.submit(t, testItemURL)
	assert.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)
	assert.Equal(t, float64(1), body2["current"])
	assert.Equal(t, float64(1), body2["max"])

	require.NoError(t, env.orch.Cancel(body["jobId"].(string)))
}

func TestStatusLifecycle(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	_, body := env.submit(t, testItemURL)
	jobID := body["jobId"].(string)
	env.waitCompleted(t, jobID)

	resp, err := http.Get(env.ts.URL + "/api/status/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Job struct {
			State    string `json:"state"`
			Progress int    `json:"progress"`
		} `json:"job"`
		DownloadURL string `json:"downloadUrl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "Completed", status.Job.State)
	assert.Equal(t, 100, status.Job.Progress)
	assert.Contains(t, status.DownloadURL, "/file")
}

func TestStatusUnknownJob(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	resp, err := http.Get(env.ts.URL + "/api/status/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", errorKind(t, resp))
}

func TestFileDeliveryTriggersCleanup(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	_, body := env.submit(t, testItemURL)
	jobID := body["jobId"].(string)
	env.waitCompleted(t, jobID)

	resp, err := http.Get(env.ts.URL + "/api/download/" + jobID + "/file")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "42.zip")
	assert.NotEmpty(t, resp.Header.Get("ETag"))

	buf := make([]byte, 4)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), buf)

	require.Eventually(t, func() bool {
		s, ok := env.reg.Snapshot(jobID)
		return ok && s.State == registry.StateCleaned
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFileRangeRequestKeepsJob(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	_, body := env.submit(t, testItemURL)
	jobID := body["jobId"].(string)
	env.waitCompleted(t, jobID)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/download/"+jobID+"/file", nil)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	snap, ok := env.reg.Snapshot(jobID)
	require.True(t, ok)
	assert.Equal(t, registry.StateCompleted, snap.State)
}

func TestFileAbortedDeliveryKeepsArchive(t *testing.T) {
	env := newServerEnv(t, bigTool, nil)

	_, body := env.submit(t, testItemURL)
	jobID := body["jobId"].(string)
	env.waitCompleted(t, jobID)

	resp, err := http.Get(env.ts.URL + "/api/download/" + jobID + "/file")
	require.NoError(t, err)
	buf := make([]byte, 1024)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	resp.Body.Close() // hang up mid-stream

	// The broken-off delivery must not count as a completed one.
	time.Sleep(300 * time.Millisecond)
	snap, ok := env.reg.Snapshot(jobID)
	require.True(t, ok)
	assert.Equal(t, registry.StateCompleted, snap.State)
	assert.FileExists(t, snap.ArchivePath)

	// A later full fetch still delivers and triggers cleanup.
	resp2, err := http.Get(env.ts.URL + "/api/download/" + jobID + "/file")
	require.NoError(t, err)
	defer resp2.Body.Close()
	_, err = io.Copy(io.Discard, resp2.Body)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := env.reg.Snapshot(jobID)
		return ok && s.State == registry.StateCleaned
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFileRangeBeyondEndKeepsJob(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	_, body := env.submit(t, testItemURL)
	jobID := body["jobId"].(string)
	snap := env.waitCompleted(t, jobID)

	info, err := os.Stat(snap.ArchivePath)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/download/"+jobID+"/file", nil)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", info.Size()+1))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)

	after, ok := env.reg.Snapshot(jobID)
	require.True(t, ok)
	assert.Equal(t, registry.StateCompleted, after.State)
	assert.FileExists(t, after.ArchivePath)
}

func TestFileNotReady(t *testing.T) {
	env := newServerEnv(t, `sleep 5`, nil)

	_, body := env.submit(t, testItemURL)
	jobID := body["jobId"].(string)

	resp, err := http.Get(env.ts.URL + "/api/download/" + jobID + "/file")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, env.orch.Cancel(jobID))
}

func TestCancelEndpoint(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	_, body := env.submit(t, testItemURL)
	jobID := body["jobId"].(string)
	env.waitCompleted(t, jobID)

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/download/"+jobID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req2, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/download/unknown", nil)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newServerEnv(t, happyTool, nil)

	resp, err := http.Get(env.ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string `json:"status"`
		Capacity int    `json:"capacity"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.Capacity)
}

func TestHistoryRequiresObserverToken(t *testing.T) {
	env := newServerEnv(t, happyTool, func(cfg *config.Config) {
		cfg.Server.ObserverToken = "sekrit"
	})

	resp, err := http.Get(env.ts.URL + "/api/admin/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/admin/history", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(env.ts.URL + "/api/admin/history?token=sekrit")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestLogStreamBurstThenLive(t *testing.T) {
	env := newServerEnv(t, happyTool, func(cfg *config.Config) {
		cfg.LogBurst = 5
	})

	for i := 0; i < 8; i++ {
		env.bus.Publish(logbus.LevelInfo, "test", fmt.Sprintf("record %d", i), nil)
	}

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/logs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Burst: the 5 most recent records, in order.
	for i := 3; i < 8; i++ {
		var rec logbus.Record
		require.NoError(t, conn.ReadJSON(&rec))
		assert.Equal(t, fmt.Sprintf("record %d", i), rec.Message)
	}

	// Live record after the burst.
	env.bus.Publish(logbus.LevelWarning, "test", "live one", nil)
	var rec logbus.Record
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "live one", rec.Message)
	assert.Equal(t, logbus.LevelWarning, rec.Level)
}

func TestLogStreamRejectsBadToken(t *testing.T) {
	env := newServerEnv(t, happyTool, func(cfg *config.Config) {
		cfg.Server.ObserverToken = "sekrit"
	})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/logs/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=sekrit", nil)
	require.NoError(t, err)
	conn.Close()
}
