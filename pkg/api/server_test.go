package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/forge/pkg/artifacts"
	"github.com/cuemby/forge/pkg/auth"
	"github.com/cuemby/forge/pkg/config"
	"github.com/cuemby/forge/pkg/dispatch"
	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

const testAPIKey = "unit-test-api-key-0123456789"

type testEnv struct {
	srv   *httptest.Server
	store *storage.SQLiteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	cfg := config.Default()
	cfg.APIKey = testAPIKey
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.StoragePath = t.TempDir()
	cfg.MaxSourceSize = 1 << 20
	cfg.MaxCertsSize = 8 << 10
	cfg.MaxResultSize = 1 << 20
	cfg.PollInterval = time.Second
	cfg.WorkerTokenTTL = time.Hour

	store, err := storage.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	art, err := artifacts.NewStore(cfg.StoragePath, artifacts.Limits{
		Source: cfg.MaxSourceSize,
		Certs:  cfg.MaxCertsSize,
		Result: cfg.MaxResultSize,
	})
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q := queue.NewManager(store, dispatch.NewAssigner(store, broker), broker)
	gate := auth.NewGate(cfg.APIKey, store)

	server := NewServer(cfg, store, art, gate, q, broker)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func admin() map[string]string {
	return map[string]string{auth.HeaderAPIKey: testAPIKey}
}

// submitBuild uploads a build and returns its ID and access token.
func (e *testEnv) submitBuild(t *testing.T, platform types.Platform, source string) (string, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta, err := mw.CreateFormField("metadata")
	require.NoError(t, err)
	fmt.Fprintf(meta, `{"platform":%q}`, platform)

	src, err := mw.CreateFormFile("source", "source.zip")
	require.NoError(t, err)
	io.WriteString(src, source)
	require.NoError(t, mw.Close())

	hdr := admin()
	hdr["Content-Type"] = mw.FormDataContentType()
	resp := e.do(t, http.MethodPost, "/api/builds/submit", &buf, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	}
	decodeJSON(t, resp, &out)
	require.NotEmpty(t, out.ID)
	require.NotEmpty(t, out.AccessToken)
	return out.ID, out.AccessToken
}

// registerWorker registers a worker and returns its session token.
func (e *testEnv) registerWorker(t *testing.T, id string, caps types.Capabilities) string {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"id": id, "name": id, "capabilities": caps,
	})
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/api/workers/register", bytes.NewReader(body), admin())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	decodeJSON(t, resp, &out)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func workerHdr(id, token string) map[string]string {
	return map[string]string{auth.HeaderWorkerID: id, auth.HeaderWorkerToken: token}
}

// TestAuthRequired tests the 401-vs-403 split at the HTTP layer
func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	buildID, _ := env.submitBuild(t, types.PlatformIOS, "data")

	resp := env.do(t, http.MethodGet, "/api/builds/"+buildID+"/status", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no credentials at all")

	resp = env.do(t, http.MethodGet, "/api/builds/"+buildID+"/status", nil,
		map[string]string{auth.HeaderAPIKey: "wrong-key-aaaaaaaaaaaaaa"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "wrong credentials")

	resp = env.do(t, http.MethodPost, "/api/workers/register", strings.NewReader(`{"id":"w"}`),
		map[string]string{auth.HeaderBuildToken: "not-an-admin"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "valid credential class, wrong principal")
}

// TestBuildLifecycle walks the full happy path: submit, dispatch to a
// polling worker, heartbeat, logs, result upload, download
func TestBuildLifecycle(t *testing.T) {
	env := newTestEnv(t)

	buildID, buildToken := env.submitBuild(t, types.PlatformIOS, "source-bytes")
	workerToken := env.registerWorker(t, "mac-1", types.Capabilities{"ios": "true"})

	// The client sees its build pending.
	resp := env.do(t, http.MethodGet, "/api/builds/"+buildID+"/status", nil,
		map[string]string{auth.HeaderBuildToken: buildToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Status   string `json:"status"`
		WorkerID string `json:"worker_id"`
	}
	decodeJSON(t, resp, &status)
	assert.Equal(t, "pending", status.Status)

	// The worker polls and receives the job.
	resp = env.do(t, http.MethodGet, "/api/workers/poll", nil, workerHdr("mac-1", workerToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var poll struct {
		Job *struct {
			ID        string `json:"id"`
			Platform  string `json:"platform"`
			SourceURL string `json:"source_url"`
		} `json:"job"`
		PollIntervalSec int `json:"poll_interval_sec"`
	}
	decodeJSON(t, resp, &poll)
	require.NotNil(t, poll.Job)
	assert.Equal(t, buildID, poll.Job.ID)
	assert.Equal(t, "ios", poll.Job.Platform)
	assert.NotZero(t, poll.PollIntervalSec)

	// The worker fetches the source.
	resp = env.do(t, http.MethodGet, poll.Job.SourceURL, nil, workerHdr("mac-1", workerToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	src, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "source-bytes", string(src))

	// First heartbeat moves assigned to building.
	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/heartbeat", nil, workerHdr("mac-1", workerToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp, &hb)
	assert.Equal(t, "building", hb.Status)

	// The worker ships logs; the client reads them.
	logs := `{"entries":[{"level":"info","message":"xcodebuild started"},{"message":"archiving"}]}`
	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/logs", strings.NewReader(logs), workerHdr("mac-1", workerToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/builds/"+buildID+"/logs", nil,
		map[string]string{auth.HeaderBuildToken: buildToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logsOut struct {
		Logs []types.BuildLog `json:"logs"`
	}
	decodeJSON(t, resp, &logsOut)
	require.Len(t, logsOut.Logs, 2)
	assert.Equal(t, "xcodebuild started", logsOut.Logs[0].Message)
	assert.Equal(t, types.LogLevelInfo, logsOut.Logs[1].Level, "missing level defaults to info")

	// Downloading before completion conflicts.
	resp = env.do(t, http.MethodGet, "/api/builds/"+buildID+"/download", nil,
		map[string]string{auth.HeaderBuildToken: buildToken})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The worker uploads the result.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("result", "result.ipa")
	require.NoError(t, err)
	io.WriteString(part, "ipa-bytes")
	require.NoError(t, mw.Close())

	hdr := workerHdr("mac-1", workerToken)
	hdr["Content-Type"] = mw.FormDataContentType()
	hdr[HeaderBuildID] = buildID
	resp = env.do(t, http.MethodPost, "/api/workers/result", &buf, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The client downloads the artifact.
	resp = env.do(t, http.MethodGet, "/api/builds/"+buildID+"/download", nil,
		map[string]string{auth.HeaderBuildToken: buildToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "result.ipa")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ipa-bytes", string(got))

	// The worker is idle again with one completion on the books.
	w, err := env.store.GetWorker(context.Background(), "mac-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, w.Status)
	assert.Equal(t, int64(1), w.BuildsCompleted)
}

// TestSubmitValidation tests malformed submissions
func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	submit := func(build func(mw *multipart.Writer)) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		build(mw)
		require.NoError(t, mw.Close())
		hdr := admin()
		hdr["Content-Type"] = mw.FormDataContentType()
		return env.do(t, http.MethodPost, "/api/builds/submit", &buf, hdr)
	}

	t.Run("source before metadata", func(t *testing.T) {
		resp := submit(func(mw *multipart.Writer) {
			src, _ := mw.CreateFormFile("source", "source.zip")
			io.WriteString(src, "data")
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown platform", func(t *testing.T) {
		resp := submit(func(mw *multipart.Writer) {
			meta, _ := mw.CreateFormField("metadata")
			io.WriteString(meta, `{"platform":"windows"}`)
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing source part", func(t *testing.T) {
		resp := submit(func(mw *multipart.Writer) {
			meta, _ := mw.CreateFormField("metadata")
			io.WriteString(meta, `{"platform":"ios"}`)
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not multipart", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/builds/submit", strings.NewReader("{}"), admin())
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// TestSubmitTooLarge tests the mid-stream size cap: 413 and no residue
func TestSubmitTooLarge(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	meta, _ := mw.CreateFormField("metadata")
	io.WriteString(meta, `{"id":"too-big","platform":"ios"}`)
	src, _ := mw.CreateFormFile("source", "source.zip")
	io.WriteString(src, "s")
	certs, _ := mw.CreateFormFile("certs", "certs.zip")
	certs.Write(bytes.Repeat([]byte("x"), 16<<10)) // certs cap is 8 KB
	require.NoError(t, mw.Close())

	hdr := admin()
	hdr["Content-Type"] = mw.FormDataContentType()
	resp := env.do(t, http.MethodPost, "/api/builds/submit", &buf, hdr)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	// The rejected submission leaves nothing behind.
	_, err := env.store.GetBuild(context.Background(), "too-big")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestSubmitDuplicateID tests that resubmitting an existing build ID is
// rejected before any file bytes land: the original build row and its
// uploaded source survive untouched
func TestSubmitDuplicateID(t *testing.T) {
	env := newTestEnv(t)

	submit := func(source string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		meta, _ := mw.CreateFormField("metadata")
		io.WriteString(meta, `{"id":"dup-1","platform":"ios"}`)
		src, _ := mw.CreateFormFile("source", "source.zip")
		io.WriteString(src, source)
		require.NoError(t, mw.Close())
		hdr := admin()
		hdr["Content-Type"] = mw.FormDataContentType()
		return env.do(t, http.MethodPost, "/api/builds/submit", &buf, hdr)
	}

	resp := submit("original bytes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	}
	decodeJSON(t, resp, &first)

	resp = submit("imposter bytes")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The original source is still there, byte for byte.
	resp = env.do(t, http.MethodGet, "/api/builds/dup-1/source", nil, admin())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "original bytes", string(body))

	b, err := env.store.GetBuild(context.Background(), "dup-1")
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, b.AccessToken, "the original build row is untouched")
}

// TestCancelIdempotent tests client cancel and repeated cancels
func TestCancelIdempotent(t *testing.T) {
	env := newTestEnv(t)

	buildID, buildToken := env.submitBuild(t, types.PlatformIOS, "data")
	hdr := map[string]string{auth.HeaderBuildToken: buildToken}

	resp := env.do(t, http.MethodPost, "/api/builds/"+buildID+"/cancel", nil, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decodeJSON(t, resp, &out)
	assert.Equal(t, "cancelled", out["status"])

	// Cancelling again returns the same terminal status.
	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/cancel", nil, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &out)
	assert.Equal(t, "cancelled", out["status"])

	// A worker polling afterwards finds no work.
	workerToken := env.registerWorker(t, "mac-1", types.Capabilities{"ios": "true"})
	resp = env.do(t, http.MethodGet, "/api/workers/poll", nil, workerHdr("mac-1", workerToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var poll struct {
		Job *struct{} `json:"job"`
	}
	decodeJSON(t, resp, &poll)
	assert.Nil(t, poll.Job)
}

// TestBuildTokenIsolation tests that a build token opens exactly one build
func TestBuildTokenIsolation(t *testing.T) {
	env := newTestEnv(t)

	_, tokenA := env.submitBuild(t, types.PlatformIOS, "a")
	buildB, _ := env.submitBuild(t, types.PlatformIOS, "b")

	resp := env.do(t, http.MethodGet, "/api/builds/"+buildB+"/status", nil,
		map[string]string{auth.HeaderBuildToken: tokenA})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestWorkerFail tests the worker-reported failure path
func TestWorkerFail(t *testing.T) {
	env := newTestEnv(t)

	buildID, buildToken := env.submitBuild(t, types.PlatformAndroid, "data")
	workerToken := env.registerWorker(t, "linux-1", types.Capabilities{"android": "true"})

	resp := env.do(t, http.MethodGet, "/api/workers/poll", nil, workerHdr("linux-1", workerToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	body := fmt.Sprintf(`{"build_id":%q,"error_message":"gradle exploded"}`, buildID)
	resp = env.do(t, http.MethodPost, "/api/workers/fail", strings.NewReader(body), workerHdr("linux-1", workerToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/builds/"+buildID+"/status", nil,
		map[string]string{auth.HeaderBuildToken: buildToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	decodeJSON(t, resp, &status)
	assert.Equal(t, "failed", status.Status)
	assert.Equal(t, "gradle exploded", status.ErrorMessage)

	w, err := env.store.GetWorker(context.Background(), "linux-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, w.Status)
	assert.Equal(t, int64(1), w.BuildsFailed)
}

// TestResultUploadOwnership tests that only the assigned worker may upload
func TestResultUploadOwnership(t *testing.T) {
	env := newTestEnv(t)

	buildID, _ := env.submitBuild(t, types.PlatformIOS, "data")
	assignedToken := env.registerWorker(t, "mac-1", types.Capabilities{"ios": "true"})
	otherToken := env.registerWorker(t, "mac-2", types.Capabilities{"ios": "true"})

	resp := env.do(t, http.MethodGet, "/api/workers/poll", nil, workerHdr("mac-1", assignedToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("result", "result.ipa")
	io.WriteString(part, "ipa")
	require.NoError(t, mw.Close())

	hdr := workerHdr("mac-2", otherToken)
	hdr["Content-Type"] = mw.FormDataContentType()
	hdr[HeaderBuildID] = buildID
	resp = env.do(t, http.MethodPost, "/api/workers/result", &buf, hdr)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestPlatformRouting tests that a worker only receives builds it can run
func TestPlatformRouting(t *testing.T) {
	env := newTestEnv(t)

	env.submitBuild(t, types.PlatformIOS, "ios-data")
	androidToken := env.registerWorker(t, "linux-1", types.Capabilities{"android": "true"})

	resp := env.do(t, http.MethodGet, "/api/workers/poll", nil, workerHdr("linux-1", androidToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var poll struct {
		Job *struct{} `json:"job"`
	}
	decodeJSON(t, resp, &poll)
	assert.Nil(t, poll.Job, "an android-only worker must not receive an ios build")
}

// TestStatsAndHealthz tests the operational endpoints
func TestStatsAndHealthz(t *testing.T) {
	env := newTestEnv(t)

	env.submitBuild(t, types.PlatformIOS, "data")

	// Stats are public.
	resp := env.do(t, http.MethodGet, "/api/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats types.FarmStats
	decodeJSON(t, resp, &stats)
	assert.Equal(t, int64(1), stats.BuildsQueued)
	assert.Equal(t, int64(1), stats.TotalBuilds)

	resp = env.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	decodeJSON(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])

	resp = env.do(t, http.MethodGet, "/metrics", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestPollContention tests dispatch under concurrent polls: ten builds,
// twenty workers, each build handed out exactly once
func TestPollContention(t *testing.T) {
	env := newTestEnv(t)

	builds := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, _ := env.submitBuild(t, types.PlatformIOS, fmt.Sprintf("src-%d", i))
		builds[id] = false
	}

	type workerCred struct{ id, token string }
	creds := make([]workerCred, 20)
	for i := range creds {
		id := fmt.Sprintf("w%02d", i)
		creds[i] = workerCred{id: id, token: env.registerWorker(t, id, types.Capabilities{"ios": "true"})}
	}

	type pollResult struct {
		workerID string
		buildID  string
	}
	results := make(chan pollResult, len(creds))
	var wg sync.WaitGroup
	for _, c := range creds {
		wg.Add(1)
		go func(c workerCred) {
			defer wg.Done()
			resp := env.do(t, http.MethodGet, "/api/workers/poll", nil, workerHdr(c.id, c.token))
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("poll %s: status %d", c.id, resp.StatusCode)
				return
			}
			var out struct {
				Job *struct {
					ID string `json:"id"`
				} `json:"job"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Errorf("poll %s: %v", c.id, err)
				return
			}
			r := pollResult{workerID: c.id}
			if out.Job != nil {
				r.buildID = out.Job.ID
			}
			results <- r
		}(c)
	}
	wg.Wait()
	close(results)

	assigned := make(map[string]string)
	var empty int
	for r := range results {
		if r.buildID == "" {
			empty++
			continue
		}
		prev, dup := assigned[r.buildID]
		require.False(t, dup, "build %s handed to both %s and %s", r.buildID, prev, r.workerID)
		assigned[r.buildID] = r.workerID
	}
	assert.Len(t, assigned, 10, "every build assigned exactly once")
	assert.Equal(t, 10, empty, "the other ten polls come back empty")

	for id := range builds {
		b, err := env.store.GetBuild(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.BuildStatusAssigned, b.Status)
		assert.NotEmpty(t, b.WorkerID)
	}
}

// TestWorkerTokenRotation tests that heartbeat rotates the session token
// only when it is close to expiry
func TestWorkerTokenRotation(t *testing.T) {
	env := newTestEnv(t)

	buildID, _ := env.submitBuild(t, types.PlatformIOS, "data")
	token := env.registerWorker(t, "mac-1", types.Capabilities{"ios": "true"})

	resp := env.do(t, http.MethodGet, "/api/workers/poll", nil, workerHdr("mac-1", token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Plenty of TTL left: no rotation.
	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/heartbeat", nil, workerHdr("mac-1", token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb struct {
		Token string `json:"token"`
	}
	decodeJSON(t, resp, &hb)
	assert.Empty(t, hb.Token)

	// Push the expiry under the rotation threshold.
	w, err := env.store.GetWorker(context.Background(), "mac-1")
	require.NoError(t, err)
	w.AccessTokenExpiresAt = time.Now().UTC().Add(10 * time.Second)
	require.NoError(t, env.store.UpdateWorker(context.Background(), w))

	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/heartbeat", nil, workerHdr("mac-1", token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &hb)
	require.NotEmpty(t, hb.Token, "near-expiry heartbeat must rotate the token")
	assert.NotEqual(t, token, hb.Token)

	// The old token is dead, the new one works.
	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/heartbeat", nil, workerHdr("mac-1", token))
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/heartbeat", nil, workerHdr("mac-1", hb.Token))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestHeartbeatConflicts tests heartbeat against pending and terminal builds
func TestHeartbeatConflicts(t *testing.T) {
	env := newTestEnv(t)

	buildID, buildToken := env.submitBuild(t, types.PlatformIOS, "data")

	// Pending builds have no worker and no heartbeat obligation.
	resp := env.do(t, http.MethodPost, "/api/builds/"+buildID+"/heartbeat", nil, admin())
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/cancel", nil,
		map[string]string{auth.HeaderBuildToken: buildToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/builds/"+buildID+"/heartbeat", nil, admin())
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// TestEventStream tests the admin SSE feed: lifecycle events published by
// the controller reach a subscribed client
func TestEventStream(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is live once the response headers arrive; events
	// published from here on must show up on the stream.
	buildID, _ := env.submitBuild(t, types.PlatformIOS, "data")

	// Bound the read: tearing down the request context ends the stream.
	timer := time.AfterFunc(5*time.Second, cancel)
	defer timer.Stop()

	var current string
	found := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && !found {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			found = current == string(events.EventBuildSubmitted) && strings.Contains(line, buildID)
		}
	}
	require.True(t, found, "expected a build.submitted event on the stream")
}
