package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/forge/pkg/artifacts"
	"github.com/cuemby/forge/pkg/auth"
	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// HeaderBuildID disambiguates which build a worker stream refers to.
const HeaderBuildID = "X-Build-Id"

type registerRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Capabilities types.Capabilities `json:"capabilities"`
}

type registerResponse struct {
	ID              string    `json:"id"`
	Token           string    `json:"token"`
	TokenExpiresAt  time.Time `json:"token_expires_at"`
	PollIntervalSec int       `json:"poll_interval_sec"`
}

// handleRegister creates or refreshes a worker. Re-registering an existing
// ID rotates its session token and returns it to idle; counters survive.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.admin(w, r) == nil {
		return
	}

	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		badRequest(w, "invalid register payload")
		return
	}
	if req.ID == "" {
		badRequest(w, "worker id is required")
		return
	}

	token, err := auth.NewToken()
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	expiry := now.Add(s.cfg.WorkerTokenTTL)

	worker, err := s.store.GetWorker(r.Context(), req.ID)
	switch {
	case err == nil:
		worker.Name = req.Name
		worker.Capabilities = req.Capabilities
		worker.Status = types.WorkerStatusIdle
		worker.AccessToken = token
		worker.AccessTokenExpiresAt = expiry
		worker.LastSeenAt = now
		err = s.store.UpdateWorker(r.Context(), worker)
	case errors.Is(err, types.ErrNotFound):
		worker = &types.Worker{
			ID:                   req.ID,
			Name:                 req.Name,
			Capabilities:         req.Capabilities,
			Status:               types.WorkerStatusIdle,
			AccessToken:          token,
			AccessTokenExpiresAt: expiry,
			LastSeenAt:           now,
		}
		err = s.store.InsertWorker(r.Context(), worker)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.broker.Publish(&events.Event{Type: events.EventWorkerRegistered, WorkerID: worker.ID})
	s.logger.Info().Str("worker_id", worker.ID).Msg("worker registered")

	writeJSON(w, http.StatusOK, registerResponse{
		ID:              worker.ID,
		Token:           token,
		TokenExpiresAt:  expiry,
		PollIntervalSec: int(s.cfg.PollInterval / time.Second),
	})
}

type pollJob struct {
	ID        string         `json:"id"`
	Platform  types.Platform `json:"platform"`
	SourceURL string         `json:"source_url"`
	CertsURL  string         `json:"certs_url,omitempty"`
}

type pollResponse struct {
	Job             *pollJob `json:"job"`
	PollIntervalSec int      `json:"poll_interval_sec"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	p := s.worker(w, r)
	if p == nil {
		return
	}

	b, err := s.queue.DequeueForWorker(r.Context(), p.Worker.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := pollResponse{PollIntervalSec: int(s.cfg.PollInterval / time.Second)}
	if b != nil {
		resp.Job = &pollJob{
			ID:        b.ID,
			Platform:  b.Platform,
			SourceURL: fmt.Sprintf("/api/builds/%s/source", b.ID),
		}
		if b.CertsPath != "" {
			resp.Job.CertsURL = fmt.Sprintf("/api/builds/%s/certs", b.ID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResult accepts the built artifact as a multipart "result" part and
// completes the build. The stream observes both client disconnects and a
// concurrent client cancel: the build's status is rechecked at chunk
// boundaries and the upload aborted if it went terminal.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	p := s.worker(w, r)
	if p == nil {
		return
	}

	buildID := r.Header.Get(HeaderBuildID)
	if buildID == "" {
		badRequest(w, "missing "+HeaderBuildID+" header")
		return
	}

	b, err := s.store.GetBuild(r.Context(), buildID)
	if err != nil {
		writeError(w, err)
		return
	}
	if b.WorkerID != p.Worker.ID {
		writeError(w, fmt.Errorf("build %s not assigned to worker %s: %w", b.ID, p.Worker.ID, types.ErrForbidden))
		return
	}
	if b.Status != types.BuildStatusAssigned && b.Status != types.BuildStatusBuilding {
		writeError(w, fmt.Errorf("build %s is %s: %w", b.ID, b.Status, types.ErrConflict))
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		badRequest(w, "expected multipart body")
		return
	}
	part, err := mr.NextPart()
	if err != nil || part.FormName() != "result" {
		badRequest(w, "expected result part")
		return
	}
	defer part.Close()

	watched := newCancelWatchReader(r.Context(), s.store, b.ID, part)
	path, n, err := s.artifacts.Put(r.Context(), artifacts.KindResult, b.ID, b.Platform.ResultFileName(), watched)
	if err != nil {
		if errors.Is(err, errBuildWentTerminal) {
			// Client cancelled mid-upload; the partial is already gone.
			writeError(w, fmt.Errorf("build %s cancelled during upload: %w", b.ID, types.ErrConflict))
			return
		}
		writeError(w, err)
		return
	}
	metrics.UploadBytesTotal.WithLabelValues(string(artifacts.KindResult)).Add(float64(n))

	// Guarded completion: a cancel that landed during the upload wins, and
	// the result is discarded instead of resurrecting the build. A lost
	// race with a concurrent heartbeat (assigned moving to building) is
	// re-read and retried.
	now := time.Now().UTC()
	for attempt := 0; ; attempt++ {
		prev := b.Status
		b.Status = types.BuildStatusCompleted
		b.ResultPath = path
		b.UpdatedAt = now

		err := s.store.UpdateBuildIf(r.Context(), b, prev)
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrConflict) || attempt >= 2 {
			writeError(w, err)
			return
		}
		if b, err = s.store.GetBuild(r.Context(), buildID); err != nil {
			writeError(w, err)
			return
		}
		if b.Status.Terminal() {
			s.artifacts.DeleteBuildFiles(b.ID)
			writeError(w, fmt.Errorf("build %s is %s: %w", b.ID, b.Status, types.ErrConflict))
			return
		}
	}
	if err := s.store.ReleaseWorker(r.Context(), p.Worker.ID, storage.ReleaseCompleted); err != nil {
		s.logger.Error().Err(err).Str("worker_id", p.Worker.ID).Msg("failed to release worker after completion")
	}

	metrics.BuildsCompletedTotal.Inc()
	s.broker.Publish(&events.Event{Type: events.EventBuildCompleted, BuildID: b.ID, WorkerID: p.Worker.ID})
	s.logger.Info().Str("build_id", b.ID).Str("worker_id", p.Worker.ID).Int64("bytes", n).Msg("build completed")

	writeJSON(w, http.StatusOK, map[string]string{"id": b.ID, "status": string(b.Status)})
}

type failRequest struct {
	BuildID      string `json:"build_id"`
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	p := s.worker(w, r)
	if p == nil {
		return
	}

	var req failRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		badRequest(w, "invalid fail payload")
		return
	}
	buildID := req.BuildID
	if buildID == "" {
		buildID = r.Header.Get(HeaderBuildID)
	}
	if buildID == "" {
		badRequest(w, "missing build_id")
		return
	}

	b, err := s.store.GetBuild(r.Context(), buildID)
	if err != nil {
		writeError(w, err)
		return
	}
	if b.WorkerID != p.Worker.ID {
		writeError(w, fmt.Errorf("build %s not assigned to worker %s: %w", b.ID, p.Worker.ID, types.ErrForbidden))
		return
	}
	if b.Status.Terminal() {
		// The build may have been cancelled under the worker; free its
		// slot either way.
		if err := s.store.ReleaseWorker(r.Context(), p.Worker.ID, storage.ReleaseNone); err != nil {
			s.logger.Error().Err(err).Str("worker_id", p.Worker.ID).Msg("failed to release worker")
		}
		writeError(w, fmt.Errorf("build %s is %s: %w", b.ID, b.Status, types.ErrConflict))
		return
	}

	msg := req.ErrorMessage
	if msg == "" {
		msg = "worker reported failure"
	}

	// Guarded so a fail report racing a cancel cannot write over the
	// terminal status.
	now := time.Now().UTC()
	for attempt := 0; ; attempt++ {
		prev := b.Status
		b.Status = types.BuildStatusFailed
		b.ErrorMessage = msg
		b.UpdatedAt = now

		err := s.store.UpdateBuildIf(r.Context(), b, prev)
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrConflict) || attempt >= 2 {
			writeError(w, err)
			return
		}
		if b, err = s.store.GetBuild(r.Context(), buildID); err != nil {
			writeError(w, err)
			return
		}
		if b.Status.Terminal() {
			if rerr := s.store.ReleaseWorker(r.Context(), p.Worker.ID, storage.ReleaseNone); rerr != nil {
				s.logger.Error().Err(rerr).Str("worker_id", p.Worker.ID).Msg("failed to release worker")
			}
			writeError(w, fmt.Errorf("build %s is %s: %w", b.ID, b.Status, types.ErrConflict))
			return
		}
	}
	if err := s.store.ReleaseWorker(r.Context(), p.Worker.ID, storage.ReleaseFailed); err != nil {
		s.logger.Error().Err(err).Str("worker_id", p.Worker.ID).Msg("failed to release worker after failure")
	}

	metrics.BuildsFailedTotal.WithLabelValues("worker_reported").Inc()
	s.broker.Publish(&events.Event{
		Type: events.EventBuildFailed, BuildID: b.ID, WorkerID: p.Worker.ID, Message: msg,
	})
	s.logger.Warn().Str("build_id", b.ID).Str("worker_id", p.Worker.ID).Str("error", msg).Msg("build failed")

	writeJSON(w, http.StatusOK, map[string]string{"id": b.ID, "status": string(b.Status)})
}

var errBuildWentTerminal = errors.New("build went terminal during upload")

// cancelWatchReader re-reads the build's status from the store every
// recheckEvery bytes. A cancel issued by the client while the worker is
// still uploading is observed at the next boundary and aborts the stream.
type cancelWatchReader struct {
	ctx          context.Context
	store        storage.Store
	buildID      string
	inner        io.Reader
	sinceCheck   int64
	recheckEvery int64
}

func newCancelWatchReader(ctx context.Context, store storage.Store, buildID string, inner io.Reader) *cancelWatchReader {
	return &cancelWatchReader{
		ctx:          ctx,
		store:        store,
		buildID:      buildID,
		inner:        inner,
		recheckEvery: 8 << 20, // 8 MB between status checks
	}
}

func (c *cancelWatchReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	c.sinceCheck += int64(n)
	if c.sinceCheck >= c.recheckEvery {
		c.sinceCheck = 0
		b, gerr := c.store.GetBuild(c.ctx, c.buildID)
		if gerr == nil && b.Status.Terminal() {
			return n, errBuildWentTerminal
		}
	}
	return n, err
}
