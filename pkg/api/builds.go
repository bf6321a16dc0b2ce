package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/forge/pkg/artifacts"
	"github.com/cuemby/forge/pkg/auth"
	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

type submitMetadata struct {
	ID       string         `json:"id"`
	Platform types.Platform `json:"platform"`
}

type submitResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
}

// handleSubmit accepts a multipart submission: a "metadata" JSON part first,
// then the "source" zip, then an optional "certs" zip. Parts are streamed to
// artifact storage as they arrive; nothing is buffered whole.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.admin(w, r) == nil {
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		badRequest(w, "expected multipart body")
		return
	}

	meta, err := readSubmitMetadata(mr)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if !meta.Platform.Valid() {
		badRequest(w, fmt.Sprintf("unknown platform %q", meta.Platform))
		return
	}
	if meta.ID == "" {
		meta.ID = uuid.New().String()
	} else {
		// Reject a duplicate ID before any file bytes arrive: the existing
		// build owns the artifact directory, and this request must never
		// write into or clean up someone else's files.
		if _, err := s.store.GetBuild(r.Context(), meta.ID); err == nil {
			writeError(w, fmt.Errorf("build %s already exists: %w", meta.ID, types.ErrConflict))
			return
		} else if !errors.Is(err, types.ErrNotFound) {
			writeError(w, err)
			return
		}
	}

	var sourcePath, certsPath string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			badRequest(w, "malformed multipart body")
			s.artifacts.DeleteBuildFiles(meta.ID)
			return
		}

		switch part.FormName() {
		case "source":
			sourcePath, err = s.storePart(r, artifacts.KindSource, meta.ID, "source.zip", part)
		case "certs":
			certsPath, err = s.storePart(r, artifacts.KindCerts, meta.ID, "certs.zip", part)
		default:
			badRequest(w, fmt.Sprintf("unexpected part %q", part.FormName()))
			s.artifacts.DeleteBuildFiles(meta.ID)
			return
		}
		if err != nil {
			writeError(w, err)
			s.artifacts.DeleteBuildFiles(meta.ID)
			return
		}
	}

	if sourcePath == "" {
		badRequest(w, "missing source part")
		s.artifacts.DeleteBuildFiles(meta.ID)
		return
	}

	token, err := auth.NewToken()
	if err != nil {
		writeError(w, err)
		s.artifacts.DeleteBuildFiles(meta.ID)
		return
	}

	now := time.Now().UTC()
	b := &types.Build{
		ID:          meta.ID,
		Platform:    meta.Platform,
		Status:      types.BuildStatusPending,
		SourcePath:  sourcePath,
		CertsPath:   certsPath,
		AccessToken: token,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertBuild(r.Context(), b); err != nil {
		writeError(w, err)
		// A conflict here means a racing submit with the same ID won the
		// insert; the directory now belongs to that build, so leave it.
		if !errors.Is(err, types.ErrConflict) {
			s.artifacts.DeleteBuildFiles(meta.ID)
		}
		return
	}

	s.queue.Enqueue(b.ID)
	s.broker.Publish(&events.Event{Type: events.EventBuildSubmitted, BuildID: b.ID})
	s.logger.Info().Str("build_id", b.ID).Str("platform", string(b.Platform)).Msg("build submitted")

	writeJSON(w, http.StatusOK, submitResponse{ID: b.ID, AccessToken: b.AccessToken})
}

// readSubmitMetadata requires the metadata part first so the build ID is
// known before any file bytes arrive.
func readSubmitMetadata(mr *multipart.Reader) (*submitMetadata, error) {
	part, err := mr.NextPart()
	if err != nil {
		return nil, errors.New("empty multipart body")
	}
	defer part.Close()
	if part.FormName() != "metadata" {
		return nil, errors.New("first part must be metadata")
	}

	var meta submitMetadata
	if err := json.NewDecoder(io.LimitReader(part, 64<<10)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return &meta, nil
}

func (s *Server) storePart(r *http.Request, kind artifacts.Kind, buildID, name string, part *multipart.Part) (string, error) {
	defer part.Close()
	path, n, err := s.artifacts.Put(r.Context(), kind, buildID, name, part)
	if err != nil {
		return "", err
	}
	metrics.UploadBytesTotal.WithLabelValues(string(kind)).Add(float64(n))
	return path, nil
}

type buildStatusResponse struct {
	ID              string         `json:"id"`
	Platform        types.Platform `json:"platform"`
	Status          string         `json:"status"`
	WorkerID        string         `json:"worker_id,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
}

func statusResponse(b *types.Build) buildStatusResponse {
	resp := buildStatusResponse{
		ID:           b.ID,
		Platform:     b.Platform,
		Status:       string(b.Status),
		WorkerID:     b.WorkerID,
		ErrorMessage: b.ErrorMessage,
		SubmittedAt:  b.SubmittedAt,
		UpdatedAt:    b.UpdatedAt,
	}
	if !b.LastHeartbeatAt.IsZero() {
		hb := b.LastHeartbeatAt
		resp.LastHeartbeatAt = &hb
	}
	return resp
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindBuild)
	if b == nil {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(b))
}

func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindBuild)
	if b == nil {
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "invalid since parameter")
			return
		}
		since = n
	}

	logs, err := s.store.ListLogs(r.Context(), b.ID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

type appendLogsRequest struct {
	Entries []struct {
		Level   types.LogLevel `json:"level"`
		Message string         `json:"message"`
	} `json:"entries"`
}

// handleAppendLogs lets the owning worker ship build output in bulk.
func (s *Server) handleAppendLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindWorker)
	if b == nil {
		return
	}

	var req appendLogsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		badRequest(w, "invalid log payload")
		return
	}
	if len(req.Entries) == 0 {
		badRequest(w, "no log entries")
		return
	}

	entries := make([]*types.BuildLog, 0, len(req.Entries))
	for _, e := range req.Entries {
		level := e.Level
		switch level {
		case types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
		case "":
			level = types.LogLevelInfo
		default:
			badRequest(w, fmt.Sprintf("unknown log level %q", e.Level))
			return
		}
		entries = append(entries, &types.BuildLog{Level: level, Message: e.Message})
	}

	if err := s.store.AppendLogs(r.Context(), b.ID, entries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"appended": len(entries)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindBuild)
	if b == nil {
		return
	}

	if b.Status != types.BuildStatusCompleted {
		writeError(w, fmt.Errorf("build %s is %s, not completed: %w", b.ID, b.Status, types.ErrConflict))
		return
	}

	s.streamArtifact(w, r, b.ResultPath, b.Platform.ResultFileName())
}

// handleSourceDownload streams the source zip to the assigned worker.
func (s *Server) handleSourceDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindWorker)
	if b == nil {
		return
	}
	s.streamArtifact(w, r, b.SourcePath, "source.zip")
}

func (s *Server) handleCertsDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindWorker)
	if b == nil {
		return
	}
	if b.CertsPath == "" {
		writeError(w, fmt.Errorf("build %s has no certs: %w", b.ID, types.ErrNotFound))
		return
	}
	s.streamArtifact(w, r, b.CertsPath, "certs.zip")
}

func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, path, name string) {
	rc, size, err := s.artifacts.Open(path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	// io.Copy streams in chunks; a client disconnect surfaces as a write
	// error and simply ends the copy.
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindBuild)
	if b == nil {
		return
	}

	// The status guard makes cancel race-safe: if dispatch assigns the
	// build or a result lands between our read and write, the write misses
	// and we re-read before deciding again.
	var wasPending bool
	var workerID string
	for attempt := 0; ; attempt++ {
		// Cancelling a terminal build is a no-op; repeated cancels return
		// the same body.
		if b.Status.Terminal() {
			writeJSON(w, http.StatusOK, map[string]string{"id": b.ID, "status": string(b.Status)})
			return
		}

		prev := b.Status
		wasPending = prev == types.BuildStatusPending
		workerID = b.WorkerID
		b.Status = types.BuildStatusCancelled
		b.UpdatedAt = time.Now().UTC()

		err := s.store.UpdateBuildIf(r.Context(), b, prev)
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrConflict) || attempt >= 2 {
			writeError(w, err)
			return
		}
		if b, err = s.store.GetBuild(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}

	if wasPending {
		s.queue.Remove(b.ID)
	}
	if workerID != "" {
		// The worker's in-flight upload will observe the cancel at its
		// next chunk boundary; free the slot now.
		if err := s.store.ReleaseWorker(r.Context(), workerID, storage.ReleaseNone); err != nil {
			s.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to release worker on cancel")
		}
	}

	if err := s.artifacts.DeleteBuildFiles(b.ID); err != nil {
		s.logger.Warn().Err(err).Str("build_id", b.ID).Msg("artifact cleanup after cancel failed")
	}

	s.broker.Publish(&events.Event{Type: events.EventBuildCancelled, BuildID: b.ID})
	s.logger.Info().Str("build_id", b.ID).Msg("build cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"id": b.ID, "status": string(b.Status)})
}

type heartbeatResponse struct {
	Status         string     `json:"status"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// handleHeartbeat touches the build's liveness clock. The first heartbeat
// moves assigned to building; later ones only refresh the clock. The worker
// session token is rotated here when it is close to expiry.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, b := s.buildAccess(w, r, id, auth.KindAdmin, auth.KindWorker)
	if b == nil {
		return
	}

	if b.Status.Terminal() || b.Status == types.BuildStatusPending {
		writeError(w, fmt.Errorf("build %s is %s: %w", b.ID, b.Status, types.ErrConflict))
		return
	}

	now := time.Now().UTC()
	prev := b.Status
	b.LastHeartbeatAt = now
	if b.Status == types.BuildStatusAssigned {
		b.Status = types.BuildStatusBuilding
	}
	b.UpdatedAt = now
	// Guarded so a heartbeat racing a cancel cannot write the old status
	// back over a terminal one; the loser gets 409.
	if err := s.store.UpdateBuildIf(r.Context(), b, prev); err != nil {
		writeError(w, err)
		return
	}

	resp := heartbeatResponse{Status: string(b.Status)}
	if p.Kind == auth.KindWorker {
		token, expiry, err := s.refreshWorkerSession(r, p.Worker, now)
		if err != nil {
			writeError(w, err)
			return
		}
		if token != "" {
			resp.Token = token
			resp.TokenExpiresAt = &expiry
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// refreshWorkerSession updates last_seen_at and rotates the session token
// only when its remaining TTL dropped under 30 seconds. That bounds
// rotations to about one per TTL while keeping the exposure window short.
func (s *Server) refreshWorkerSession(r *http.Request, worker *types.Worker, now time.Time) (string, time.Time, error) {
	worker.LastSeenAt = now
	if worker.Status == types.WorkerStatusOffline {
		// The monitor marked it offline while it was still alive; it is
		// heartbeating an active build, so it is building.
		worker.Status = types.WorkerStatusBuilding
	}

	var rotated string
	if time.Until(worker.AccessTokenExpiresAt) < 30*time.Second {
		token, err := auth.NewToken()
		if err != nil {
			return "", time.Time{}, err
		}
		worker.AccessToken = token
		worker.AccessTokenExpiresAt = now.Add(s.cfg.WorkerTokenTTL)
		rotated = token
	}

	if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
		return "", time.Time{}, err
	}
	return rotated, worker.AccessTokenExpiresAt, nil
}
