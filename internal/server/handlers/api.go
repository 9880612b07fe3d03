package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/tsroute/internal/errors"
	"github.com/3leaps/tsroute/pkg/jobs"
	"github.com/3leaps/tsroute/pkg/lifecycle"
	"github.com/3leaps/tsroute/pkg/router"
	"github.com/3leaps/tsroute/pkg/row"
)

// API serves routing, job and chunk endpoints under /v1. Nil components
// leave their endpoints unmounted.
type API struct {
	Router    *router.Router
	Tracker   *jobs.Tracker
	Archive   *jobs.Archive
	Lifecycle *lifecycle.Manager
	Buffer    *lifecycle.Buffer

	// ConfigPath is reread by POST /v1/config/reload.
	ConfigPath string

	// JobContext bounds the background jobs started by requests. When it is
	// done, tasks that have not started are cancelled. Nil ties jobs to no
	// lifetime beyond the process.
	JobContext context.Context

	Logger *zap.Logger
}

// Mount registers the endpoints on r.
func (a *API) Mount(r chi.Router) {
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}

	if a.Router != nil {
		r.Post("/v1/route", a.route)
		r.Post("/v1/write", a.write)
		r.Get("/v1/config", a.config)
		r.Post("/v1/config/validate", a.validateConfig)
		r.Post("/v1/config/reload", a.reload)
	}

	if a.Tracker != nil {
		r.Get("/v1/jobs", a.listJobs)
		r.Get("/v1/jobs/{id}", a.getJob)
		r.Post("/v1/jobs/{id}/cancel", a.cancelJob)
	}

	if a.Lifecycle != nil {
		r.Post("/v1/jobs/noop", a.noop)
		r.Post("/v1/catalog/wipe", a.wipeCatalog)
		r.Post("/v1/partitions/{partition}/tables/{table}/{action}", a.chunksAction)
		r.Post("/v1/chunks/{partition}/{table}/{chunkID}/{action}", a.chunkAction)
	}

	if a.Buffer != nil {
		r.Get("/v1/chunks", a.listChunks)
		r.Post("/v1/chunks/{partition}/{table}/{chunkID}/rows", a.appendRows)
	}
}

type routeResponse struct {
	Version uint64 `json:"version"`
	ShardID uint32 `json:"shard_id"`
	Sink    string `json:"sink"`
	Target  string `json:"target"`
	Rule    int    `json:"rule"`
}

func (a *API) route(w http.ResponseWriter, r *http.Request) {
	var in row.Row
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, r, err)
		return
	}
	rt, err := a.Router.Route(in)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	snap, _ := a.Router.Snapshot()
	respondJSON(w, http.StatusOK, routeResponse{
		Version: snap.Version,
		ShardID: rt.ShardID,
		Sink:    string(rt.Sink.Kind()),
		Target:  rt.Sink.String(),
		Rule:    rt.Rule,
	})
}

type rowsRequest struct {
	Rows []row.Row `json:"rows"`
}

func (a *API) write(w http.ResponseWriter, r *http.Request) {
	var in rowsRequest
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := a.Router.Write(r.Context(), in.Rows)
	if err != nil {
		a.Logger.Warn("write failed", zap.Int("rows", len(in.Rows)), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) config(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.Router.Snapshot()
	if !ok {
		respondWithError(w, r, router.ErrNotLoaded)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (a *API) validateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg router.Config
	if err := decodeJSON(w, r, &cfg); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := a.Router.Validate(cfg); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	if a.ConfigPath == "" {
		respondWithError(w, r, apperrors.BadRequest("no routing config path configured", nil))
		return
	}
	if err := a.Router.LoadFile(a.ConfigPath); err != nil {
		respondWithError(w, r, err)
		return
	}
	snap, _ := a.Router.Snapshot()
	a.Logger.Info("routing config reloaded", zap.String("path", a.ConfigPath), zap.Uint64("version", snap.Version))
	respondJSON(w, http.StatusOK, snap)
}

// listJobs returns live jobs followed by reaped ones from the archive, so a
// job stays listed for as long as GET /v1/jobs/{id} can find it.
func (a *API) listJobs(w http.ResponseWriter, _ *http.Request) {
	recs := a.Tracker.List()
	if a.Archive != nil {
		archived, err := a.Archive.List()
		if err != nil {
			a.Logger.Warn("job archive unreadable", zap.String("dir", a.Archive.RootDir()), zap.Error(err))
		} else {
			recs = jobs.Merge(recs, archived)
		}
	}
	if recs == nil {
		recs = []jobs.Record{}
	}
	respondJSON(w, http.StatusOK, map[string][]jobs.Record{"jobs": recs})
}

func (a *API) jobID(r *http.Request) (jobs.ID, error) {
	id, err := jobs.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		return "", apperrors.BadRequest("invalid job id", err)
	}
	return id, nil
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := a.jobID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, err := a.Tracker.Get(id)
	if errors.Is(err, jobs.ErrNotFound) && a.Archive != nil {
		rec, err = a.Archive.Get(id)
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type cancelResponse struct {
	JobID     jobs.ID     `json:"job_id"`
	Cancelled uint64      `json:"cancelled"`
	Job       jobs.Record `json:"job"`
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := a.jobID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	n, err := a.Tracker.Cancel(id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, err := a.Tracker.Get(id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.Logger.Info("job cancelled", zap.String("job_id", id.String()), zap.Uint64("tasks", n))
	respondJSON(w, http.StatusOK, cancelResponse{JobID: id, Cancelled: n, Job: rec})
}

// jobContext returns the context for a job started by r. Jobs outlive the
// request but not the service.
func (a *API) jobContext(r *http.Request) context.Context {
	if a.JobContext != nil {
		return a.JobContext
	}
	return context.WithoutCancel(r.Context())
}

type jobStarted struct {
	JobID jobs.ID `json:"job_id"`
}

func accepted(w http.ResponseWriter, id jobs.ID) {
	w.Header().Set("Location", "/v1/jobs/"+id.String())
	respondJSON(w, http.StatusAccepted, jobStarted{JobID: id})
}

func (a *API) noop(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Tasks int `json:"tasks"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, r, err)
		return
	}
	if in.Tasks < 0 {
		respondWithError(w, r, apperrors.BadRequest("tasks must not be negative", nil))
		return
	}
	accepted(w, a.Lifecycle.NoOp(a.jobContext(r), in.Tasks))
}

func (a *API) wipeCatalog(w http.ResponseWriter, r *http.Request) {
	id, err := a.Lifecycle.WipeCatalog(a.jobContext(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	accepted(w, id)
}

func chunkID(r *http.Request) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, "chunkID"), 10, 32)
	if err != nil {
		return 0, apperrors.BadRequest("invalid chunk id", err)
	}
	return uint32(v), nil
}

func (a *API) chunkAction(w http.ResponseWriter, r *http.Request) {
	partition, table := chi.URLParam(r, "partition"), chi.URLParam(r, "table")
	id, err := chunkID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	ctx := a.jobContext(r)
	var job jobs.ID
	switch action := chi.URLParam(r, "action"); action {
	case "close":
		job = a.Lifecycle.CloseChunk(ctx, partition, table, id)
	case "write":
		job = a.Lifecycle.WriteChunk(ctx, partition, table, id)
	case "persist":
		job = a.Lifecycle.PersistChunks(ctx, partition, table, []uint32{id})
	case "drop":
		job = a.Lifecycle.DropChunk(ctx, partition, table, id)
	default:
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("unknown chunk action %q", action)))
		return
	}
	accepted(w, job)
}

func (a *API) chunksAction(w http.ResponseWriter, r *http.Request) {
	partition, table := chi.URLParam(r, "partition"), chi.URLParam(r, "table")
	action := chi.URLParam(r, "action")
	if action != "compact" && action != "persist" {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("unknown chunks action %q", action)))
		return
	}

	var in struct {
		IDs []uint32 `json:"ids"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, r, err)
		return
	}
	if len(in.IDs) == 0 {
		respondWithError(w, r, apperrors.BadRequest("ids must not be empty", nil))
		return
	}

	ctx := a.jobContext(r)
	if action == "compact" {
		accepted(w, a.Lifecycle.CompactChunks(ctx, partition, table, in.IDs))
		return
	}
	accepted(w, a.Lifecycle.PersistChunks(ctx, partition, table, in.IDs))
}

func (a *API) listChunks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]lifecycle.ChunkInfo{"chunks": a.Buffer.Chunks()})
}

func (a *API) appendRows(w http.ResponseWriter, r *http.Request) {
	partition, table := chi.URLParam(r, "partition"), chi.URLParam(r, "table")
	id, err := chunkID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var in rowsRequest
	if err := decodeJSON(w, r, &in); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := a.Buffer.Append(partition, table, id, in.Rows...); err != nil {
		if errors.Is(err, lifecycle.ErrChunkClosed) {
			err = &apperrors.HTTPError{Status: http.StatusConflict, Code: apperrors.CodeConflict, Message: err.Error()}
		}
		respondWithError(w, r, err)
		return
	}
	info, _ := a.Buffer.Chunk(partition, table, id)
	respondJSON(w, http.StatusOK, info)
}
