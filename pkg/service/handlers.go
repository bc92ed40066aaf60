package service

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/filter"
	"github.com/theapemachine/ctxsync/pkg/service/stream"
	"github.com/theapemachine/ctxsync/pkg/store"
)

type ContextResponse struct {
	ProjectID   string         `json:"projectId"`
	Version     int64          `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data"`
	Hash        string         `json:"hash"`
	TokensSaved int64          `json:"tokensSaved"`
}

type SetRequest struct {
	AgentID string         `json:"agentId"`
	Data    map[string]any `json:"data"`
}

type SetResponse struct {
	Version int64  `json:"version"`
	Hash    string `json:"hash"`
}

type DiffRequest struct {
	AgentID  string         `json:"agentId"`
	Added    map[string]any `json:"added,omitempty"`
	Modified map[string]any `json:"modified,omitempty"`
	Removed  []string       `json:"removed,omitempty"`
}

type DiffResponse struct {
	Version         int64  `json:"version"`
	Hash            string `json:"hash"`
	TokensSaved     int    `json:"tokensSaved"`
	SubscriberCount int    `json:"subscriberCount"`
}

func (srv *ContextServer) fail(ctx fiber.Ctx, err error) error {
	status := errors.HTTPStatus(err)

	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", ctx.Method(), "path", ctx.Path(), "status", status, "error", err)
	}

	return ctx.Status(status).JSON(errors.NewBody(err))
}

func (srv *ContextServer) handleGet(ctx fiber.Ctx) error {
	snap, err := srv.store.Get(ctx.Params("projectId"))

	if err != nil {
		return srv.fail(ctx, err)
	}

	ctx.Set(fiber.HeaderETag, snap.Hash)

	if ctx.Get(fiber.HeaderIfNoneMatch) == snap.Hash {
		srv.metrics.RecordCacheHit()
		return ctx.SendStatus(fiber.StatusNotModified)
	}

	return ctx.JSON(ContextResponse{
		ProjectID:   snap.ProjectID,
		Version:     snap.Version,
		Timestamp:   snap.Timestamp,
		Data:        snap.Data,
		Hash:        snap.Hash,
		TokensSaved: snap.TokensSaved,
	})
}

func (srv *ContextServer) handleFiltered(ctx fiber.Ctx) error {
	agentID := ctx.Query("agentId")
	name := ctx.Query("profile", agentID)

	if name == "" {
		return srv.fail(ctx, errors.ErrValidation.WithMessagef("profile or agentId query parameter is required"))
	}

	profile, err := srv.profiles.Get(name)

	if err != nil {
		return srv.fail(ctx, err)
	}

	snap, err := srv.store.Get(ctx.Params("projectId"))

	if err != nil {
		return srv.fail(ctx, err)
	}

	result := filter.Filter(agentID, profile, snap.Data, srv.store.MemoryPressure(), srv.LoadPressure())

	log.Debug("context filtered", "project", snap.ProjectID, "agent", agentID, "profile", name,
		"reduction", result.ReductionRatio, "bytes", result.MemoryUsageBytes)

	return ctx.JSON(result)
}

func (srv *ContextServer) handleSet(ctx fiber.Ctx) error {
	var request SetRequest

	if err := ctx.Bind().Body(&request); err != nil {
		return srv.fail(ctx, errors.ErrValidation.WithMessagef("invalid body: %v", err))
	}

	if request.Data == nil {
		return srv.fail(ctx, errors.ErrValidation.WithMessagef("data is required"))
	}

	result, err := srv.store.Set(ctx.RequestCtx(), ctx.Params("projectId"), request.Data, request.AgentID)

	if err != nil {
		return srv.fail(ctx, err)
	}

	if result.Changed {
		srv.metrics.RecordUpdate(result.TokensSaved)
	}

	return ctx.JSON(SetResponse{Version: result.Version, Hash: result.Hash})
}

func (srv *ContextServer) handleDiff(ctx fiber.Ctx) error {
	var request DiffRequest

	if err := ctx.Bind().Body(&request); err != nil {
		return srv.fail(ctx, errors.ErrValidation.WithMessagef("invalid body: %v", err))
	}

	result, err := srv.store.ApplyDiff(ctx.RequestCtx(), ctx.Params("projectId"), diff.Diff{
		Added:    request.Added,
		Modified: request.Modified,
		Removed:  request.Removed,
	}, request.AgentID)

	if err != nil {
		return srv.fail(ctx, err)
	}

	if result.Changed {
		srv.metrics.RecordUpdate(result.TokensSaved)
	}

	return ctx.JSON(DiffResponse{
		Version:         result.Version,
		Hash:            result.Hash,
		TokensSaved:     result.TokensSaved,
		SubscriberCount: result.SubscriberCount,
	})
}

func (srv *ContextServer) handleDelete(ctx fiber.Ctx) error {
	if err := srv.store.Delete(ctx.Params("projectId")); err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.SendStatus(fiber.StatusOK)
}

func (srv *ContextServer) handleProfiles(ctx fiber.Ctx) error {
	return ctx.JSON(fiber.Map{"profiles": srv.profiles.Names()})
}

/*
handleStream upgrades to a websocket and serves it until it ends.
*/
func (srv *ContextServer) handleStream(w http.ResponseWriter, r *http.Request) {
	srv.metrics.RecordRequest()

	projectID := r.PathValue("projectId")
	agentID := r.URL.Query().Get("agentId")

	if agentID == "" {
		writeError(w, errors.ErrValidation.WithMessagef("agentId query parameter is required"))
		return
	}

	if srv.shuttingDown.Load() {
		writeError(w, errors.ErrUnavailable.WithMessagef("service is shutting down"))
		return
	}

	if srv.cfg.MaxConnections > 0 && srv.metrics.ActiveConnections() >= int64(srv.cfg.MaxConnections) {
		writeError(w, errors.ErrUnavailable.WithMessagef("connection limit %d reached", srv.cfg.MaxConnections))
		return
	}

	ws, err := srv.upgrader.Upgrade(w, r, nil)

	if err != nil {
		log.Warn("websocket upgrade failed", "project", projectID, "agent", agentID, "error", err)
		return
	}

	conn := stream.NewConn(ws, projectID, agentID, srv.cfg.Stream, srv.metrics)
	srv.conns.Store(conn.ID, conn)
	defer srv.conns.Delete(conn.ID)

	if srv.shuttingDown.Load() {
		conn.Close(store.ReasonShutdown)
	}

	conn.Serve(r.Context(), srv.store)
}
