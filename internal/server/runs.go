package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opsloop/opsloop/internal/mcp"
	"github.com/opsloop/opsloop/internal/run"
	"github.com/opsloop/opsloop/internal/runtime"
	"github.com/opsloop/opsloop/internal/store"
)

// runStore is the slice of the store the HTTP layer reads and writes.
type runStore interface {
	CreateRun(ctx context.Context, goal, profileID string, runContext map[string]any, streamTokens bool) (run.Run, error)
	GetRun(ctx context.Context, id string) (run.Run, error)
	ListRuns(ctx context.Context, limit, offset int, status string) ([]run.Run, error)
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]store.StoredEvent, error)
	CancelRun(ctx context.Context, id string) error
}

// runExecutor resolves approval gates. Execution itself is triggered through
// the start func so the queue and in-process modes share one handler.
type runExecutor interface {
	Approve(ctx context.Context, runID string, approved bool, modifiedArguments map[string]any) error
}

// eventStream delivers live run events to SSE subscribers.
type eventStream interface {
	Subscribe(runID string) (<-chan store.StoredEvent, func())
}

type serverCatalog interface {
	Servers() []mcp.ServerInfo
}

type RunsHandler struct {
	store    runStore
	exec     runExecutor
	stream   eventStream
	servers  serverCatalog
	profiles map[string]run.AgentProfile

	// start hands a freshly created run to the execution side: an enqueue in
	// queue mode, a goroutine in in-process mode.
	start func(ctx context.Context, runID string) error

	maxGoalLength int
	streamEnabled bool
	logger        *log.Logger
}

func NewRunsHandler(st runStore, exec runExecutor, stream eventStream, servers serverCatalog,
	profiles map[string]run.AgentProfile, start func(ctx context.Context, runID string) error,
	maxGoalLength int, streamEnabled bool, logger *log.Logger) *RunsHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &RunsHandler{
		store:         st,
		exec:          exec,
		stream:        stream,
		servers:       servers,
		profiles:      profiles,
		start:         start,
		maxGoalLength: maxGoalLength,
		streamEnabled: streamEnabled,
		logger:        logger,
	}
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/runs", h.createRun)
	g.GET("/runs", h.listRuns)
	g.GET("/runs/:id", h.getRun)
	g.GET("/runs/:id/events", h.listEvents)
	g.GET("/runs/:id/stream", h.streamRun)
	g.POST("/runs/:id/approve", h.approveRun)
	g.POST("/runs/:id/cancel", h.cancelRun)
	g.GET("/agent-profiles", h.listProfiles)
	g.GET("/mcp/servers", h.listServers)
}

func (h *RunsHandler) createRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}
	if h.maxGoalLength > 0 && len(req.Goal) > h.maxGoalLength {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("goal exceeds maximum length of %d characters", h.maxGoalLength))
	}
	profile, ok := h.profiles[req.AgentProfileID]
	if !ok || !profile.Enabled {
		return echo.NewHTTPError(http.StatusBadRequest,
			run.ErrProfileNotFound{ProfileID: req.AgentProfileID}.Error())
	}
	streamTokens := req.StreamTokens && h.streamEnabled

	r, err := h.store.CreateRun(c.Request().Context(), req.Goal, req.AgentProfileID, req.Context, streamTokens)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.start(c.Request().Context(), r.ID); err != nil {
		h.logger.Printf("run %s: start failed: %v", r.ID, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start run")
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *RunsHandler) listRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	status := c.QueryParam("status")
	if status != "" && !run.Status(status).Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
	}
	runs, err := h.store.ListRuns(c.Request().Context(), limit, offset, status)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []run.Run{}
	}
	return c.JSON(http.StatusOK, RunListResponse{Runs: runs, Limit: limit, Offset: offset})
}

func (h *RunsHandler) getRun(c echo.Context) error {
	r, err := h.store.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, run.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, r)
}

func (h *RunsHandler) listEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.store.GetRun(c.Request().Context(), id); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	afterID, _ := strconv.ParseInt(c.QueryParam("after_id"), 10, 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	events, err := h.store.ListEvents(c.Request().Context(), id, afterID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, EventResponse{ID: ev.ID, StepIndex: ev.StepIndex, Kind: ev.Kind, Payload: ev.Payload})
	}
	return c.JSON(http.StatusOK, out)
}

// streamRun serves a run's event log over SSE: current status first, then the
// persisted history, then live events until the run reaches a terminal state.
// The store stays authoritative; the live feed is best-effort and a client
// that reconnects rebuilds from the replay.
func (h *RunsHandler) streamRun(c echo.Context) error {
	if !h.streamEnabled {
		return echo.NewHTTPError(http.StatusNotFound, "streaming is disabled")
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	r, err := h.store.GetRun(ctx, id)
	if errors.Is(err, run.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published during the replay is
	// missed; duplicates are filtered by event id below.
	live, cancel := h.stream.Subscribe(id)
	defer cancel()

	if err := h.writeStatus(resp, r); err != nil {
		return nil
	}

	var lastID int64
	for {
		events, err := h.store.ListEvents(ctx, id, lastID, 500)
		if err != nil || len(events) == 0 {
			break
		}
		for _, ev := range events {
			if err := writeSSE(resp, ev.Kind, ev.Payload); err != nil {
				return nil
			}
			lastID = ev.ID
		}
	}

	if r.Status.Terminal() {
		_ = writeSSE(resp, "end", json.RawMessage(`{}`))
		return nil
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(resp, ": keepalive\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			// persisted events already sent by the replay
			if ev.ID != 0 && ev.ID <= lastID {
				continue
			}
			if err := writeSSE(resp, ev.Kind, ev.Payload); err != nil {
				return nil
			}
			if ev.ID > lastID {
				lastID = ev.ID
			}
			if ev.Kind == run.EventStatusChange {
				var sc run.StatusChangePayload
				if json.Unmarshal(ev.Payload, &sc) == nil && sc.Status.Terminal() {
					_ = writeSSE(resp, "end", json.RawMessage(`{}`))
					return nil
				}
			}
		}
	}
}

func (h *RunsHandler) writeStatus(resp *echo.Response, r run.Run) error {
	sc := run.StatusChangePayload{Status: r.Status, PendingToolCall: r.PendingApproval}
	if r.Error != nil {
		sc.Error = *r.Error
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return writeSSE(resp, run.EventStatusChange, b)
}

func writeSSE(resp *echo.Response, event string, data []byte) error {
	if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

func (h *RunsHandler) approveRun(c echo.Context) error {
	id := c.Param("id")
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.store.GetRun(c.Request().Context(), id)
	if errors.Is(err, run.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if r.Status != run.StatusAwaitingApproval {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("run is %s, not awaiting approval", r.Status))
	}

	// The resolved run resumes planning, which can take as long as the rest of
	// the run; do it off the request. A concurrent duplicate resolution loses
	// the status transition inside Approve and is only logged.
	go func() {
		if err := h.exec.Approve(context.Background(), id, req.Approved, req.ModifiedArguments); err != nil {
			h.logger.Printf("run %s: approval resolution: %v", id, err)
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": id, "approved": req.Approved})
}

func (h *RunsHandler) cancelRun(c echo.Context) error {
	id := c.Param("id")
	err := h.store.CancelRun(c.Request().Context(), id)
	if errors.Is(err, run.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	var invalid run.ErrInvalidStateTransition
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusConflict, invalid.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	r, err := h.store.GetRun(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, r)
}

func (h *RunsHandler) listProfiles(c echo.Context) error {
	out := make([]ProfileResponse, 0, len(h.profiles))
	for _, p := range h.profiles {
		out = append(out, ProfileResponse{
			ID:                    p.ID,
			Name:                  p.Name,
			Description:           p.Description,
			AllowedToolServers:    p.AllowedToolServerIDs,
			ApprovalRequiredTools: p.ApprovalRequiredTools,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return c.JSON(http.StatusOK, out)
}

func (h *RunsHandler) listServers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.servers.Servers())
}
