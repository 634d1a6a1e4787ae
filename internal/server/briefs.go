package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/deepbrief/config"
	"github.com/mohammad-safakhou/deepbrief/internal/agent/core"
	"github.com/mohammad-safakhou/deepbrief/internal/store"
)

var briefsTracer = otel.Tracer("deepbrief/server")

// liveRun buffers one run's progress stream so SSE clients can attach at any
// point: late subscribers get the full history replayed before live events.
type liveRun struct {
	mu     sync.Mutex
	events []core.ProgressEvent
	subs   map[chan core.ProgressEvent]struct{}
	done   bool
}

func (r *liveRun) publish(ev core.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	for ch := range r.subs {
		select {
		case ch <- ev:
		default: // slow subscriber, drop rather than stall the run
		}
	}
	if ev.Terminal() {
		r.done = true
		for ch := range r.subs {
			close(ch)
		}
		r.subs = nil
	}
}

// subscribe returns the event history so far plus a live channel. The channel
// is nil when the run already finished.
func (r *liveRun) subscribe() ([]core.ProgressEvent, chan core.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := append([]core.ProgressEvent(nil), r.events...)
	if r.done {
		return history, nil
	}
	ch := make(chan core.ProgressEvent, 32)
	if r.subs == nil {
		r.subs = map[chan core.ProgressEvent]struct{}{}
	}
	r.subs[ch] = struct{}{}
	return history, ch
}

func (r *liveRun) unsubscribe(ch chan core.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

// runRegistry tracks in-flight runs. Finished runs linger briefly so clients
// that connect just after completion still get the stream.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*liveRun
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: map[string]*liveRun{}}
}

func (g *runRegistry) track(id string, events <-chan core.ProgressEvent) {
	run := &liveRun{}
	g.mu.Lock()
	g.runs[id] = run
	g.mu.Unlock()

	go func() {
		for ev := range events {
			run.publish(ev)
		}
		time.AfterFunc(10*time.Minute, func() {
			g.mu.Lock()
			delete(g.runs, id)
			g.mu.Unlock()
		})
	}()
}

func (g *runRegistry) get(id string) (*liveRun, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[id]
	return run, ok
}

type BriefsHandler struct {
	Store    *store.Store
	Orch     *core.Orchestrator
	Registry *runRegistry
	Cfg      *config.Config
	Logger   *log.Logger
}

func NewBriefsHandler(st *store.Store, orch *core.Orchestrator, cfg *config.Config) *BriefsHandler {
	return &BriefsHandler{
		Store:    st,
		Orch:     orch,
		Registry: newRunRegistry(),
		Cfg:      cfg,
		Logger:   log.New(log.Writer(), "[BRIEFS] ", log.LstdFlags),
	}
}

func (h *BriefsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/events", h.streamEvents)
}

func (h *BriefsHandler) create(c echo.Context) error {
	var req BriefCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	userID := c.Get("user_id").(string)

	profile := req.Profile
	if profile == "" {
		stored, err := h.Store.GetUserProfile(c.Request().Context(), userID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		profile = stored
	}
	if _, ok := h.Cfg.Credits.Profiles[profile]; !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown profile: "+profile)
	}

	briefID, err := h.Launch(c.Request().Context(), userID, profile, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, BriefCreateResponse{ID: briefID, Status: store.BriefStatusRunning})
}

// Launch records a brief row and drives the run in the background. The
// scheduler uses it directly for cron-triggered refreshes.
func (h *BriefsHandler) Launch(ctx context.Context, userID, profile string, req BriefCreateRequest) (string, error) {
	briefID, err := h.Store.CreateBrief(ctx, userID, req.Query)
	if err != nil {
		return "", err
	}

	research := core.ResearchRequest{
		ID:          briefID,
		Content:     req.Query,
		UserID:      userID,
		Profile:     profile,
		MaxCredits:  req.MaxCredits,
		IsFollowUp:  req.IsFollowUp,
		Preferences: req.Preferences,
		Timestamp:   time.Now(),
	}

	broadcaster := core.NewProgressBroadcaster(64)
	h.Registry.track(briefID, broadcaster.Events())

	go h.execute(research, broadcaster)
	return briefID, nil
}

// execute drives one run to completion in the background and records the
// terminal state on the brief row.
func (h *BriefsHandler) execute(req core.ResearchRequest, broadcaster *core.ProgressBroadcaster) {
	timeout := h.Cfg.General.MaxProcessingTime
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := h.Orch.ProcessRequest(ctx, req, broadcaster)

	// the brief outlives the request context
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if err != nil {
		h.Logger.Printf("brief %s failed: %v", req.ID, err)
		if ferr := h.Store.FinishBrief(persistCtx, req.ID, store.BriefStatusFailed, nil, err.Error()); ferr != nil {
			h.Logger.Printf("brief %s: persist failure state: %v", req.ID, ferr)
		}
		return
	}
	if ferr := h.Store.FinishBrief(persistCtx, req.ID, store.BriefStatusCompleted, &result, ""); ferr != nil {
		h.Logger.Printf("brief %s: persist result: %v", req.ID, ferr)
	}
}

func (h *BriefsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	briefs, err := h.Store.ListBriefs(c.Request().Context(), userID, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if briefs == nil {
		briefs = []store.Brief{}
	}
	return c.JSON(http.StatusOK, briefs)
}

func (h *BriefsHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	brief, err := h.Store.GetBrief(c.Request().Context(), c.Param("id"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "brief not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, brief)
}

// streamEvents streams one run's progress via Server-Sent Events. Clients
// connecting mid-run get the history replayed first; the stream ends after
// the terminal event.
func (h *BriefsHandler) streamEvents(c echo.Context) error {
	if h.Cfg != nil && !h.Cfg.Server.RunStreamEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run stream disabled")
	}
	req := c.Request()
	ctx := req.Context()
	briefID := c.Param("id")
	userID := c.Get("user_id").(string)

	ctx, span := briefsTracer.Start(ctx, "BriefsHandler.streamEvents")
	defer span.End()
	span.SetAttributes(attribute.String("brief_id", briefID))
	c.SetRequest(req.WithContext(ctx))

	brief, err := h.Store.GetBrief(ctx, briefID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "brief not found")
		return echo.NewHTTPError(http.StatusNotFound, "brief not found")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	send := func(ev core.ProgressEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: progress\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	run, tracked := h.Registry.get(briefID)
	if !tracked {
		// run is not in memory: either finished long ago or lost to a
		// restart; synthesize the terminal event from the stored row
		return send(terminalEventFor(brief))
	}

	history, live := run.subscribe()
	for _, ev := range history {
		if err := send(ev); err != nil {
			span.RecordError(err)
			return nil
		}
	}
	if live == nil {
		return nil
	}
	defer run.unsubscribe(live)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-live:
			if !open {
				return nil
			}
			if err := send(ev); err != nil {
				span.RecordError(err)
				return nil
			}
		}
	}
}

func terminalEventFor(brief store.Brief) core.ProgressEvent {
	switch brief.Status {
	case store.BriefStatusCompleted:
		return core.ProgressEvent{
			Phase:    core.PhaseCompleted,
			Message:  "Your brief is ready.",
			Progress: core.ProgressDone,
		}
	case store.BriefStatusFailed:
		return core.ProgressEvent{
			Phase:    core.PhaseFailed,
			Message:  brief.Error,
			Progress: core.ProgressDone,
		}
	default:
		return core.ProgressEvent{
			Phase:    core.PhaseFailed,
			Message:  "run state lost, please retry",
			Progress: core.ProgressDone,
		}
	}
}
