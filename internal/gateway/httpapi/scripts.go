package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/scriptbox/internal/audit"
	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/hooks"
	"github.com/jkaninda/scriptbox/internal/instrument"
	"github.com/jkaninda/scriptbox/internal/scheduler"
	"github.com/jkaninda/scriptbox/internal/storage"
	"github.com/jkaninda/scriptbox/internal/supervisor"
)

const maxChainLength = 16

var validate = validator.New()

// apiError is a request failure with the status code it is reported with.
type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string { return e.msg }

func newAPIError(code int, format string, args ...any) error {
	return &apiError{code: code, msg: fmt.Sprintf(format, args...)}
}

// fail writes err as a JSON error response.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		return c.JSON(ae.code, ErrorBody{Error: ae.msg})
	}
	g.logger.Error("request failed",
		slog.String("path", c.Request().URL.Path),
		slog.String("error", err.Error()),
	)
	return c.AbortInternalServerError("internal error")
}

// storeError maps storage errors to API errors.
func storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newAPIError(http.StatusNotFound, "script not found")
	case errors.Is(err, storage.ErrDuplicate):
		return newAPIError(http.StatusConflict, "%v", err)
	case errors.Is(err, storage.ErrInvalidScript):
		return newAPIError(http.StatusBadRequest, "%v", err)
	default:
		return err
	}
}

// --- Ad-hoc runs ---

// RunRequest is the JSON body for POST /v1/scripts/run. Exactly one of
// Source and Sources is set.
type RunRequest struct {
	GuildID    string              `json:"guild_id,omitempty" validate:"omitempty,max=64"`
	Source     string              `json:"source,omitempty"`
	Sources    []supervisor.Source `json:"sources,omitempty" validate:"omitempty,max=16"`
	Privileged bool                `json:"privileged,omitempty"`
	TimeoutMs  int                 `json:"timeout_ms,omitempty" validate:"gte=0,lte=600000"`
}

// RunResponse is the JSON response for every endpoint that runs scripts.
type RunResponse struct {
	*supervisor.ExecutionResult
	Message string `json:"message"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	res, err := g.runScripts(c.Context(), c.GetString("userID"), req)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(RunResponse{ExecutionResult: res, Message: res.UserMessage()})
}

// runScripts executes the scripts of req on behalf of userID.
func (g *Gateway) runScripts(ctx context.Context, userID string, req RunRequest) (*supervisor.ExecutionResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, newAPIError(http.StatusBadRequest, "invalid request: %v", err)
	}
	if left, blocked := g.config.Anomaly.Blocked(userID); blocked {
		return nil, newAPIError(http.StatusTooManyRequests,
			"blocked after repeated security violations, retry in %s", left.Round(time.Second))
	}
	sources, err := requestSources(req)
	if err != nil {
		return nil, err
	}

	// Authentication charged the first script of the chain.
	if err := g.allow(userID, len(sources)-1); err != nil {
		return nil, newAPIError(http.StatusTooManyRequests, "%v", err)
	}

	privileged := false
	for _, src := range sources {
		privileged = privileged || src.Privileged
	}
	if privileged && !g.isPrivileged(userID) {
		g.logger.WarnContext(ctx, "privileged run refused", slog.String("user_id", userID))
		return nil, newAPIError(http.StatusForbidden, "user may not run privileged scripts")
	}

	var provider *bindings.Provider
	if req.GuildID != "" {
		if g.runner == nil {
			return nil, newAPIError(http.StatusBadRequest, "guild bindings are not available")
		}
		if provider, err = g.runner.Provider(req.GuildID); err != nil {
			return nil, err
		}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	res := g.sup.Execute(ctx, sources, provider, timeout)
	g.recordRun(ctx, "run", userID, req.GuildID, privileged, res)
	return res, nil
}

// requestSources normalizes the single source and chain forms of req.
func requestSources(req RunRequest) ([]supervisor.Source, error) {
	switch {
	case req.Source != "" && len(req.Sources) > 0:
		return nil, newAPIError(http.StatusBadRequest, "set either source or sources, not both")
	case req.Source != "":
		return []supervisor.Source{{Name: "script", Text: req.Source, Privileged: req.Privileged}}, nil
	case len(req.Sources) == 0:
		return nil, newAPIError(http.StatusBadRequest, "source is required")
	case len(req.Sources) > maxChainLength:
		return nil, newAPIError(http.StatusBadRequest, "a chain holds at most %d scripts", maxChainLength)
	}
	sources := make([]supervisor.Source, len(req.Sources))
	for i, src := range req.Sources {
		if src.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "sources[%d] is empty", i)
		}
		if src.Name == "" {
			src.Name = "script-" + strconv.Itoa(i+1)
		}
		src.Privileged = src.Privileged || req.Privileged
		sources[i] = src
	}
	return sources, nil
}

func (g *Gateway) recordRun(ctx context.Context, action, userID, guildID string, privileged bool, res *supervisor.ExecutionResult) {
	if m := g.config.Metrics; m != nil {
		m.UserRunsTotal.WithLabelValues(string(res.Status), strconv.FormatBool(privileged)).Inc()
	}
	if g.config.Anomaly.RecordRun(userID, res.Status == supervisor.StatusSecurityViolation) {
		g.logger.WarnContext(ctx, "user flagged for repeated security violations",
			slog.String("user_id", userID),
			slog.String("execution_id", res.ID),
		)
	}
	if err := g.config.Audit.Record(ctx, audit.NewEvent(action, userID, guildID, privileged, res)); err != nil {
		g.logger.ErrorContext(ctx, "audit write failed", slog.String("error", err.Error()))
	}
}

// --- Compile checks ---

// CheckRequest is the JSON body for POST /v1/scripts/check.
type CheckRequest struct {
	Source string `json:"source" validate:"required"`
}

// CheckResponse reports whether a script compiles and how it was instrumented.
type CheckResponse struct {
	Valid      bool               `json:"valid"`
	Diagnostic string             `json:"diagnostic,omitempty"`
	Report     *instrument.Report `json:"report,omitempty"`
}

func (g *Gateway) handleCheck(c *okapi.Context) error {
	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	resp, err := g.checkScript(c.Context(), req)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(resp)
}

// checkScript compiles req.Source against the guild bindings.
func (g *Gateway) checkScript(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, newAPIError(http.StatusBadRequest, "source is required")
	}
	cs, err := g.sup.Compile(ctx, supervisor.Source{Name: "script", Text: req.Source}, g.declarations())
	var cerr *supervisor.CompilationError
	switch {
	case errors.As(err, &cerr):
		return &CheckResponse{Diagnostic: cerr.Diagnostic}, nil
	case err != nil:
		return nil, err
	}
	return &CheckResponse{Valid: true, Report: cs.Report}, nil
}

func (g *Gateway) declarations() []bindings.Declaration {
	if g.runner == nil {
		return nil
	}
	return g.runner.Declarations()
}

// --- Stored scripts ---

// ScriptRequest is the JSON body for POST /v1/scripts.
type ScriptRequest struct {
	GuildID    string `json:"guild_id"`
	Identifier string `json:"identifier"`
	Source     string `json:"source"`
	Usage      string `json:"usage"`
	Schedule   string `json:"schedule,omitempty"` // 5-field cron expression, triggers only.
	Position   int    `json:"position,omitempty"`
	Active     bool   `json:"active,omitempty"`
}

func (g *Gateway) handleScriptCreate(c *okapi.Context) error {
	var req ScriptRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	sc, err := g.createScript(c.Context(), c.GetString("userID"), req)
	if err != nil {
		return g.fail(c, err)
	}
	return c.JSON(http.StatusCreated, sc)
}

// createScript stores a script after checking that it compiles.
func (g *Gateway) createScript(ctx context.Context, userID string, req ScriptRequest) (*storage.Script, error) {
	usage, err := storage.ParseUsage(req.Usage)
	if err != nil {
		return nil, storeError(err)
	}
	sc := &storage.Script{
		GuildID:    req.GuildID,
		Identifier: req.Identifier,
		Source:     req.Source,
		Usage:      usage,
		Schedule:   req.Schedule,
		Position:   req.Position,
		Active:     req.Active,
		AuthorID:   userID,
	}
	if err := sc.Validate(); err != nil {
		return nil, storeError(err)
	}
	if usage == storage.UsageTrigger && sc.Schedule == "" {
		return nil, newAPIError(http.StatusBadRequest, "trigger scripts need a schedule")
	}
	if sc.Active {
		if sc.NextRunAt, err = nextRun(sc); err != nil {
			return nil, err
		}
	}

	check, err := g.checkScript(ctx, CheckRequest{Source: sc.Source})
	if err != nil {
		return nil, err
	}
	if !check.Valid {
		return nil, newAPIError(http.StatusBadRequest, "script does not compile: %s", check.Diagnostic)
	}

	if err := g.scripts.Create(ctx, sc); err != nil {
		return nil, storeError(err)
	}
	g.logger.InfoContext(ctx, "script stored",
		slog.String("user_id", userID),
		slog.String("guild_id", sc.GuildID),
		slog.String("identifier", sc.Identifier),
		slog.String("usage", string(sc.Usage)),
	)
	return sc, nil
}

// nextRun returns the first run time of an active trigger, nil for other usages.
func nextRun(sc *storage.Script) (*time.Time, error) {
	if sc.Usage != storage.UsageTrigger || sc.Schedule == "" {
		return nil, nil
	}
	next, err := scheduler.NextRunFrom(sc.Schedule, time.Now())
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "invalid schedule: %v", err)
	}
	return &next, nil
}

func (g *Gateway) handleScriptList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	scripts, err := g.listScripts(c.Context(), q.Get("guild_id"), q.Get("usage"))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(scripts)
}

func (g *Gateway) listScripts(ctx context.Context, guildID, usage string) ([]storage.Script, error) {
	if guildID == "" {
		return nil, newAPIError(http.StatusBadRequest, "guild_id is required")
	}
	f := storage.Filter{GuildID: guildID}
	if usage != "" {
		u, err := storage.ParseUsage(usage)
		if err != nil {
			return nil, storeError(err)
		}
		f.Usage = u
	}
	scripts, err := g.scripts.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if scripts == nil {
		scripts = []storage.Script{}
	}
	return scripts, nil
}

func (g *Gateway) handleScriptGet(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.fail(c, err)
	}
	sc, err := g.scripts.Get(c.Context(), id)
	if err != nil {
		return g.fail(c, storeError(err))
	}
	return c.OK(sc)
}

func (g *Gateway) handleScriptDelete(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.fail(c, err)
	}
	if err := g.scripts.Delete(c.Context(), id); err != nil {
		return g.fail(c, storeError(err))
	}
	g.logger.Info("script deleted",
		slog.String("user_id", c.GetString("userID")),
		slog.String("script_id", id.String()),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleScriptActivate(c *okapi.Context) error {
	return g.handleSetActive(c, true)
}

func (g *Gateway) handleScriptDeactivate(c *okapi.Context) error {
	return g.handleSetActive(c, false)
}

func (g *Gateway) handleSetActive(c *okapi.Context, active bool) error {
	sc, err := g.setActive(c.Context(), c.Param("id"), active)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(sc)
}

// setActive toggles a stored script. Activating a trigger schedules its next run.
func (g *Gateway) setActive(ctx context.Context, rawID string, active bool) (*storage.Script, error) {
	id, err := parseID(rawID)
	if err != nil {
		return nil, err
	}
	sc, err := g.scripts.Get(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	var next *time.Time
	if active {
		if next, err = nextRun(sc); err != nil {
			return nil, err
		}
	}
	if err := g.scripts.SetActive(ctx, id, active, next); err != nil {
		return nil, storeError(err)
	}
	sc.Active = active
	sc.NextRunAt = next
	return sc, nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, newAPIError(http.StatusBadRequest, "invalid script ID")
	}
	return id, nil
}

// --- Guild hooks ---

func (g *Gateway) handleHooks(c *okapi.Context) error {
	res, err := g.runHooks(c.Context(), c.Param("guild"), c.Param("usage"))
	if err != nil {
		return g.fail(c, err)
	}
	g.recordRun(c.Context(), "hooks:"+c.Param("usage"), c.GetString("userID"), c.Param("guild"), false, res)
	return c.OK(RunResponse{ExecutionResult: res, Message: res.UserMessage()})
}

// runHooks runs the active interceptor or finalizer chain of guildID.
func (g *Gateway) runHooks(ctx context.Context, guildID, rawUsage string) (*supervisor.ExecutionResult, error) {
	usage, err := storage.ParseUsage(rawUsage)
	if err != nil {
		return nil, storeError(err)
	}
	if usage != storage.UsageInterceptor && usage != storage.UsageFinalizer {
		return nil, newAPIError(http.StatusBadRequest, "only interceptor and finalizer chains run as hooks")
	}
	res, err := g.runner.RunChain(ctx, guildID, usage)
	if errors.Is(err, hooks.ErrEmptyChain) {
		return nil, newAPIError(http.StatusNotFound, "%v", err)
	}
	return res, err
}

func (g *Gateway) handleRunStored(c *okapi.Context) error {
	res, err := g.runner.RunStored(c.Context(), c.Param("guild"), c.Param("identifier"))
	if err != nil {
		return g.fail(c, storeError(err))
	}
	g.recordRun(c.Context(), "run_stored:"+c.Param("identifier"), c.GetString("userID"), c.Param("guild"), false, res)
	return c.OK(RunResponse{ExecutionResult: res, Message: res.UserMessage()})
}
