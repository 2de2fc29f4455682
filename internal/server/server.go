package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/memory"
	"deliverline/internal/progress"
	"deliverline/internal/quality"
	"deliverline/internal/repo"
	"deliverline/internal/resilience"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"circuit_open"`
	Message string         `json:"message" example:"circuit ws-1/create_deliverable open; retry after 5m0s"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retry_after_seconds\":300}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the deliverline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		l := cfg.Logger
		cfg.Auth.Logger = &l
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema violations are malformed requests, not domain validation failures.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("deliverline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWorkspaces(group, cfg.Engine)
	registerGoals(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTrigger(group, cfg.Engine)
	registerDeliverables(group, cfg.Engine)
	registerInsights(group, cfg.Engine)
	registerQuality(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var mve *memory.ValidationError
	if errors.As(err, &mve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": mve.Field})
	}
	var coe *resilience.CircuitOpenError
	if errors.As(err, &coe) {
		return newAPIError(http.StatusServiceUnavailable, "circuit_open", err.Error(), map[string]any{
			"breaker":             coe.Name,
			"retry_after_seconds": math.Ceil(coe.RetryAfter.Seconds()),
		})
	}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return newAPIError(http.StatusServiceUnavailable, "circuit_open", err.Error(), nil)
	case errors.Is(err, progress.ErrInvalidDelta):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": "delta"})
	case errors.Is(err, engine.ErrWorkspaceDeleted):
		return newAPIError(http.StatusConflict, "workspace_deleted", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once    sync.Once
		spec    []byte
		specErr error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, specErr = json.Marshal(oas)
		})
		if specErr != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", specErr.Error(), nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

type workspacePath struct {
	WorkspaceID string `path:"workspace_id"`
}

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		Description:   "Workspaces start in bootstrapping state and must be activated before they can aggregate.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*output[domain.Workspace], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: input.Body.ID, Name: input.Body.Name, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
	}, func(ctx context.Context, input *struct {
		IncludeDeleted bool `query:"include_deleted"`
	}) (*output[[]domain.Workspace], error) {
		items, err := e.Repo.ListWorkspaces(ctx, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Workspace{}
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workspacePath) (*output[domain.Workspace], error) {
		w, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-workspace-status",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/status",
		Summary:     "Activate or pause a workspace",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string           `path:"workspace_id"`
		Body        SetStatusRequest `json:"body"`
	}) (*output[domain.Workspace], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		switch input.Body.Status {
		case domain.WorkspaceActive, domain.WorkspacePaused:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status must be active or paused", map[string]any{"status": input.Body.Status})
		}
		w, err := e.SetWorkspaceStatus(ctx, input.WorkspaceID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workspace",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Delete workspace",
		Description: "Soft delete. In-flight pipeline runs for the workspace abort without writing a deliverable.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workspacePath) (*output[domain.Workspace], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.DeleteWorkspace(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})
}

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/goals",
		Summary:       "Create goal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		Body        CreateGoalRequest `json:"body"`
	}) (*output[domain.Goal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGoal(ctx, engine.GoalCreateOptions{
			ID:          input.Body.ID,
			WorkspaceID: input.WorkspaceID,
			Description: input.Body.Description,
			MetricType:  input.Body.MetricType,
			TargetValue: input.Body.TargetValue,
			Priority:    input.Body.Priority,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/goals",
		Summary:     "List goals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status" enum:"active,completed,paused"`
	}) (*output[[]domain.Goal], error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListGoals(ctx, input.WorkspaceID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Goal{}
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}",
		Summary:     "Get goal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*output[domain.Goal], error) {
		g, err := e.Repo.GetGoal(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-goal-progress",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/progress",
		Summary:     "Apply a progress delta",
		Description: "Adds a non-negative delta to the goal and re-evaluates the workspace trigger.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		GoalID string          `path:"goal_id"`
		Body   ProgressRequest `json:"body"`
	}) (*output[ProgressResponse], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ch, agg, err := e.ApplyProgress(ctx, input.GoalID, input.Body.Delta, input.Body.Reason)
		if err != nil && ch.Goal.ID == "" {
			return nil, handleError(err)
		}
		// The delta committed even when the follow-up aggregation failed.
		return respond(ProgressResponse{
			Previous:    ch.Previous,
			Delta:       ch.Delta,
			Completed:   ch.Completed,
			Goal:        ch.Goal,
			Aggregation: agg,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-goal-status",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/status",
		Summary:     "Pause or resume a goal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		GoalID string           `path:"goal_id"`
		Body   SetStatusRequest `json:"body"`
	}) (*output[domain.Goal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.SetGoalStatus(ctx, input.GoalID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/reset",
		Summary:     "Reset goal progress to zero",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*output[domain.Goal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.ResetGoal(ctx, input.GoalID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(g), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/tasks/completed",
		Summary:     "Ingest a task completion",
		Description: "Runs the quality gate, applies goal progress and evaluates the deliverable trigger.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string               `path:"workspace_id"`
		Body        TaskCompletedRequest `json:"body"`
	}) (*output[engine.Outcome], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.HandleTaskCompleted(ctx, input.Body.event(input.WorkspaceID, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-tasks-batch",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/tasks/completed/batch",
		Summary:     "Ingest several task completions",
		Description: "Events are processed concurrently. Each result carries its own error; the request fails only when the batch cannot run.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string       `path:"workspace_id"`
		Body        BatchRequest `json:"body"`
	}) (*output[BatchResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Events) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "events required", nil)
		}
		evs := make([]engine.TaskCompletedEvent, 0, len(input.Body.Events))
		for _, ev := range input.Body.Events {
			evs = append(evs, ev.event(input.WorkspaceID, actorID))
		}
		results, err := e.HandleBatch(ctx, evs, input.Body.Concurrency)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(BatchResponse{Results: results}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status" enum:"pending,completed"`
		Decision    string `query:"decision" enum:"auto_approve,ai_enhancement,human_review,course_correction"`
		GoalID      string `query:"goal_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*output[[]domain.Task], error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			WorkspaceID: input.WorkspaceID,
			Status:      input.Status,
			Decision:    input.Decision,
			GoalID:      input.GoalID,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return respond(items), nil
	})
}

func registerTrigger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "diagnose-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/diagnose",
		Summary:     "Explain the deliverable trigger",
		Description: "Evaluates the trigger from fresh reads and lists every blocking reason. Never creates a deliverable.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workspacePath) (*output[engine.Diagnosis], error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Diagnose(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "aggregate-workspace",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/aggregate",
		Summary:     "Run the deliverable trigger now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *workspacePath) (*output[engine.Aggregation], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		agg, err := e.Aggregate(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(agg), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-breaker",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/breaker",
		Summary:     "Deliverable write breaker state",
	}, func(ctx context.Context, input *workspacePath) (*output[resilience.Snapshot], error) {
		snap := resilience.Snapshot{
			Name:  resilience.BreakerName(input.WorkspaceID, engine.OpCreateDeliverable),
			State: resilience.StateClosed,
		}
		if cb, ok := e.Breakers.Lookup(input.WorkspaceID, engine.OpCreateDeliverable); ok {
			snap = cb.Snapshot()
		}
		return respond(snap), nil
	})
}

func registerDeliverables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/deliverables",
		Summary:     "List deliverables",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workspacePath) (*output[[]domain.Deliverable], error) {
		if _, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDeliverables(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Deliverable{}
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deliverable",
		Method:      http.MethodGet,
		Path:        "/deliverables/{deliverable_id}",
		Summary:     "Get deliverable",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeliverableID string `path:"deliverable_id"`
	}) (*output[domain.Deliverable], error) {
		d, err := e.Repo.GetDeliverable(ctx, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-deliverable-goal",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/goal",
		Summary:     "Override a deliverable's goal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DeliverableID string          `path:"deliverable_id"`
		Body          ReassignRequest `json:"body"`
	}) (*output[domain.Deliverable], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReassignDeliverableGoal(ctx, input.DeliverableID, input.Body.GoalID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})
}

func registerInsights(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "store-insight",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/insights",
		Summary:       "Store insight",
		Description:   "Insights are append-only. task_id may be omitted.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string              `path:"workspace_id"`
		Body        StoreInsightRequest `json:"body"`
	}) (*output[InsightCreatedResponse], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		if w.Status == domain.WorkspaceDeleted {
			return nil, handleError(fmt.Errorf("%w: %s", engine.ErrWorkspaceDeleted, w.ID))
		}
		id, err := e.Memory.Store(ctx, domain.Insight{
			WorkspaceID:     input.WorkspaceID,
			TaskID:          input.Body.TaskID,
			AgentRole:       input.Body.AgentRole,
			InsightType:     input.Body.InsightType,
			Content:         input.Body.Content,
			RelevanceTags:   input.Body.RelevanceTags,
			ConfidenceScore: input.Body.ConfidenceScore,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(InsightCreatedResponse{ID: id}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-insights",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/insights",
		Summary:     "Query insights",
		Description: "Most relevant first. Tags are comma separated and match any.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkspaceID   string  `path:"workspace_id"`
		Tags          string  `query:"tags"`
		Type          string  `query:"type" enum:"discovery,constraint,success_pattern,failure_lesson,optimization"`
		MinConfidence float64 `query:"min_confidence"`
		Limit         int     `query:"limit" default:"10"`
	}) (*output[[]domain.Insight], error) {
		items, err := e.Memory.Query(ctx, memory.Query{
			WorkspaceID:   input.WorkspaceID,
			Tags:          splitCSV(input.Tags),
			Type:          input.Type,
			MinConfidence: input.MinConfidence,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Insight{}
		}
		return respond(items), nil
	})
}

func registerQuality(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-quality",
		Method:      http.MethodPost,
		Path:        "/quality/evaluate",
		Summary:     "Run the quality gate on an artifact",
		Description: "Nothing is recorded. Without a score the configured generator grades the content.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EvaluateQualityRequest `json:"body"`
	}) (*output[quality.Assessment], error) {
		if strings.TrimSpace(input.Body.Content) == "" && input.Body.Score == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "content or score required", nil)
		}
		return respond(e.EvaluateQuality(ctx, input.Body.artifact())), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/events",
		Summary:     "List events",
		Description: "Oldest first. next_cursor is the id to pass back as cursor.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind" enum:"workspace,goal,task,deliverable,insight,breaker"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			WorkspaceID: input.WorkspaceID,
			Type:        input.Type,
			EntityKind:  input.EntityKind,
			EntityID:    input.EntityID,
			After:       cursorID,
			Limit:       limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
