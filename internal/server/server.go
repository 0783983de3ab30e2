package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/engine"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"deal d-1: terms_accepted not allowed from proposal_sent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

type bodyOut[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *bodyOut[T] {
	return &bodyOut[T]{Body: v}
}

// New returns an HTTP handler exposing the franky API and, at the root,
// the prometheus /metrics endpoint.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema violations are client input errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	e := cfg.Engine
	reqLog := e.Logger
	if reqLog == nil {
		reqLog = logger.Discard()
	}
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			ctx = logger.ContextWithLogger(ctx, reqLog.With("method", r.Method, "path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.Repo))
	if e.Metrics != nil {
		router.Handle("/metrics", e.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("franky API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLeads(group, e)
	registerDeals(group, e)
	registerProjects(group, e)
	registerTasks(group, e)
	registerEvents(group, e)
	registerAPIKeys(group, e)
	registerMe(group)
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
	var (
		ve domain.ValidationError
		ce domain.CycleError
		se domain.StateError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &ce):
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", err.Error(), map[string]any{"path": ce.Path})
	case errors.As(err, &se):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"entity": se.Entity, "id": se.ID, "from": se.From})
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI serves the document, built once on the first request.
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

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>franky API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Score and store a lead",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitLeadRequest `json:"body"`
	}) (*bodyOut[domain.Lead], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.SubmitLead(ctx, engine.LeadSubmitOptions{
			ID:           input.Body.ID,
			BusinessName: input.Body.BusinessName,
			Industry:     input.Body.Industry,
			Contact:      input.Body.Contact,
			Signals:      input.Body.Signals,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads by score",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Classification string `query:"classification" enum:"hot,warm,lukewarm,cold"`
		Limit          int    `query:"limit" default:"50"`
	}) (*bodyOut[[]domain.Lead], error) {
		items, err := e.ListLeads(ctx, input.Classification, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{lead_id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LeadID string `path:"lead_id"`
	}) (*bodyOut[domain.Lead], error) {
		l, err := e.GetLead(ctx, input.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(l), nil
	})
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Open a deal for a lead",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body OpenDealRequest `json:"body"`
	}) (*bodyOut[domain.Deal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.OpenDeal(ctx, input.Body.LeadID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		LeadID string `query:"lead_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*bodyOut[[]domain.Deal], error) {
		items, err := e.ListDeals(ctx, repo.DealFilters{Status: input.Status, LeadID: input.LeadID, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal with history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*bodyOut[domain.Deal], error) {
		d, err := e.GetDeal(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-deal-event",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/events",
		Summary:     "Apply an event to a deal",
		Description: "Events with a seq at or below the deal's last seq are acknowledged without effect.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DealID string           `path:"deal_id"`
		Body   DealEventRequest `json:"body"`
	}) (*bodyOut[engine.DealResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyDealEvent(ctx, input.DealID, input.Body.event(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tick-deals",
		Method:      http.MethodPost,
		Path:        "/deals/tick",
		Summary:     "Fire due deal timeouts",
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[map[string]int], error) {
		n, err := e.Tick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(map[string]int{"advanced": n}), nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project and its task graph",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SubmitProjectRequest `json:"body"`
	}) (*bodyOut[domain.Project], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitProject(ctx, input.Body.options(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Run {
			if err := e.StartProject(ctx, p.ID); err != nil {
				return nil, handleError(err)
			}
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*bodyOut[[]domain.Project], error) {
		items, err := e.ListProjects(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	type projectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyOut[domain.Project], error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-report",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/report",
		Summary:     "Progress against the timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyOut[engine.Report], error) {
		r, err := e.ProjectReport(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-project",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/run",
		Summary:       "Start the project runner",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*bodyOut[RunAccepted], error) {
		if err := e.StartProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return reply(RunAccepted{ProjectID: input.ProjectID, Running: true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Cancel every unfinished task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyOut[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CancelProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOut[domain.Task], error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reset",
		Summary:     "Return a failed, blocked or escalated task to pending",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*bodyOut[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ResetTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-task-escalation",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/escalation",
		Summary:     "Approve or reject an escalated task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string                   `path:"task_id"`
		Body   ResolveEscalationRequest `json:"body"`
	}) (*bodyOut[domain.Task], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ResolveTaskEscalation(ctx, input.TaskID, input.Body.Approve, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the event log after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"lead,deal,project,task,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOut[PaginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			After:      cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*bodyOut[CreateAPIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID != "" {
			actorID = input.Body.ActorID
		}
		key, secret, err := e.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CreateAPIKeyResponse{Key: key, Secret: secret}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*bodyOut[[]domain.APIKey], error) {
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(keys)), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}), nil
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

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
