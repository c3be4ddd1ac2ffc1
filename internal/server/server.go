package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/engine"
	"mgmtsystem/internal/metrics"
	"mgmtsystem/internal/repo"
	"mgmtsystem/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics defaults to the engine's registry.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"Evaluation Comments are required in order to close a Nonconformity."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"rule\":\"done_requires_evaluation\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the nonconformity API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Engine.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	m := cfg.Metrics
	if m == nil {
		m = cfg.Engine.Metrics
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is kept for guard failures.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Method(http.MethodGet, "/metrics", m.Handler())

	hcfg := huma.DefaultConfig("Nonconformity API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group, cfg.Engine)
	registerNonconformities(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerReminders(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
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
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", ve.Message, map[string]any{
			"rule":      ve.Rule,
			"record_id": ve.RecordID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, workflow.ErrUnknownStage) {
		return newAPIError(http.StatusBadRequest, "unknown_stage", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
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
		for _, op := range operations(item) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Nonconformity API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; when the server has a JWT secret.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List stages in display order",
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope" enum:"nonconformity,action"`
	}) (*struct {
		Body []domain.Stage `json:"body"`
	}, error) {
		items, err := e.Repo.ListStages(ctx, e.DB, input.Scope)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Stage{}
		}
		return &struct {
			Body []domain.Stage `json:"body"`
		}{Body: items}, nil
	})
}

func registerNonconformities(api huma.API, e *engine.Engine) {
	type ncOutput struct {
		Body NonconformityResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-nonconformity",
		Method:        http.MethodPost,
		Path:          "/nonconformities",
		Summary:       "Create a nonconformity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateNonconformityRequest `json:"body"`
	}) (*ncOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		nc, err := e.CreateNonconformity(ctx, input.Body.options(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &ncOutput{Body: nonconformityResponse(e, nc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-nonconformities",
		Method:      http.MethodGet,
		Path:        "/nonconformities",
		Summary:     "List nonconformities",
	}, func(ctx context.Context, input *struct {
		StageID           string `query:"stage_id"`
		State             string `query:"state" enum:"draft,analysis,pending,open,done,cancel"`
		ResponsibleUserID string `query:"responsible_user_id"`
		Limit             int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedNonconformities `json:"body"`
	}, error) {
		items, err := e.ListNonconformities(ctx, repo.NonconformityFilters{
			StageID:           input.StageID,
			State:             input.State,
			ResponsibleUserID: input.ResponsibleUserID,
			Limit:             normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedNonconformities{Items: make([]NonconformityResponse, 0, len(items))}
		for _, nc := range items {
			resp.Items = append(resp.Items, nonconformityResponse(e, nc))
		}
		return &struct {
			Body paginatedNonconformities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-nonconformity",
		Method:      http.MethodGet,
		Path:        "/nonconformities/{id}",
		Summary:     "Get a nonconformity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*ncOutput, error) {
		nc, err := e.GetNonconformity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncOutput{Body: nonconformityResponse(e, nc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-nonconformity",
		Method:      http.MethodPatch,
		Path:        "/nonconformities/{id}",
		Summary:     "Update a nonconformity",
		Description: "Applies the given fields. Moving to another stage runs the stage guard and its side effects in the same transaction.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body UpdateNonconformityRequest `json:"body"`
	}) (*ncOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		nc, err := e.UpdateNonconformity(ctx, input.ID, input.Body.change(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ncOutput{Body: nonconformityResponse(e, nc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "nonconformity-url",
		Method:      http.MethodGet,
		Path:        "/nonconformities/{id}/url",
		Summary:     "Deep link to the record in the web client",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body URLResponse `json:"body"`
	}, error) {
		if _, err := e.GetNonconformity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body URLResponse `json:"body"`
		}{Body: URLResponse{URL: e.NonconformityURL(input.ID)}}, nil
	})
}

func registerActions(api huma.API, e *engine.Engine) {
	type actionOutput struct {
		Body domain.Action `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Create an action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateActionRequest `json:"body"`
	}) (*actionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		a, err := e.CreateAction(ctx, engine.ActionCreateOptions{
			ID:                input.Body.ID,
			Name:              input.Body.Name,
			Type:              input.Body.Type,
			StageID:           input.Body.StageID,
			ResponsibleUserID: input.Body.ResponsibleUserID,
			DateDeadline:      input.Body.DateDeadline,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &actionOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
	}, func(ctx context.Context, input *struct {
		StageID string `query:"stage_id"`
		Type    string `query:"type" enum:"immediate,corrective,preventive,improvement"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		items, err := e.ListActions(ctx, repo.ActionFilters{StageID: input.StageID, Type: input.Type, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Action{}
		}
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: paginatedActions{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}",
		Summary:     "Get an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*actionOutput, error) {
		a, err := e.GetAction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &actionOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-action",
		Method:      http.MethodPatch,
		Path:        "/actions/{id}",
		Summary:     "Move an action to another stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateActionRequest `json:"body"`
	}) (*actionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		a, err := e.SetActionStage(ctx, input.ID, input.Body.StageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &actionOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/open",
		Summary:     "Open an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*actionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		a, err := e.OpenAction(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &actionOutput{Body: a}, nil
	})
}

func registerReminders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-reminders",
		Method:      http.MethodPost,
		Path:        "/reminders/run",
		Summary:     "Run the deadline reminder sweep now",
	}, func(ctx context.Context, input *struct {
		Body *RunRemindersRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.ReminderResult `json:"body"`
	}, error) {
		days := -1
		if input.Body != nil && input.Body.Days != nil {
			days = *input.Body.Days
		}
		res, err := e.ProcessReminderQueue(ctx, days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReminderResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"nonconformity,action"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func nonconformityResponse(e *engine.Engine, nc domain.Nonconformity) NonconformityResponse {
	return NonconformityResponse{Nonconformity: nc, URL: e.NonconformityURL(nc.ID)}
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
