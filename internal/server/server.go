package server

import (
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"concursohub/internal/domain"
	"concursohub/internal/engine"
	"concursohub/internal/engine/auth"
	"concursohub/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"job_running"`
	Message string         `json:"message" example:"refresh job already running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"titulo\":\"required\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// New returns an HTTP handler exposing the contest API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(tracing())
	router.Use(accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("concursohub API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPublic(group, cfg.Engine)
	registerContests(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// tracing continues the caller's trace from the request headers and wraps the
// request in a server span.
func tracing() func(http.Handler) http.Handler {
	tracer := otel.Tracer("concursohub/internal/server")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", ww.Status()))
			if ww.Status() >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(ww.Status()))
			}
		})
	}
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		details := make(map[string]any, len(ve.Fields))
		for k, v := range ve.Fields {
			details[k] = v
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	switch {
	case errors.Is(err, engine.ErrJobRunning):
		return newAPIError(http.StatusConflict, "job_running", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrSlugTaken):
		return newAPIError(http.StatusConflict, "slug_taken", err.Error(), nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	healthPath := path.Join("/", basePath, "health")
	publicPrefix := path.Join("/", basePath, "public") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || (op == item.Get && strings.HasPrefix(route, publicPrefix)) {
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
    <title>concursohub API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

type contestListQuery struct {
	Q             string `query:"q" doc:"Matches titulo, orgao or banca"`
	Status        string `query:"status"`
	ExcludeStatus string `query:"exclude_status" doc:"Comma-separated statuses to leave out"`
	Abrangencia   string `query:"abrangencia" doc:"nacional, estadual or municipal"`
	UF            string `query:"uf"`
	Limit         int    `query:"limit" default:"50"`
	Cursor        string `query:"cursor"`
}

func listContests(ctx context.Context, e engine.Engine, in *contestListQuery) (paginatedContests, error) {
	limit := normalizeLimit(in.Limit)
	f := domain.ContestFilters{
		Query:         in.Q,
		Status:        domain.Status(strings.TrimSpace(in.Status)),
		ExcludeStatus: splitStatuses(in.ExcludeStatus),
		Abrangencia:   in.Abrangencia,
		UF:            in.UF,
		Limit:         limit + 1,
	}
	if in.Cursor != "" {
		createdAt, id, err := decodeContestCursor(in.Cursor)
		if err != nil {
			return paginatedContests{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"cursor": in.Cursor})
		}
		f.CursorCreatedAt, f.CursorID = createdAt, id
	}
	items, err := e.ListContests(ctx, f)
	if err != nil {
		return paginatedContests{}, handleError(err)
	}
	resp := paginatedContests{Items: []domain.Contest{}}
	if len(items) > limit {
		items = items[:limit]
		resp.NextCursor = encodeContestCursor(items[limit-1])
	}
	resp.Items = append(resp.Items, items...)
	return resp, nil
}

func registerPublic(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "public-list-contests",
		Method:      http.MethodGet,
		Path:        "/public/contests",
		Summary:     "Search contests",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *contestListQuery) (*struct {
		Body paginatedContests `json:"body"`
	}, error) {
		resp, err := listContests(ctx, e, input)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedContests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "public-get-contest",
		Method:      http.MethodGet,
		Path:        "/public/contests/{slug}",
		Summary:     "Contest detail by slug",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*struct {
		Body domain.Contest `json:"body"`
	}, error) {
		c, err := e.GetContestBySlug(ctx, input.Slug)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contest `json:"body"`
		}{Body: c}, nil
	})
}

func registerContests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contests",
		Method:      http.MethodGet,
		Path:        "/contests",
		Summary:     "List contests",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *contestListQuery) (*struct {
		Body paginatedContests `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		resp, err := listContests(ctx, e, input)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedContests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-contest",
		Method:        http.MethodPost,
		Path:          "/contests",
		Summary:       "Create contest",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.ContestInput
	}) (*struct {
		Body domain.Contest `json:"body"`
	}, error) {
		actorID, authErr := requirePermission(ctx, auth.PermContestWrite)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateContest(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contest `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-status",
		Method:      http.MethodPost,
		Path:        "/contests/status-preview",
		Summary:     "Derive a status without saving",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body StatusPreviewRequest
	}) (*struct {
		Body StatusPreviewResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var at time.Time
		if input.Body.Now != nil && strings.TrimSpace(*input.Body.Now) != "" {
			parsed, ok := status.ParseDate(input.Body.Now)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid now", map[string]any{"now": *input.Body.Now})
			}
			at = parsed
		}
		f := status.Fields{
			InscricaoInicio: input.Body.DataInscricaoInicio,
			InscricaoFim:    input.Body.DataInscricaoFim,
			Prova:           input.Body.DataProva,
			Resultado:       input.Body.DataResultado,
		}
		if input.Body.Status != nil {
			f.Status = domain.Status(strings.TrimSpace(*input.Body.Status))
		}
		derived, day := e.PreviewStatus(f, at)
		return &struct {
			Body StatusPreviewResponse `json:"body"`
		}{Body: StatusPreviewResponse{Status: derived, Date: day.Format(time.DateOnly)}}, nil
	})

	type contestPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-contest",
		Method:      http.MethodGet,
		Path:        "/contests/{id}",
		Summary:     "Get contest",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *contestPath) (*struct {
		Body domain.Contest `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.GetContest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contest `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-contest",
		Method:      http.MethodPatch,
		Path:        "/contests/{id}",
		Summary:     "Update contest",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body domain.ContestPatch
	}) (*struct {
		Body domain.Contest `json:"body"`
	}, error) {
		actorID, authErr := requirePermission(ctx, auth.PermContestWrite)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateContest(ctx, input.ID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contest `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-contest",
		Method:        http.MethodDelete,
		Path:          "/contests/{id}",
		Summary:       "Delete contest",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *contestPath) (*struct{}, error) {
		actorID, authErr := requirePermission(ctx, auth.PermContestDelete)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteContest(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "refresh-status",
		Method:      http.MethodPost,
		Path:        "/jobs/refresh-status",
		Summary:     "Run the status refresh job",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.RefreshResult `json:"body"`
	}, error) {
		actorID, authErr := requirePermission(ctx, auth.PermJobRun)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RefreshStatuses(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RefreshResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "Registrations closing or opening soon",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ClosingDays int `query:"closing_days" minimum:"0"`
		OpeningDays int `query:"opening_days" minimum:"0"`
	}) (*struct {
		Body engine.AlertsReport `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rep, err := e.Alerts(ctx, input.ClosingDays, input.OpeningDays)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AlertsReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Counts by status and stale records",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calendar",
		Method:      http.MethodGet,
		Path:        "/calendar",
		Summary:     "Date milestones in a window",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		From string `query:"from" doc:"YYYY-MM-DD, defaults to today"`
		To   string `query:"to" doc:"YYYY-MM-DD, defaults to 30 days after from"`
	}) (*struct {
		Body CalendarResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		from, err := queryDate("from", input.From)
		if err != nil {
			return nil, err
		}
		to, err := queryDate("to", input.To)
		if err != nil {
			return nil, err
		}
		items, calErr := e.Calendar(ctx, from, to)
		if calErr != nil {
			return nil, handleError(calErr)
		}
		from, to = e.CalendarRange(from, to)
		resp := CalendarResponse{
			From:       from.Format(time.DateOnly),
			To:         to.Format(time.DateOnly),
			Milestones: items,
		}
		return &struct {
			Body CalendarResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func queryDate(name, raw string) (time.Time, huma.StatusError) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, ok := status.ParseDate(&raw)
	if !ok {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return t, nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" doc:"contest, job or api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, domain.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   cursorID,
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

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		actorID, authErr := requirePermission(ctx, auth.PermAPIKeyManage)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Role, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{Key: key, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body paginatedAPIKeys `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, auth.PermAPIKeyManage); authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAPIKeys{Items: []domain.APIKey{}}
		resp.Items = append(resp.Items, keys...)
		return &struct {
			Body paginatedAPIKeys `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requirePermission(ctx, auth.PermAPIKeyManage); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
