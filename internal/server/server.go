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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"revline/internal/config"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/metrics"
	"revline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"budget_exhausted"`
	Message string         `json:"message" example:"project p1 has no revisions left"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"project_id\":\"p1\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the revline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(actorMiddleware)
	router.Use(accessLog(cfg.Log, cfg.Metrics))
	hcfg := huma.DefaultConfig("revline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerClarifications(group, cfg.Engine)
	registerWork(group, cfg.Engine)
	registerSurface(group, cfg.Engine)
	registerRevisions(group, cfg.Engine)
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
	var (
		ve  engine.ValidationError
		ise engine.InvalidStateError
		cpe engine.ClarificationPendingError
		ice engine.IncompleteChecklistError
		bee engine.BudgetExhaustedError
		nfe engine.NotFoundError
		ce  engine.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &nfe):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nfe.Kind, "id": nfe.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &cpe):
		return newAPIError(http.StatusConflict, "clarification_pending", err.Error(), map[string]any{
			"request_id": cpe.RequestID,
			"unresolved": cpe.Unresolved,
		})
	case errors.As(err, &ise):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"entity": ise.Entity,
			"id":     ise.ID,
			"status": ise.Status,
			"action": ise.Action,
		})
	case errors.As(err, &ce), errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &ice):
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_checklist", err.Error(), map[string]any{
			"project_id": ice.ProjectID,
			"incomplete": ice.Incomplete,
		})
	case errors.As(err, &bee):
		return newAPIError(http.StatusUnprocessableEntity, "budget_exhausted", err.Error(), map[string]any{"project_id": bee.ProjectID})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerMetrics(r chi.Router, m *metrics.Metrics) {
	if m == nil {
		return
	}
	r.Handle("/metrics", m.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyActorHeader(oas)
			spec, _ = json.Marshal(oas)
		})
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

// applyActorHeader documents the identification header on every mutating
// operation.
func applyActorHeader(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Post, item.Put, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			op.Parameters = append(op.Parameters, &huma.Param{
				Name:        ActorHeader,
				In:          "header",
				Description: "Acting user. Recorded on events and used to address notifications.",
				Schema:      &huma.Schema{Type: "string"},
			})
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>revline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Identify the caller with the X-Actor-Id header.
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type requestPath struct {
	RequestID string `path:"request_id"`
}

type projectOutput struct {
	Body domain.Project `json:"body"`
}

type requestOutput struct {
	Body domain.ModificationRequest `json:"body"`
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectOutput, error) {
		p, err := e.InitProject(ctx, engine.ProjectInit{
			ID:                        input.Body.ID,
			Name:                      input.Body.Name,
			Description:               input.Body.Description,
			ClientID:                  input.Body.ClientID,
			DesignerID:                input.Body.DesignerID,
			TotalModificationCount:    input.Body.TotalModificationCount,
			AdditionalModificationFee: input.Body.AdditionalModificationFee,
			ActorID:                   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg, err := e.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg := input.Body
		if cfg.Budget.UrgentMultiplier == 0 {
			cfg.Budget.UrgentMultiplier = 1.5
		}
		if cfg.Project.Kind == "" {
			cfg.Project.Kind = config.ProjectKind
		}
		stored, err := e.SetProjectConfig(ctx, input.ProjectID, &cfg, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tracker",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tracker",
		Summary:     "Revision budget tracker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ModificationTracker `json:"body"`
	}, error) {
		tr, err := e.GetTracker(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		tr.AdditionalRequests = nonNilSlice(tr.AdditionalRequests)
		return &struct {
			Body domain.ModificationTracker `json:"body"`
		}{Body: tr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quote-additional-cost",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/additional-cost",
		Summary:     "Quote the cost of a new request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Urgency   string `query:"urgency" enum:"normal,urgent" default:"normal"`
	}) (*struct {
		Body domain.AdditionalCostQuote `json:"body"`
	}, error) {
		q, err := e.CalculateAdditionalCost(ctx, input.ProjectID, input.Urgency)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AdditionalCostQuote `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/history",
		Summary:     "Completed request history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		items, err := e.ListHistory(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/requests",
		Summary:       "Submit a modification request",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		Body      CreateModificationRequest `json:"body"`
	}) (*requestOutput, error) {
		m, err := e.CreateModificationRequest(ctx, engine.RequestCreateOptions{
			ProjectID:               input.ProjectID,
			FeedbackIDs:             input.Body.FeedbackIDs,
			Description:             input.Body.Description,
			Urgency:                 input.Body.Urgency,
			Notes:                   input.Body.Notes,
			EstimatedCompletionDate: input.Body.EstimatedCompletionDate,
			ActorID:                 actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/requests",
		Summary:     "List modification requests",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []domain.ModificationRequest `json:"body"`
	}, error) {
		items, err := e.ListModificationRequests(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ModificationRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get modification request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*requestOutput, error) {
		m, err := e.GetModificationRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/approve",
		Summary:     "Approve modification request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *requestPath) (*requestOutput, error) {
		m, err := e.Approve(ctx, input.RequestID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/reject",
		Summary:     "Reject modification request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string        `path:"request_id"`
		Body      RejectRequest `json:"body"`
	}) (*requestOutput, error) {
		m, err := e.Reject(ctx, input.RequestID, input.Body.Reason, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/complete",
		Summary:     "Complete modification request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *requestPath) (*requestOutput, error) {
		m, err := e.Complete(ctx, input.RequestID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: m}, nil
	})
}

type clarificationOutput struct {
	Body domain.ClarificationRequest `json:"body"`
}

func registerClarifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ask-clarification",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/clarifications",
		Summary:       "Ask the client a clarification question",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string                  `path:"request_id"`
		Body      AskClarificationRequest `json:"body"`
	}) (*clarificationOutput, error) {
		c, err := e.RequestClarification(ctx, input.RequestID, input.Body.FeedbackID, input.Body.Question, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &clarificationOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-clarifications",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/clarifications/reconcile",
		Summary:     "Return a request to pending once every clarification is resolved",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		m, reopened, err := e.ReconcileClarifications(ctx, input.RequestID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: ReconcileResponse{Request: m, Reopened: reopened}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-clarification",
		Method:      http.MethodPost,
		Path:        "/clarifications/{clarification_id}/respond",
		Summary:     "Answer a clarification",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ClarificationID string                      `path:"clarification_id"`
		Body            RespondClarificationRequest `json:"body"`
	}) (*clarificationOutput, error) {
		c, err := e.RespondClarification(ctx, input.ClarificationID, input.Body.Response, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &clarificationOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-clarification",
		Method:      http.MethodPost,
		Path:        "/clarifications/{clarification_id}/resolve",
		Summary:     "Mark an answered clarification resolved",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ClarificationID string `path:"clarification_id"`
	}) (*clarificationOutput, error) {
		c, err := e.ResolveClarification(ctx, input.ClarificationID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &clarificationOutput{Body: c}, nil
	})
}

type workOutput struct {
	Body domain.WorkProgress `json:"body"`
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-progress",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/work",
		Summary:       "Start work with a checklist",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string                    `path:"request_id"`
		Body      CreateWorkProgressRequest `json:"body"`
	}) (*workOutput, error) {
		wp, err := e.CreateWorkProgress(ctx, input.RequestID, input.Body.Items, input.Body.EstimatedCompletion, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &workOutput{Body: wp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-progress",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/work",
		Summary:     "Get work progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*workOutput, error) {
		wp, err := e.GetWorkProgress(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workOutput{Body: wp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/requests/{request_id}/work/items/{item_id}",
		Summary:     "Update a checklist item",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string                    `path:"request_id"`
		ItemID    string                    `path:"item_id"`
		Body      engine.ChecklistItemPatch `json:"body"`
	}) (*workOutput, error) {
		wp, err := e.UpdateChecklistItem(ctx, input.RequestID, input.ItemID, input.Body, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &workOutput{Body: wp}, nil
	})
}

type surfaceItemOutput struct {
	Body domain.SurfaceItem `json:"body"`
}

func registerSurface(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-surface-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/surface",
		Summary:       "Add an item to the active revision",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      AddSurfaceItemRequest `json:"body"`
	}) (*surfaceItemOutput, error) {
		item, err := e.AddSurfaceItem(ctx, engine.SurfaceItemInput{
			ProjectID:    input.ProjectID,
			Kind:         input.Body.Kind,
			Title:        input.Body.Title,
			Content:      input.Body.Content,
			CommentCount: input.Body.CommentCount,
			ActorID:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &surfaceItemOutput{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-surface",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/surface",
		Summary:     "List the active revision surface",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.SurfaceItem `json:"body"`
	}, error) {
		items, err := e.ListActiveSurface(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SurfaceItem `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-surface-item",
		Method:      http.MethodPost,
		Path:        "/surface/{item_id}/complete",
		Summary:     "Check or uncheck a checklist item on the active revision",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string                     `path:"item_id"`
		Body   CompleteSurfaceItemRequest `json:"body" required:"false"`
	}) (*surfaceItemOutput, error) {
		completed := true
		if input.Body.Completed != nil {
			completed = *input.Body.Completed
		}
		item, err := e.SetSurfaceItemCompleted(ctx, input.ItemID, completed, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &surfaceItemOutput{Body: item}, nil
	})
}

func registerRevisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-revision",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/revisions/advance",
		Summary:     "Archive the active revision and open the next one",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.RevisionAdvance `json:"body"`
	}, error) {
		adv, err := e.ApproveAndAdvanceRevision(ctx, input.ProjectID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RevisionAdvance `json:"body"`
		}{Body: adv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-revisions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/revisions",
		Summary:     "List archived revisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.RevisionArchive `json:"body"`
	}, error) {
		items, err := e.ListArchives(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RevisionArchive `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-revision",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/revisions/{revision}",
		Summary:     "Get an archived revision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Revision  int    `path:"revision" minimum:"1"`
	}) (*struct {
		Body domain.RevisionArchive `json:"body"`
	}, error) {
		arch, err := e.GetArchive(ctx, input.ProjectID, input.Revision)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RevisionArchive `json:"body"`
		}{Body: arch}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,request,clarification,checklist_item,surface_item"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
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
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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
