package server

import (
	"bytes"
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/repo"
	"signoff/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_vote"`
	Message string         `json:"message" example:"voter already voted on this draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the signoff API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(newActorLimiter(cfg.RateLimit).middleware)
	hcfg := huma.DefaultConfig("Signoff API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDrafts(group, cfg.Engine)
	registerVotes(group, cfg.Engine)
	registerCommit(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
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
	return handleErrorWithDetails(err, nil)
}

// handleErrorWithDetails maps engine errors onto the envelope. details is
// merged into the response, e.g. the recorded vote when evaluation failed.
func handleErrorWithDetails(err error, details map[string]any) huma.StatusError {
	if err == nil {
		return nil
	}
	with := func(extra map[string]any) map[string]any {
		if len(details) == 0 {
			return extra
		}
		if extra == nil {
			extra = map[string]any{}
		}
		for k, v := range details {
			extra[k] = v
		}
		return extra
	}
	msg := err.Error()

	var ce *engine.CommitError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "commit_failed", msg, with(map[string]any{"draft_id": ce.DraftID}))
	}
	var le *engine.ThresholdLookupError
	if errors.As(err, &le) {
		return newAPIError(http.StatusServiceUnavailable, "threshold_lookup_failed", msg, with(map[string]any{"rule_key": le.RuleKey}))
	}
	var ie engine.IllegalTransitionError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusInternalServerError, "illegal_transition", msg, with(map[string]any{"from": ie.From, "to": ie.To}))
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", msg, with(map[string]any{"action": fe.Action, "roles": fe.Roles}))
	}

	switch {
	case errors.Is(err, repo.ErrDuplicateVote):
		return newAPIError(http.StatusConflict, "duplicate_vote", msg, with(nil))
	case errors.Is(err, engine.ErrDraftNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, with(nil))
	case errors.Is(err, engine.ErrNoRules):
		return newAPIError(http.StatusNotFound, "no_rules", msg, with(nil))
	case errors.Is(err, engine.ErrDraftExpired):
		return newAPIError(http.StatusGone, "draft_expired", msg, with(nil))
	case errors.Is(err, engine.ErrDraftClosed):
		return newAPIError(http.StatusConflict, "draft_closed", msg, with(nil))
	case errors.Is(err, engine.ErrNotReady):
		return newAPIError(http.StatusConflict, "not_ready", msg, with(nil))
	case errors.Is(err, engine.ErrMissingAuthorization), errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, with(nil))
	case errors.Is(err, engine.ErrNoMatchingRule), errors.Is(err, rules.ErrNoMatch):
		return newAPIError(http.StatusUnprocessableEntity, "no_matching_rule", msg, with(nil))
	case errors.Is(err, engine.ErrInvalidPayload), errors.Is(err, rules.ErrInvalidRuleSet), errors.Is(err, rules.ErrStaleVersion):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_payload", msg, with(nil))
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", with(map[string]any{"error": msg}))
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
	case http.StatusForbidden:
		return "forbidden"
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Signoff API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Create draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDraftRequest `json:"body"`
	}) (*struct {
		Body engine.DraftRef `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := payloadBytes(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		ref, err := e.CreateDraft(ctx, engine.CreateDraftInput{
			Kind:      domain.DraftKind(input.Body.Kind),
			CreatorID: actorID,
			Payload:   payload,
			RuleKey:   strings.TrimSpace(input.Body.RuleKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DraftRef `json:"body"`
		}{Body: ref}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List open drafts",
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind" enum:"tx_sign,rule_change"`
	}) (*struct {
		Body []engine.DraftSummary `json:"body"`
	}, error) {
		items, err := e.ListOpenDrafts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]engine.DraftSummary, 0, len(items))
		for _, it := range items {
			if input.Kind == "" || string(it.Kind) == input.Kind {
				out = append(out, it)
			}
		}
		return &struct {
			Body []engine.DraftSummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get draft with votes and evaluation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		detail, err := e.GetDraft(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-draft",
		Method:        http.MethodDelete,
		Path:          "/drafts/{draft_id}",
		Summary:       "Cancel draft",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CancelDraft(ctx, input.DraftID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerVotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "vote",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/votes",
		Summary:     "Approve or reject a draft",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string      `path:"draft_id"`
		Body    VoteRequest `json:"body"`
	}) (*struct {
		Body VoteResultResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Vote(ctx, engine.VoteInput{
			DraftID:       input.DraftID,
			VoterID:       actorID,
			Approve:       input.Body.Approve,
			Authorization: input.Body.Authorization,
		})
		if err != nil {
			var details map[string]any
			if res.DraftID != "" {
				details = map[string]any{"vote": voteResultResponse(res)}
			}
			return nil, handleErrorWithDetails(err, details)
		}
		return &struct {
			Body VoteResultResponse `json:"body"`
		}{Body: voteResultResponse(res)}, nil
	})
}

func registerCommit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "commit-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/commit",
		Summary:     "Sign and commit an approved draft",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := e.Commit(ctx, input.DraftID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(ref)}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "current-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "Current rule configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RulesResponse `json:"body"`
	}, error) {
		cfg, err := e.CurrentRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RulesResponse `json:"body"`
		}{Body: rulesResponse(cfg)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"draft,rules,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"Return events after this id, oldest first"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			AfterID:    cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			if cursorID > 0 {
				resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			}
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and roles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		grants, err := e.ListRoleGrants(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
			Roles:   rolesOf(grants),
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

// payloadBytes turns the decoded request payload back into bytes. A string is
// taken verbatim so rule sets can be sent as YAML text.
func payloadBytes(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, errors.New("payload is required")
	case string:
		if strings.TrimSpace(p) == "" {
			return nil, errors.New("payload is required")
		}
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
