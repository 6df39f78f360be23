// Package server exposes the registration engine over HTTP and delivers
// queued notifications to webhooks.
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"drawline/internal/domain"
	"drawline/internal/engine"
	"drawline/internal/engine/auth"
	"drawline/internal/metrics"
	"drawline/internal/registration"
	"drawline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics is served at /metrics when set.
	Metrics *metrics.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_full"`
	Message string         `json:"message" example:"waiting list is full"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the drawline API.
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
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Drawline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerParticipants(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerEntrants(group, cfg.Engine)
	registerOrganizer(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs one line per request and seeds the request context
// with the global logger so engine code can use zerolog.Ctx.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		logger := log.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context())))
		logger.Debug().Int("status", rec.status).Dur("took", time.Since(start)).Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var rejected *registration.RejectedError
	if errors.As(err, &rejected) {
		details := map[string]any{}
		if rejected.ParticipantID != "" {
			details["participant_id"] = rejected.ParticipantID
		}
		if rejected.Pool != "" {
			details["pool"] = string(rejected.Pool)
		}
		return newAPIError(http.StatusConflict, string(rejected.Reason), err.Error(), details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var ie *registration.InvariantError
	if errors.As(err, &ie) {
		log.Error().Err(err).Str("event", ie.EventID).Msg("corrupted event aggregate")
		return newAPIError(http.StatusInternalServerError, "invariant_violation", err.Error(), map[string]any{"event_id": ie.EventID})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "version_conflict", "event changed concurrently, retry the request", nil)
	case errors.Is(err, engine.ErrExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "canceled", "request canceled", nil)
	default:
		log.Error().Err(err).Msg("unhandled error")
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
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Drawline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-participant",
		Method:        http.MethodPost,
		Path:          "/participants",
		Summary:       "Register a participant profile",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateParticipantRequest `json:"body"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		p, err := e.CreateParticipant(ctx, domain.Participant{
			ID:    input.Body.ID,
			Name:  input.Body.Name,
			Email: input.Body.Email,
			Phone: input.Body.Phone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}",
		Summary:     "Get participant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ParticipantID string `path:"participant_id"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		if _, err := sessionFromContext(ctx, e); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetParticipant(ctx, input.ParticipantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current participant and event memberships",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		memberships, err := e.Repo.ListMemberships(ctx, s.Participant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{Participant: s.Participant, AdminMode: s.AdminMode, Memberships: nonNilSlice(memberships)}}, nil
	})
}

type eventPath struct {
	EventID string `path:"event_id"`
}

type eventBody struct {
	Body EventResponse `json:"body"`
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Create event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*eventBody, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := e.CreateEvent(ctx, s, engine.EventCreateOptions{
			ID:              input.Body.ID,
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			MaxRegistration: input.Body.MaxRegistration,
			SelectNum:       input.Body.SelectNum,
			StartAt:         input.Body.StartAt,
			EndAt:           input.Body.EndAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &eventBody{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrganizerID   string `query:"organizer_id"`
		ParticipantID string `query:"participant_id"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := sessionFromContext(ctx, e); err != nil {
			return nil, handleError(err)
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			OrganizerID:     input.OrganizerID,
			ParticipantID:   input.ParticipantID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, ev := range items {
			resp.Items = append(resp.Items, eventResponse(ev))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event with its four pools",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*eventBody, error) {
		if _, err := sessionFromContext(ctx, e); err != nil {
			return nil, handleError(err)
		}
		ev, err := e.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &eventBody{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-event",
		Method:      http.MethodPatch,
		Path:        "/events/{event_id}",
		Summary:     "Update event details",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string             `path:"event_id"`
		Body    UpdateEventRequest `json:"body"`
	}) (*eventBody, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := e.UpdateEvent(ctx, s, input.EventID, engine.EventUpdateOptions{
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			MaxRegistration: input.Body.MaxRegistration,
			StartAt:         input.Body.StartAt,
			EndAt:           input.Body.EndAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &eventBody{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-event",
		Method:        http.MethodDelete,
		Path:          "/events/{event_id}",
		Summary:       "Delete event",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct{}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteEvent(ctx, s, input.EventID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-membership",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/membership",
		Summary:     "Which pool a participant is in",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID       string `path:"event_id"`
		ParticipantID string `query:"participant_id" doc:"Defaults to the caller"`
	}) (*struct {
		Body engine.MembershipStatus `json:"body"`
	}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		id := strings.TrimSpace(input.ParticipantID)
		if id == "" {
			id = s.Participant.ID
		}
		st, err := e.Membership(ctx, input.EventID, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MembershipStatus `json:"body"`
		}{Body: st}, nil
	})
}

// registerEntrants exposes the transitions a participant performs on their
// own registration.
func registerEntrants(api huma.API, e engine.Engine) {
	actions := []struct {
		id, verb, summary string
		run               func(context.Context, domain.Session, string) (domain.Event, error)
	}{
		{"join-event", "join", "Join the waiting list", e.Join},
		{"leave-event", "leave", "Leave the waiting list", e.Leave},
		{"accept-invitation", "accept", "Accept an invitation and enroll", e.Accept},
		{"decline-invitation", "decline", "Decline an invitation", e.Decline},
	}
	for _, a := range actions {
		huma.Register(api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodPost,
			Path:        "/events/{event_id}/" + a.verb,
			Summary:     a.summary,
			Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *eventPath) (*eventBody, error) {
			s, err := sessionFromContext(ctx, e)
			if err != nil {
				return nil, handleError(err)
			}
			ev, err := a.run(ctx, s, input.EventID)
			if err != nil {
				return nil, handleError(err)
			}
			return &eventBody{Body: eventResponse(ev)}, nil
		})
	}
}

func registerOrganizer(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "revoke-invitation",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/revoke",
		Summary:     "Cancel an entrant's invitation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string        `path:"event_id"`
		Body    RevokeRequest `json:"body"`
	}) (*eventBody, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := e.Revoke(ctx, s, input.EventID, input.Body.ParticipantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &eventBody{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-lottery",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/lottery",
		Summary:     "Draw invitees from the waiting list",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string          `path:"event_id"`
		Body    *LotteryRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body LotteryResponse `json:"body"`
	}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		var opts engine.LotteryOptions
		if input.Body != nil {
			opts.SelectNum = input.Body.SelectNum
			opts.Message = input.Body.Message
		}
		res, err := e.RunLottery(ctx, s, input.EventID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LotteryResponse `json:"body"`
		}{Body: LotteryResponse{
			Event:         eventResponse(res.Event),
			Invited:       nonNilSlice(res.Invited),
			Notifications: nonNilSlice(res.Notifications),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "notify-pool",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/notify",
		Summary:     "Queue a message for everyone in one pool",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string        `path:"event_id"`
		Body    NotifyRequest `json:"body"`
	}) (*struct {
		Body NotifyResponse `json:"body"`
	}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		notes, err := e.Notify(ctx, s, input.EventID, registration.Pool(input.Body.Pool), input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotifyResponse `json:"body"`
		}{Body: NotifyResponse{Queued: len(notes), Notifications: nonNilSlice(notes)}}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notifications addressed to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TargetID string `query:"target_id" doc:"Admins may read another participant's notifications"`
		EventID  string `query:"event_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedNotifications `json:"body"`
	}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		target := strings.TrimSpace(input.TargetID)
		if target == "" {
			target = s.Participant.ID
		}
		if target != s.Participant.ID && !s.AdminMode {
			return nil, handleError(auth.ForbiddenError{Action: "read other participants' notifications"})
		}
		cursor, err := parseIDCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilters{
			TargetID: target,
			EventID:  input.EventID,
			Limit:    limit + 1,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedNotifications{Items: []domain.Notification{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedNotifications `json:"body"`
		}{Body: resp}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/activity",
		Summary:     "Audit log of an event",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		Type    string `query:"type"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedActivity `json:"body"`
	}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := e.Repo.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := auth.CanManage(s, ev, "read event activity"); err != nil {
			return nil, handleError(err)
		}
		cursor, err := parseIDCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestActivity(ctx, repo.ActivityFilters{EventID: ev.ID, Type: input.Type, Limit: limit + 1, Cursor: cursor})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActivity{Items: []domain.Activity{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedActivity `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		s, err := sessionFromContext(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		key, raw, err := e.CreateAPIKey(ctx, s, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ParticipantID: key.ParticipantID, Name: key.Name, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	if !authCfg.EnableDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing participant",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.Repo.GetParticipant(ctx, strings.TrimSpace(input.Body.ParticipantID))
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Admin && !e.Config.IsAdmin(p.ID) {
			return nil, handleError(auth.ForbiddenError{Action: "use admin mode"})
		}
		token, err := signDevToken(authCfg.JWTSecret, p.ID, input.Body.Admin, authCfg.TokenTTL, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

func parseIDCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return id, nil
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || ts == "" || id == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return ts, id, nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
