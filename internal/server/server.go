// Package server exposes the operator API: inspect the ledger, compose jobs,
// and drive sends. It is a loopback surface; federation traffic never passes
// through here.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"federator/internal/config"
	"federator/internal/engine"
	"federator/internal/ledger"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Store    ledger.Store
	Peers    *config.Config
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"job not found"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown target"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "is empty"),
		strings.Contains(lowered, "must carry"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", msg)
	}
}

// New returns the operator API handler rooted at cfg.BasePath.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Schema validation failures surface as plain bad requests.
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Logger))
	hcfg := huma.DefaultConfig("Federator API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerJobs(group, cfg)
	registerInbox(group, cfg.Store)
	registerPeers(group, cfg.Peers)

	return router, nil
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

func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List outbox jobs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		jobs, err := cfg.Store.ListJobs(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Items: jobs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Compose and queue a job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body CreateJobResponse `json:"body"`
	}, error) {
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required")
		}
		if input.Body.Source == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "source is required")
		}
		opts := engine.ComposeOptions{
			IncludeDocument: true,
			IncludeSummary:  input.Body.IncludeSummary,
			Summary:         input.Body.Summary,
		}
		if input.Body.IncludeDocument != nil {
			opts.IncludeDocument = *input.Body.IncludeDocument
		}
		jobID, err := cfg.Engine.ComposeJob(ctx, input.Body.Text, input.Body.Source, input.Body.Label, opts, input.Body.Targets)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateJobResponse `json:"body"`
		}{Body: CreateJobResponse{JobID: jobID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-events",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/events",
		Summary:     "Events a job carries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobEventsResponse `json:"body"`
	}, error) {
		evs, err := cfg.Store.GetJobEvents(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobEventsResponse `json:"body"`
		}{Body: JobEventsResponse{JobID: input.JobID, Events: evs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-deliveries",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/deliveries",
		Summary:     "Per-target delivery status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body DeliveryListResponse `json:"body"`
	}, error) {
		if _, err := cfg.Store.GetJobEvents(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		dels, err := cfg.Store.ListDeliveries(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryListResponse `json:"body"`
		}{Body: DeliveryListResponse{JobID: input.JobID, Items: dels}}, nil
	})

	registerSend := func(opID, path, summary string) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        path,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
		}, func(ctx context.Context, input *struct {
			JobID string `path:"job_id"`
		}) (*struct {
			Body SendResponse `json:"body"`
		}, error) {
			outcomes, err := cfg.Engine.SendJob(ctx, input.JobID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SendResponse `json:"body"`
			}{Body: sendResponse(input.JobID, outcomes)}, nil
		})
	}
	registerSend("send-job", "/jobs/{job_id}/send", "Push job to pending targets")
	registerSend("resend-job", "/jobs/{job_id}/resend", "Re-push job to unsent targets")
}

func registerInbox(api huma.API, store ledger.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-inbox-pushes",
		Method:      http.MethodGet,
		Path:        "/inbox/pushes",
		Summary:     "List received pushes",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body InboxPushListResponse `json:"body"`
	}, error) {
		pushes, err := store.ListInboxPushes(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InboxPushListResponse `json:"body"`
		}{Body: InboxPushListResponse{Items: pushes}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inbox-push",
		Method:      http.MethodGet,
		Path:        "/inbox/pushes/{push_id}",
		Summary:     "Raw body of one push",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PushID string `path:"push_id"`
	}) (*struct {
		Body RawBodyResponse `json:"body"`
	}, error) {
		body, err := store.GetInboxPushBody(ctx, input.PushID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RawBodyResponse `json:"body"`
		}{Body: RawBodyResponse{ID: input.PushID, JSON: body}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inbox-events",
		Method:      http.MethodGet,
		Path:        "/inbox/events",
		Summary:     "List received events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body InboxEventListResponse `json:"body"`
	}, error) {
		events, err := store.ListInboxEvents(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InboxEventListResponse `json:"body"`
		}{Body: InboxEventListResponse{Items: events}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inbox-event",
		Method:      http.MethodGet,
		Path:        "/inbox/events/{event_id}",
		Summary:     "Stored payload of one event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body RawBodyResponse `json:"body"`
	}, error) {
		payload, err := store.GetInboxEventPayload(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RawBodyResponse `json:"body"`
		}{Body: RawBodyResponse{ID: input.EventID, JSON: payload}}, nil
	})
}

func registerPeers(api huma.API, cfg *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-peers",
		Method:      http.MethodGet,
		Path:        "/peers",
		Summary:     "Configured roster",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PeerListResponse `json:"body"`
	}, error) {
		resp := PeerListResponse{Self: cfg.Self.PeerID}
		for _, p := range cfg.Peers {
			resp.Items = append(resp.Items, PeerResponse{
				PeerID:    p.PeerID,
				Name:      p.Name,
				URL:       p.URL,
				TLSVerify: p.TLS.Verify.Enabled,
				IsSelf:    p.PeerID == cfg.Self.PeerID,
			})
		}
		return &struct {
			Body PeerListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
