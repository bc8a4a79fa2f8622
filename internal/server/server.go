package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missionctl/internal/domain"
	"missionctl/internal/engine"
	"missionctl/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"proposal is already decided"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mission-control API.
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
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Mission Control API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProposals(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerMetrics(group, cfg.Engine)

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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var se engine.InvalidStateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"entity": se.Entity, "id": se.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		agentID := input.Body.AgentID
		if agentID == "" {
			if principal, ok := principalFromContext(ctx); ok {
				agentID = principal.AgentID
			}
		}
		p, err := e.CreateProposal(ctx, engine.ProposalCreateOptions{
			AgentID:     agentID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			StepKinds:   input.Body.StepKinds,
			Metadata:    input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"pending,accepted,rejected,"`
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedProposals `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			Status:          input.Status,
			AgentID:         input.AgentID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProposals{Items: []ProposalResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, p := range items {
			resp.Items = append(resp.Items, proposalResponse(p))
		}
		return &struct {
			Body paginatedProposals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/approve",
		Summary:     "Approve proposal and materialize its mission",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApproveProposal(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/reject",
		Summary:     "Reject proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body RejectProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RejectProposal(ctx, input.ID, input.Body.Reason, agentID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions with their proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,running,succeeded,failed,cancelled,"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []MissionWithProposalResponse `json:"body"`
	}, error) {
		items, err := e.ListMissionsWithProposals(ctx, repo.MissionFilters{
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]MissionWithProposalResponse, 0, len(items))
		for _, m := range items {
			resp = append(resp, missionWithProposalResponse(m))
		}
		return &struct {
			Body []MissionWithProposalResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission with its proposal",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionWithProposalResponse `json:"body"`
	}, error) {
		m, err := e.GetMissionWithProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionWithProposalResponse `json:"body"`
		}{Body: missionWithProposalResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/cancel",
		Summary:     "Cancel mission",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CancelMission(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mission-steps",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/steps",
		Summary:     "List mission steps in execution order",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []StepResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMission(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListMissionSteps(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]StepResponse, 0, len(steps))
		for _, s := range steps {
			resp = append(resp, stepResponse(s))
		}
		return &struct {
			Body []StepResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-next-step",
		Method:      http.MethodPost,
		Path:        "/steps/claim",
		Summary:     "Claim the next eligible step",
		Description: "Returns the claimed step with enriched input, or an empty body when no step is currently claimable. Losing a claim race is not an error.",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ClaimStepRequest `json:"body"`
	}) (*struct {
		Body ClaimStepResponse `json:"body"`
	}, error) {
		workerID := input.Body.WorkerID
		if workerID == "" {
			if principal, ok := principalFromContext(ctx); ok {
				workerID = principal.AgentID
			}
		}
		step, err := e.ClaimNextStep(ctx, workerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ClaimStepResponse{}
		if step != nil {
			sr := stepResponse(*step)
			resp.Step = &sr
		}
		return &struct {
			Body ClaimStepResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/steps/{id}",
		Summary:     "Get step",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStep(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "succeed-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/succeed",
		Summary:     "Mark step succeeded",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body SucceedStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if err := e.MarkStepSucceeded(ctx, input.ID, input.Body.Output); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.GetStep(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/fail",
		Summary:     "Mark step failed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body FailStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if err := e.MarkStepFailed(ctx, input.ID, input.Body.Error); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.GetStep(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events newest-first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit     int    `query:"limit" default:"50"`
		Cursor    int64  `query:"cursor"`
		EventType string `query:"event_type"`
		AgentID   string `query:"agent_id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit+1, input.Cursor, input.EventType, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = items[limit].ID
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
		OperationID:   "log-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Append event",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LogEventRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.EventType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event_type is required", nil)
		}
		agentID := input.Body.AgentID
		if agentID == "" {
			if principal, ok := principalFromContext(ctx); ok {
				agentID = principal.AgentID
			}
		}
		e.Events.Log(ctx, agentID, input.Body.EventType, input.Body.Tags, input.Body.Payload)
		return &struct{}{}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PolicyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]PolicyResponse, 0, len(items))
		for _, p := range items {
			resp = append(resp, policyResponse(p))
		}
		return &struct {
			Body []PolicyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{key}",
		Summary:     "Get policy",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		p, err := e.GetPolicy(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-policy",
		Method:      http.MethodPut,
		Path:        "/policies/{key}",
		Summary:     "Set policy",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Key  string           `path:"key"`
		Body SetPolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		p, err := e.SetPolicy(ctx, input.Key, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-quota",
		Method:      http.MethodGet,
		Path:        "/quotas/{key}",
		Summary:     "Check daily quota usage",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		usage, err := e.CheckDailyQuota(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: QuotaResponse{
			Key:       input.Key,
			Limit:     usage.Limit,
			Used:      usage.Used,
			Remaining: usage.Remaining,
			Available: usage.Available,
		}}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List worker statuses",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkerStatusResponse `json:"body"`
	}, error) {
		workers, err := e.ListWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]WorkerStatusResponse, 0, len(workers))
		for _, w := range workers {
			resp = append(resp, workerStatusResponse(w))
		}
		return &struct {
			Body []WorkerStatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-heartbeat",
		Method:      http.MethodPost,
		Path:        "/workers/heartbeat",
		Summary:     "Report worker heartbeat",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body HeartbeatRequest `json:"body"`
	}) (*struct {
		Body WorkerStatusResponse `json:"body"`
	}, error) {
		ws, err := e.ReportHeartbeat(ctx, domain.WorkerStatus{
			WorkerName:    input.Body.WorkerName,
			Status:        input.Body.Status,
			JobsProcessed: input.Body.JobsProcessed,
			ErrorCount:    input.Body.ErrorCount,
			Metadata:      input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerStatusResponse `json:"body"`
		}{Body: workerStatusResponse(ws)}, nil
	})
}

func registerMetrics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Status counts for proposals, missions, and steps",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		proposals, err := e.Repo.CountProposalsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		missions, err := e.Repo.CountMissionsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.CountStepsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: MetricsResponse{
			Proposals: proposals,
			Missions:  missions,
			Steps:     steps,
		}}, nil
	})
}
