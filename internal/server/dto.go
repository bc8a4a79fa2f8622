package server

import (
	"fmt"
	"strings"

	"missionctl/internal/domain"
	"missionctl/internal/engine"
)

type CreateProposalRequest struct {
	AgentID     string         `json:"agent_id,omitempty" example:"agent-researcher"`
	Title       string         `json:"title" example:"Summarize weekly signups"`
	Description string         `json:"description,omitempty"`
	StepKinds   []string       `json:"step_kinds" minItems:"1" example:"[\"analyze\",\"report\"]"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type RejectProposalRequest struct {
	Reason string `json:"reason" example:"duplicate of an existing mission"`
}

type ClaimStepRequest struct {
	WorkerID string `json:"worker_id,omitempty" example:"worker-1"`
}

type SucceedStepRequest struct {
	Output map[string]any `json:"output,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type FailStepRequest struct {
	Error string `json:"error" example:"upstream timed out"`
}

type LogEventRequest struct {
	AgentID   string         `json:"agent_id,omitempty"`
	EventType string         `json:"event_type" example:"report_published"`
	Tags      []string       `json:"tags,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type SetPolicyRequest struct {
	Value map[string]any `json:"value" jsonschema:"type=object,additionalProperties=true"`
}

type HeartbeatRequest struct {
	WorkerName    string         `json:"worker_name" example:"worker-1"`
	Status        string         `json:"status,omitempty" enum:"running,idle,stopped,"`
	JobsProcessed int            `json:"jobs_processed,omitempty"`
	ErrorCount    int            `json:"error_count,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type ProposalResponse struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	StepKinds       []string       `json:"step_kinds"`
	Status          string         `json:"status"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
	DecidedAt       *string        `json:"decided_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt       string         `json:"created_at"`
}

type MissionResponse struct {
	ID         string  `json:"id"`
	ProposalID string  `json:"proposal_id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type MissionWithProposalResponse struct {
	MissionResponse
	Proposal ProposalResponse `json:"proposal"`
}

type StepResponse struct {
	ID         int64          `json:"id"`
	MissionID  string         `json:"mission_id"`
	StepKind   string         `json:"step_kind"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Output     map[string]any `json:"output,omitempty" jsonschema:"type=object,additionalProperties=true"`
	LastError  *string        `json:"last_error,omitempty"`
	ReservedAt *string        `json:"reserved_at,omitempty"`
	FinishedAt *string        `json:"finished_at,omitempty"`
}

type ClaimStepResponse struct {
	Step *StepResponse `json:"step,omitempty"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	EventType string         `json:"event_type"`
	Tags      []string       `json:"tags,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt string         `json:"created_at"`
}

type PolicyResponse struct {
	Key       string         `json:"key"`
	Value     map[string]any `json:"value" jsonschema:"type=object,additionalProperties=true"`
	UpdatedAt string         `json:"updated_at"`
}

type QuotaResponse struct {
	Key       string `json:"key"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Available bool   `json:"available"`
}

type WorkerStatusResponse struct {
	WorkerName    string         `json:"worker_name"`
	Status        string         `json:"status"`
	LastHeartbeat string         `json:"last_heartbeat"`
	JobsProcessed int            `json:"jobs_processed"`
	ErrorCount    int            `json:"error_count"`
	Metadata      map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type MetricsResponse struct {
	Proposals map[string]int `json:"proposals"`
	Missions  map[string]int `json:"missions"`
	Steps     map[string]int `json:"steps"`
}

type paginatedProposals struct {
	Items      []ProposalResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:              p.ID,
		AgentID:         p.AgentID,
		Title:           p.Title,
		Description:     p.Description,
		StepKinds:       p.StepKinds,
		Status:          p.Status,
		RejectionReason: p.RejectionReason,
		DecidedAt:       p.DecidedAt,
		Metadata:        p.Metadata,
		CreatedAt:       p.CreatedAt,
	}
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:         m.ID,
		ProposalID: m.ProposalID,
		Status:     m.Status,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		CreatedAt:  m.CreatedAt,
	}
}

func missionWithProposalResponse(m engine.MissionWithProposal) MissionWithProposalResponse {
	return MissionWithProposalResponse{
		MissionResponse: missionResponse(m.Mission),
		Proposal:        proposalResponse(m.Proposal),
	}
}

func stepResponse(s domain.Step) StepResponse {
	return StepResponse{
		ID:         s.ID,
		MissionID:  s.MissionID,
		StepKind:   s.StepKind,
		Status:     s.Status,
		Input:      s.Input,
		Output:     s.Output,
		LastError:  s.LastError,
		ReservedAt: s.ReservedAt,
		FinishedAt: s.FinishedAt,
	}
}

func eventResponse(ev domain.Event) EventResponse {
	return EventResponse{
		ID:        ev.ID,
		AgentID:   ev.AgentID,
		EventType: ev.EventType,
		Tags:      ev.Tags,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
}

func policyResponse(p domain.Policy) PolicyResponse {
	return PolicyResponse{Key: p.Key, Value: p.Value, UpdatedAt: p.UpdatedAt}
}

func workerStatusResponse(w domain.WorkerStatus) WorkerStatusResponse {
	return WorkerStatusResponse{
		WorkerName:    w.WorkerName,
		Status:        w.Status,
		LastHeartbeat: w.LastHeartbeat,
		JobsProcessed: w.JobsProcessed,
		ErrorCount:    w.ErrorCount,
		Metadata:      w.Metadata,
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// Cursors are "created_at|id" pairs so pagination stays stable when
// rows share a timestamp.
func composeCursor(createdAt, id string) string {
	return fmt.Sprintf("%s|%s", createdAt, id)
}

func parseCompositeCursor(cursor string) (createdAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor %q", cursor)
	}
	return parts[0], parts[1], nil
}
