package missionctlsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Mission Control HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	StepKinds       []string       `json:"step_kinds"`
	Status          string         `json:"status"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// Mission represents the API mission model.
type Mission struct {
	ID         string  `json:"id"`
	ProposalID string  `json:"proposal_id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// Step represents the API step model.
type Step struct {
	ID         int64          `json:"id"`
	MissionID  string         `json:"mission_id"`
	StepKind   string         `json:"step_kind"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	LastError  *string        `json:"last_error,omitempty"`
	ReservedAt *string        `json:"reserved_at,omitempty"`
	FinishedAt *string        `json:"finished_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	EventType string         `json:"event_type"`
	Tags      []string       `json:"tags,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// WorkerStatus represents a worker's last reported state.
type WorkerStatus struct {
	WorkerName    string         `json:"worker_name"`
	Status        string         `json:"status"`
	LastHeartbeat string         `json:"last_heartbeat"`
	JobsProcessed int            `json:"jobs_processed"`
	ErrorCount    int            `json:"error_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Quota reports daily quota usage for a key.
type Quota struct {
	Key       string `json:"key"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Available bool   `json:"available"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// CreateProposal submits a proposal for review.
func (c *Client) CreateProposal(ctx context.Context, agentID, title, description string, stepKinds []string) (Proposal, error) {
	body := map[string]any{
		"agent_id":    agentID,
		"title":       title,
		"description": description,
		"step_kinds":  stepKinds,
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "v0/proposals", body, &resp)
	return resp, err
}

// ApproveProposal approves a proposal and returns the materialized mission.
func (c *Client) ApproveProposal(ctx context.Context, proposalID string) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("v0/proposals/%s/approve", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// RejectProposal rejects a proposal with a reason.
func (c *Client) RejectProposal(ctx context.Context, proposalID, reason string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/reject", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ClaimNextStep claims the next eligible step for a worker. A nil step
// means nothing was claimable; losing a race is not an error.
func (c *Client) ClaimNextStep(ctx context.Context, workerID string) (*Step, error) {
	var resp struct {
		Step *Step `json:"step"`
	}
	body := map[string]any{"worker_id": workerID}
	if err := c.do(ctx, http.MethodPost, "v0/steps/claim", body, &resp); err != nil {
		return nil, err
	}
	return resp.Step, nil
}

// MarkStepSucceeded records a step's output and completes it.
func (c *Client) MarkStepSucceeded(ctx context.Context, stepID int64, output map[string]any) (Step, error) {
	var resp Step
	endpoint := fmt.Sprintf("v0/steps/%d/succeed", stepID)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"output": output}, &resp)
	return resp, err
}

// MarkStepFailed records a step failure.
func (c *Client) MarkStepFailed(ctx context.Context, stepID int64, stepErr string) (Step, error) {
	var resp Step
	endpoint := fmt.Sprintf("v0/steps/%d/fail", stepID)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"error": stepErr}, &resp)
	return resp, err
}

// MissionSteps lists a mission's steps in execution order.
func (c *Client) MissionSteps(ctx context.Context, missionID string) ([]Step, error) {
	var resp []Step
	endpoint := fmt.Sprintf("v0/missions/%s/steps", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Heartbeat reports worker liveness and counters.
func (c *Client) Heartbeat(ctx context.Context, workerName, status string, jobsProcessed, errorCount int) (WorkerStatus, error) {
	body := map[string]any{
		"worker_name":    workerName,
		"status":         status,
		"jobs_processed": jobsProcessed,
		"error_count":    errorCount,
	}
	var resp WorkerStatus
	err := c.do(ctx, http.MethodPost, "v0/workers/heartbeat", body, &resp)
	return resp, err
}

// CheckQuota returns daily quota usage for a key.
func (c *Client) CheckQuota(ctx context.Context, key string) (Quota, error) {
	var resp Quota
	endpoint := fmt.Sprintf("v0/quotas/%s", url.PathEscape(key))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// LogEvent appends an event to the shared log.
func (c *Client) LogEvent(ctx context.Context, agentID, eventType string, tags []string, payload map[string]any) error {
	body := map[string]any{
		"agent_id":   agentID,
		"event_type": eventType,
		"tags":       tags,
		"payload":    payload,
	}
	return c.do(ctx, http.MethodPost, "v0/events", body, nil)
}

// Events returns recent events newest-first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%d", endpoint, sep, cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
