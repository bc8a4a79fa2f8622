package domain

type Proposal struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	StepKinds       []string       `json:"step_kinds"`
	Status          string         `json:"status" enum:"pending,accepted,rejected"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
	DecidedAt       *string        `json:"decided_at,omitempty" format:"date-time"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type Mission struct {
	ID         string  `json:"id"`
	ProposalID string  `json:"proposal_id"`
	Status     string  `json:"status" enum:"pending,running,succeeded,failed,cancelled"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Step struct {
	ID         int64          `json:"id"`
	MissionID  string         `json:"mission_id"`
	StepKind   string         `json:"step_kind"`
	Status     string         `json:"status" enum:"queued,running,succeeded,failed"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
	LastError  *string        `json:"last_error,omitempty"`
	ReservedAt *string        `json:"reserved_at,omitempty" format:"date-time"`
	FinishedAt *string        `json:"finished_at,omitempty" format:"date-time"`
}

// StepOutput pairs a finished step's kind with its output, used for
// input enrichment on claim.
type StepOutput struct {
	StepKind string         `json:"step_kind"`
	Output   map[string]any `json:"output"`
}

type Event struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	EventType string         `json:"event_type"`
	Tags      []string       `json:"tags"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Policy struct {
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type WorkerStatus struct {
	WorkerName    string         `json:"worker_name"`
	Status        string         `json:"status" enum:"running,idle,stopped,stale"`
	LastHeartbeat string         `json:"last_heartbeat" format:"date-time"`
	JobsProcessed int            `json:"jobs_processed"`
	ErrorCount    int            `json:"error_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// QuotaUsage reports daily quota consumption for a tagged event class.
type QuotaUsage struct {
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	Remaining int  `json:"remaining"`
	Available bool `json:"available"`
}
