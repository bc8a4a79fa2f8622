package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionctl/internal/config"
	"missionctl/internal/domain"
	"missionctl/internal/events"
	"missionctl/internal/repo"
)

// Engine holds the proposal manager, step scheduler, and mission
// finalizer over a single SQLite store. All cross-worker mutual
// exclusion is delegated to the store's conditional updates; the
// engine itself takes no locks.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ProposalCreateOptions are parameters for creating a proposal.
type ProposalCreateOptions struct {
	AgentID     string
	Title       string
	Description string
	StepKinds   []string
	Metadata    map[string]any
}

func (e Engine) CreateProposal(ctx context.Context, opts ProposalCreateOptions) (domain.Proposal, error) {
	if strings.TrimSpace(opts.AgentID) == "" {
		return domain.Proposal{}, ValidationError{Field: "agent_id", Reason: "is required"}
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Proposal{}, ValidationError{Field: "title", Reason: "is required"}
	}
	if len(opts.StepKinds) == 0 {
		return domain.Proposal{}, ValidationError{Field: "step_kinds", Reason: "must not be empty"}
	}
	for _, kind := range opts.StepKinds {
		if strings.TrimSpace(kind) == "" {
			return domain.Proposal{}, ValidationError{Field: "step_kinds", Reason: "must not contain blank kinds"}
		}
	}
	p := domain.Proposal{
		ID:          uuid.New().String(),
		AgentID:     opts.AgentID,
		Title:       opts.Title,
		Description: opts.Description,
		StepKinds:   opts.StepKinds,
		Status:      "pending",
		Metadata:    opts.Metadata,
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertProposal(ctx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	e.Events.Log(ctx, p.AgentID, "proposal_created", []string{"proposal"}, events.Payload{
		"proposal_id": p.ID,
		"title":       p.Title,
	})
	return p, nil
}

// ApproveProposal is the single state-creating transaction of the
// system: it flips the proposal to accepted, creates the mission, and
// bulk-creates one queued step per step kind — all in one transaction,
// so a mission can never exist without its steps. The proposal flip is
// conditional on status still being pending, which makes a concurrent
// second approval fail cleanly instead of materializing twice.
func (e Engine) ApproveProposal(ctx context.Context, proposalID, deciderID string) (domain.Mission, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Mission{}, err
	}
	if p.Status != "pending" {
		return domain.Mission{}, InvalidStateError{Entity: "proposal", ID: p.ID, Status: p.Status}
	}

	now := e.nowString()
	m := domain.Mission{
		ID:         uuid.New().String(),
		ProposalID: p.ID,
		Status:     "pending",
		CreatedAt:  now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	decided, err := e.Repo.DecideProposal(ctx, tx, p.ID, "accepted", nil, now)
	if err != nil {
		return domain.Mission{}, fmt.Errorf("decide proposal: %w", err)
	}
	if !decided {
		// Lost the race against another approval or rejection.
		return domain.Mission{}, InvalidStateError{Entity: "proposal", ID: p.ID, Status: "decided"}
	}
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	p.Status = "accepted"
	p.DecidedAt = &now
	input := map[string]any{"proposal": asMap(p)}
	if err := e.Repo.InsertSteps(ctx, tx, m.ID, p.StepKinds, input); err != nil {
		return domain.Mission{}, fmt.Errorf("insert steps: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}

	e.Events.Log(ctx, deciderID, "proposal_approved", []string{"proposal", "mission"}, events.Payload{
		"proposal_id": p.ID,
		"mission_id":  m.ID,
	})
	return m, nil
}

func (e Engine) RejectProposal(ctx context.Context, proposalID, reason, deciderID string) error {
	if strings.TrimSpace(reason) == "" {
		return ValidationError{Field: "reason", Reason: "is required"}
	}
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Status != "pending" {
		return InvalidStateError{Entity: "proposal", ID: p.ID, Status: p.Status}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	decided, err := e.Repo.DecideProposal(ctx, tx, p.ID, "rejected", &reason, e.nowString())
	if err != nil {
		return fmt.Errorf("decide proposal: %w", err)
	}
	if !decided {
		return InvalidStateError{Entity: "proposal", ID: p.ID, Status: "decided"}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Events.Log(ctx, deciderID, "proposal_rejected", []string{"proposal"}, events.Payload{
		"proposal_id": p.ID,
		"reason":      reason,
	})
	return nil
}

// CancelMission marks a non-terminal mission cancelled. A running step
// is not preempted; queued siblings stop being claimable because the
// scheduler skips missions that are no longer pending or running.
func (e Engine) CancelMission(ctx context.Context, missionID, agentID string) (domain.Mission, error) {
	now := e.nowString()
	ok, err := e.Repo.TransitionMission(ctx, missionID, "cancelled", []string{"pending", "running"}, nil, &now)
	if err != nil {
		return domain.Mission{}, err
	}
	m, getErr := e.Repo.GetMission(ctx, missionID)
	if getErr != nil {
		return domain.Mission{}, getErr
	}
	if !ok {
		return domain.Mission{}, InvalidStateError{Entity: "mission", ID: m.ID, Status: m.Status}
	}
	e.Events.Log(ctx, agentID, "mission_cancelled", []string{"mission"}, events.Payload{
		"mission_id": missionID,
	})
	return m, nil
}

// MissionWithProposal is the joined shape the dashboard lists.
type MissionWithProposal struct {
	domain.Mission
	Proposal domain.Proposal `json:"proposal"`
}

func (e Engine) GetMissionWithProposal(ctx context.Context, missionID string) (MissionWithProposal, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return MissionWithProposal{}, err
	}
	p, err := e.Repo.GetProposal(ctx, m.ProposalID)
	if err != nil {
		return MissionWithProposal{}, err
	}
	return MissionWithProposal{Mission: m, Proposal: p}, nil
}

func (e Engine) ListMissionsWithProposals(ctx context.Context, f repo.MissionFilters) ([]MissionWithProposal, error) {
	missions, err := e.Repo.ListMissions(ctx, f)
	if err != nil {
		return nil, err
	}
	res := make([]MissionWithProposal, 0, len(missions))
	for _, m := range missions {
		p, err := e.Repo.GetProposal(ctx, m.ProposalID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		res = append(res, MissionWithProposal{Mission: m, Proposal: p})
	}
	return res, nil
}

// asMap round-trips a struct through JSON into a generic map, the shape
// step inputs are stored in.
func asMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
