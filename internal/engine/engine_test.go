package engine_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"missionctl/internal/config"
	"missionctl/internal/db"
	"missionctl/internal/engine"
	"missionctl/internal/migrate"
	"missionctl/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Events.Logger = log.New(io.Discard, "", 0)
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustProposal(t *testing.T, env testEnv, kinds ...string) string {
	t.Helper()
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID:   "agent-researcher",
		Title:     "Weekly report",
		StepKinds: kinds,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p.ID
}

func TestCreateProposalValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.ProposalCreateOptions
	}{
		{"missing agent", engine.ProposalCreateOptions{Title: "t", StepKinds: []string{"analyze"}}},
		{"missing title", engine.ProposalCreateOptions{AgentID: "a", StepKinds: []string{"analyze"}}},
		{"no steps", engine.ProposalCreateOptions{AgentID: "a", Title: "t"}},
		{"blank step kind", engine.ProposalCreateOptions{AgentID: "a", Title: "t", StepKinds: []string{"analyze", " "}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateProposal(env.Ctx, tc.opts)
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestApproveProposalCreatesMissionAndSteps(t *testing.T) {
	env := newTestEnv(t)
	id := mustProposal(t, env, "analyze", "draft", "publish")

	m, err := env.Engine.ApproveProposal(env.Ctx, id, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.Status != "pending" {
		t.Fatalf("mission status = %s, want pending", m.Status)
	}
	if m.ProposalID != id {
		t.Fatalf("mission proposal_id = %s, want %s", m.ProposalID, id)
	}

	p, err := env.Engine.Repo.GetProposal(env.Ctx, id)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != "accepted" || p.DecidedAt == nil {
		t.Fatalf("proposal not accepted: status=%s decided_at=%v", p.Status, p.DecidedAt)
	}

	steps, err := env.Engine.Repo.ListMissionSteps(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for i, want := range []string{"analyze", "draft", "publish"} {
		if steps[i].StepKind != want {
			t.Fatalf("step %d kind = %s, want %s", i, steps[i].StepKind, want)
		}
		if steps[i].Status != "queued" {
			t.Fatalf("step %d status = %s, want queued", i, steps[i].Status)
		}
		if _, ok := steps[i].Input["proposal"]; !ok {
			t.Fatalf("step %d input missing proposal", i)
		}
	}
}

func TestApproveDecidedProposalConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := mustProposal(t, env, "analyze")

	if _, err := env.Engine.ApproveProposal(env.Ctx, id, "reviewer"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := env.Engine.ApproveProposal(env.Ctx, id, "reviewer")
	var se engine.InvalidStateError
	if !errors.As(err, &se) {
		t.Fatalf("second approve: expected invalid state, got %v", err)
	}
	if err := env.Engine.RejectProposal(env.Ctx, id, "too late", "reviewer"); !errors.As(err, &se) {
		t.Fatalf("reject after approve: expected invalid state, got %v", err)
	}

	// Only one mission exists for the proposal.
	missions, err := env.Engine.Repo.ListMissions(env.Ctx, repo.MissionFilters{})
	if err != nil {
		t.Fatalf("list missions: %v", err)
	}
	if len(missions) != 1 {
		t.Fatalf("got %d missions, want 1", len(missions))
	}
}

func TestRejectProposal(t *testing.T) {
	env := newTestEnv(t)
	id := mustProposal(t, env, "analyze")

	err := env.Engine.RejectProposal(env.Ctx, id, "", "reviewer")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("blank reason: expected validation error, got %v", err)
	}

	if err := env.Engine.RejectProposal(env.Ctx, id, "out of scope", "reviewer"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	p, err := env.Engine.Repo.GetProposal(env.Ctx, id)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != "rejected" {
		t.Fatalf("status = %s, want rejected", p.Status)
	}
	if p.RejectionReason == nil || *p.RejectionReason != "out of scope" {
		t.Fatalf("rejection reason = %v", p.RejectionReason)
	}

	var se engine.InvalidStateError
	if _, err := env.Engine.ApproveProposal(env.Ctx, id, "reviewer"); !errors.As(err, &se) {
		t.Fatalf("approve after reject: expected invalid state, got %v", err)
	}
}

func TestUnknownProposalNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ApproveProposal(env.Ctx, "nope", "reviewer"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelMission(t *testing.T) {
	env := newTestEnv(t)
	id := mustProposal(t, env, "analyze", "draft")
	m, err := env.Engine.ApproveProposal(env.Ctx, id, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	cancelled, err := env.Engine.CancelMission(env.Ctx, m.ID, "operator")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != "cancelled" || cancelled.FinishedAt == nil {
		t.Fatalf("mission not cancelled: %+v", cancelled)
	}

	var se engine.InvalidStateError
	if _, err := env.Engine.CancelMission(env.Ctx, m.ID, "operator"); !errors.As(err, &se) {
		t.Fatalf("second cancel: expected invalid state, got %v", err)
	}

	// Cancelled missions hand out no work.
	step, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if step != nil {
		t.Fatalf("claimed step %d from cancelled mission", step.ID)
	}
}

func TestMissionWithProposalJoin(t *testing.T) {
	env := newTestEnv(t)
	id := mustProposal(t, env, "analyze")
	m, err := env.Engine.ApproveProposal(env.Ctx, id, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	joined, err := env.Engine.GetMissionWithProposal(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get joined: %v", err)
	}
	if joined.Proposal.ID != id || joined.Proposal.Title != "Weekly report" {
		t.Fatalf("joined proposal mismatch: %+v", joined.Proposal)
	}
	list, err := env.Engine.ListMissionsWithProposals(env.Ctx, repo.MissionFilters{Status: "pending"})
	if err != nil {
		t.Fatalf("list joined: %v", err)
	}
	if len(list) != 1 || list[0].Proposal.ID != id {
		t.Fatalf("joined list mismatch: %+v", list)
	}
}
