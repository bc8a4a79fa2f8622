package engine_test

import (
	"errors"
	"sync"
	"testing"

	"missionctl/internal/domain"
	"missionctl/internal/engine"
)

func approvedMission(t *testing.T, env testEnv, kinds ...string) string {
	t.Helper()
	id := mustProposal(t, env, kinds...)
	m, err := env.Engine.ApproveProposal(env.Ctx, id, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return m.ID
}

func TestStepsRunStrictlyInOrder(t *testing.T) {
	env := newTestEnv(t)
	missionID := approvedMission(t, env, "analyze", "draft", "publish")

	first, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim first: %v", err)
	}
	if first == nil || first.StepKind != "analyze" {
		t.Fatalf("first claim = %+v, want analyze", first)
	}
	if first.Status != "running" || first.ReservedAt == nil {
		t.Fatalf("claimed step not running: %+v", first)
	}

	// The second step is blocked while the first is still running.
	blocked, err := env.Engine.ClaimNextStep(env.Ctx, "worker-2")
	if err != nil {
		t.Fatalf("claim blocked: %v", err)
	}
	if blocked != nil {
		t.Fatalf("claimed step %d while predecessor running", blocked.ID)
	}

	if err := env.Engine.MarkStepSucceeded(env.Ctx, first.ID, map[string]any{"rows": 10}); err != nil {
		t.Fatalf("succeed first: %v", err)
	}

	second, err := env.Engine.ClaimNextStep(env.Ctx, "worker-2")
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if second == nil || second.StepKind != "draft" {
		t.Fatalf("second claim = %+v, want draft", second)
	}
	if second.MissionID != missionID {
		t.Fatalf("second claim mission = %s, want %s", second.MissionID, missionID)
	}
}

func TestClaimMovesMissionToRunning(t *testing.T) {
	env := newTestEnv(t)
	missionID := approvedMission(t, env, "analyze")

	step, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil || step == nil {
		t.Fatalf("claim: step=%v err=%v", step, err)
	}
	m, err := env.Engine.Repo.GetMission(env.Ctx, missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != "running" || m.StartedAt == nil {
		t.Fatalf("mission not running after claim: %+v", m)
	}
}

func TestClaimEnrichesInputWithPriorOutputs(t *testing.T) {
	env := newTestEnv(t)
	approvedMission(t, env, "analyze", "draft")

	first, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil || first == nil {
		t.Fatalf("claim first: step=%v err=%v", first, err)
	}
	if prev, ok := first.Input["previous_steps"].([]domain.StepOutput); !ok || len(prev) != 0 {
		t.Fatalf("first step previous_steps = %v", first.Input["previous_steps"])
	}
	if err := env.Engine.MarkStepSucceeded(env.Ctx, first.ID, map[string]any{"summary": "ten rows"}); err != nil {
		t.Fatalf("succeed first: %v", err)
	}

	second, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil || second == nil {
		t.Fatalf("claim second: step=%v err=%v", second, err)
	}
	if _, ok := second.Input["proposal"]; !ok {
		t.Fatalf("second step input lost proposal key")
	}
	prev, ok := second.Input["previous_steps"].([]domain.StepOutput)
	if !ok || len(prev) != 1 || prev[0].StepKind != "analyze" {
		t.Fatalf("previous_steps = %v", second.Input["previous_steps"])
	}
	outputs, ok := second.Input["outputs"].(map[string]any)
	if !ok {
		t.Fatalf("outputs missing: %v", second.Input["outputs"])
	}
	analyzed, ok := outputs["analyze"].(map[string]any)
	if !ok || analyzed["summary"] != "ten rows" {
		t.Fatalf("outputs[analyze] = %v", outputs["analyze"])
	}
}

func TestConcurrentClaimsHandOutOneStep(t *testing.T) {
	env := newTestEnv(t)
	approvedMission(t, env, "analyze", "draft", "publish")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var claimed []*domain.Step
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			step, err := env.Engine.ClaimNextStep(env.Ctx, "worker")
			if err != nil {
				errs <- err
				return
			}
			if step != nil {
				mu.Lock()
				claimed = append(claimed, step)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("%d workers claimed a step, want exactly 1", len(claimed))
	}
	if claimed[0].StepKind != "analyze" {
		t.Fatalf("claimed %s, want analyze", claimed[0].StepKind)
	}
}

func TestStepFailureFailsMission(t *testing.T) {
	env := newTestEnv(t)
	missionID := approvedMission(t, env, "analyze", "draft")

	step, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil || step == nil {
		t.Fatalf("claim: step=%v err=%v", step, err)
	}
	if err := env.Engine.MarkStepFailed(env.Ctx, step.ID, "upstream timed out"); err != nil {
		t.Fatalf("fail step: %v", err)
	}

	m, err := env.Engine.Repo.GetMission(env.Ctx, missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != "failed" || m.FinishedAt == nil {
		t.Fatalf("mission = %+v, want failed", m)
	}

	failed, err := env.Engine.Repo.GetStep(env.Ctx, step.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if failed.Status != "failed" || failed.LastError == nil || *failed.LastError != "upstream timed out" {
		t.Fatalf("step = %+v", failed)
	}

	// The failed mission's remaining queued step is never handed out.
	next, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim after failure: %v", err)
	}
	if next != nil {
		t.Fatalf("claimed step %d from failed mission", next.ID)
	}
}

func TestAllStepsSucceededFinalizesMission(t *testing.T) {
	env := newTestEnv(t)
	missionID := approvedMission(t, env, "analyze", "draft")

	for i := 0; i < 2; i++ {
		step, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
		if err != nil || step == nil {
			t.Fatalf("claim %d: step=%v err=%v", i, step, err)
		}
		if err := env.Engine.MarkStepSucceeded(env.Ctx, step.ID, map[string]any{"i": i}); err != nil {
			t.Fatalf("succeed %d: %v", i, err)
		}
	}

	m, err := env.Engine.Repo.GetMission(env.Ctx, missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != "succeeded" || m.FinishedAt == nil {
		t.Fatalf("mission = %+v, want succeeded", m)
	}
}

func TestDoubleCompletionRejected(t *testing.T) {
	env := newTestEnv(t)
	approvedMission(t, env, "analyze")

	step, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil || step == nil {
		t.Fatalf("claim: step=%v err=%v", step, err)
	}
	if err := env.Engine.MarkStepSucceeded(env.Ctx, step.ID, nil); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	var se engine.InvalidStateError
	if err := env.Engine.MarkStepSucceeded(env.Ctx, step.ID, nil); !errors.As(err, &se) {
		t.Fatalf("second succeed: expected invalid state, got %v", err)
	}
	if err := env.Engine.MarkStepFailed(env.Ctx, step.ID, "late failure"); !errors.As(err, &se) {
		t.Fatalf("fail after succeed: expected invalid state, got %v", err)
	}
}

func TestCompletionRequiresClaim(t *testing.T) {
	env := newTestEnv(t)
	missionID := approvedMission(t, env, "analyze")

	steps, err := env.Engine.Repo.ListMissionSteps(env.Ctx, missionID)
	if err != nil || len(steps) != 1 {
		t.Fatalf("list steps: %v (%d)", err, len(steps))
	}

	var se engine.InvalidStateError
	if err := env.Engine.MarkStepSucceeded(env.Ctx, steps[0].ID, map[string]any{"rows": 1}); !errors.As(err, &se) {
		t.Fatalf("succeed without claim: expected invalid state, got %v", err)
	}
	if err := env.Engine.MarkStepFailed(env.Ctx, steps[0].ID, "never ran"); !errors.As(err, &se) {
		t.Fatalf("fail without claim: expected invalid state, got %v", err)
	}

	s, err := env.Engine.Repo.GetStep(env.Ctx, steps[0].ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if s.Status != "queued" || s.ReservedAt != nil {
		t.Fatalf("step after rejected completion = %+v", s)
	}
	m, err := env.Engine.Repo.GetMission(env.Ctx, missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != "pending" {
		t.Fatalf("mission = %+v, want still pending", m)
	}
}

func TestIndependentMissionsProgressIndependently(t *testing.T) {
	env := newTestEnv(t)
	missionA := approvedMission(t, env, "analyze", "draft")
	missionB := approvedMission(t, env, "report")

	// Mission A's first step is claimed and still running, so the next
	// claim must come from mission B.
	first, err := env.Engine.ClaimNextStep(env.Ctx, "worker-1")
	if err != nil || first == nil || first.MissionID != missionA {
		t.Fatalf("claim A: step=%v err=%v", first, err)
	}
	second, err := env.Engine.ClaimNextStep(env.Ctx, "worker-2")
	if err != nil || second == nil {
		t.Fatalf("claim B: step=%v err=%v", second, err)
	}
	if second.MissionID != missionB || second.StepKind != "report" {
		t.Fatalf("second claim = %+v, want mission %s", second, missionB)
	}
}
