package engine

import (
	"context"
	"fmt"
	"strconv"

	"missionctl/internal/domain"
	"missionctl/internal/events"
)

const defaultClaimWindow = 10

func (e Engine) claimWindow() int {
	if e.Config != nil && e.Config.Scheduler.ClaimWindow > 0 {
		return e.Config.Scheduler.ClaimWindow
	}
	return defaultClaimWindow
}

// ClaimNextStep hands the oldest eligible queued step to a worker, or
// nil when no work is available. A step is eligible only once every
// earlier step of its mission is terminal, so execution within a
// mission is strictly sequential no matter how many workers poll.
//
// The claim itself is a single conditional update keyed on the step
// still being queued. Losing that race is a normal outcome, not an
// error: the caller gets nil and polls again later.
func (e Engine) ClaimNextStep(ctx context.Context, workerID string) (*domain.Step, error) {
	candidates, err := e.Repo.ListQueuedSteps(ctx, e.claimWindow())
	if err != nil {
		return nil, fmt.Errorf("list queued steps: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	missionStatus := map[string]string{}
	var chosen *domain.Step
	for i := range candidates {
		candidate := &candidates[i]
		status, ok := missionStatus[candidate.MissionID]
		if !ok {
			m, err := e.Repo.GetMission(ctx, candidate.MissionID)
			if err != nil {
				return nil, fmt.Errorf("load mission %s: %w", candidate.MissionID, err)
			}
			status = m.Status
			missionStatus[candidate.MissionID] = status
		}
		// Cancelled or already-finalized missions hand out no work.
		if status != "pending" && status != "running" {
			continue
		}
		eligible, err := e.stepEligible(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if eligible {
			chosen = candidate
			break
		}
	}
	if chosen == nil {
		return nil, nil
	}

	reservedAt := e.nowString()
	claimed, err := e.Repo.ClaimStep(ctx, chosen.ID, reservedAt)
	if err != nil {
		return nil, fmt.Errorf("claim step %d: %w", chosen.ID, err)
	}
	if !claimed {
		// Another worker won; not an error.
		return nil, nil
	}

	// First claim of a mission moves it from pending to running.
	if _, err := e.Repo.TransitionMission(ctx, chosen.MissionID, "running", []string{"pending"}, &reservedAt, nil); err != nil {
		return nil, fmt.Errorf("start mission %s: %w", chosen.MissionID, err)
	}

	enriched, err := e.enrichInput(ctx, chosen)
	if err != nil {
		return nil, err
	}
	chosen.Status = "running"
	chosen.ReservedAt = &reservedAt
	chosen.Input = enriched

	e.Events.Log(ctx, workerID, "step_claimed", []string{"mission", "step"}, events.Payload{
		"step_id":    chosen.ID,
		"mission_id": chosen.MissionID,
		"step_kind":  chosen.StepKind,
	})
	return chosen, nil
}

// stepEligible reports whether every step that precedes the candidate
// in its mission's id order is terminal (succeeded or failed).
func (e Engine) stepEligible(ctx context.Context, candidate *domain.Step) (bool, error) {
	siblings, err := e.Repo.ListMissionSteps(ctx, candidate.MissionID)
	if err != nil {
		return false, fmt.Errorf("list steps for mission %s: %w", candidate.MissionID, err)
	}
	for _, s := range siblings {
		if s.ID >= candidate.ID {
			break
		}
		if s.Status != "succeeded" && s.Status != "failed" {
			return false, nil
		}
	}
	return true, nil
}

// enrichInput attaches prior succeeded outputs to the claimed step's
// input: previous_steps as an ordered list and outputs as a
// step_kind -> output lookup.
func (e Engine) enrichInput(ctx context.Context, step *domain.Step) (map[string]any, error) {
	prev, err := e.Repo.ListSucceededOutputs(ctx, step.MissionID)
	if err != nil {
		return nil, fmt.Errorf("load outputs for mission %s: %w", step.MissionID, err)
	}
	if prev == nil {
		prev = []domain.StepOutput{}
	}
	outputs := map[string]any{}
	for _, so := range prev {
		outputs[so.StepKind] = so.Output
	}
	enriched := map[string]any{}
	for k, v := range step.Input {
		enriched[k] = v
	}
	enriched["previous_steps"] = prev
	enriched["outputs"] = outputs
	return enriched, nil
}

// MarkStepSucceeded records a step's successful completion and output,
// then re-derives the mission status. Completing an already-terminal
// step is rejected so finalization never double-counts.
func (e Engine) MarkStepSucceeded(ctx context.Context, stepID int64, output map[string]any) error {
	step, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	done, err := e.Repo.FinishStep(ctx, stepID, "succeeded", output, nil, e.nowString())
	if err != nil {
		return fmt.Errorf("finish step %d: %w", stepID, err)
	}
	if !done {
		return InvalidStateError{Entity: "step", ID: strconv.FormatInt(stepID, 10), Status: step.Status}
	}
	return e.maybeFinalizeMission(ctx, step.MissionID)
}

// MarkStepFailed records a step failure with its error message, emits a
// step_failed event, then re-derives the mission status.
func (e Engine) MarkStepFailed(ctx context.Context, stepID int64, errorMsg string) error {
	step, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	done, err := e.Repo.FinishStep(ctx, stepID, "failed", nil, &errorMsg, e.nowString())
	if err != nil {
		return fmt.Errorf("finish step %d: %w", stepID, err)
	}
	if !done {
		return InvalidStateError{Entity: "step", ID: strconv.FormatInt(stepID, 10), Status: step.Status}
	}
	e.Events.Log(ctx, "system", "step_failed", []string{"mission", "failure"}, events.Payload{
		"step_id":    stepID,
		"mission_id": step.MissionID,
		"error":      errorMsg,
	})
	return e.maybeFinalizeMission(ctx, step.MissionID)
}

// maybeFinalizeMission promotes a mission to a terminal status once its
// aggregate step state warrants it: any failed step fails the mission
// (first failure wins); otherwise all steps terminal means success.
// Evaluated eagerly after every completion, so mission status converges
// with O(1) extra reads and no background sweep.
func (e Engine) maybeFinalizeMission(ctx context.Context, missionID string) error {
	steps, err := e.Repo.ListMissionSteps(ctx, missionID)
	if err != nil {
		return fmt.Errorf("list steps for mission %s: %w", missionID, err)
	}
	anyFailed := false
	allDone := true
	for _, s := range steps {
		switch s.Status {
		case "failed":
			anyFailed = true
		case "succeeded":
		default:
			allDone = false
		}
	}

	now := e.nowString()
	switch {
	case anyFailed:
		ok, err := e.Repo.TransitionMission(ctx, missionID, "failed", []string{"pending", "running"}, nil, &now)
		if err != nil {
			return fmt.Errorf("finalize mission %s: %w", missionID, err)
		}
		if ok {
			e.Events.Log(ctx, "system", "mission_failed", []string{"mission", "failure"}, events.Payload{
				"mission_id": missionID,
			})
		}
	case allDone:
		ok, err := e.Repo.TransitionMission(ctx, missionID, "succeeded", []string{"pending", "running"}, nil, &now)
		if err != nil {
			return fmt.Errorf("finalize mission %s: %w", missionID, err)
		}
		if ok {
			e.Events.Log(ctx, "system", "mission_succeeded", []string{"mission", "success"}, events.Payload{
				"mission_id": missionID,
			})
		}
	}
	return nil
}
