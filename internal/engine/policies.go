package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"missionctl/internal/domain"
	"missionctl/internal/repo"
)

func (e Engine) GetPolicy(ctx context.Context, key string) (domain.Policy, error) {
	return e.Repo.GetPolicy(ctx, key)
}

func (e Engine) SetPolicy(ctx context.Context, key string, value map[string]any) (domain.Policy, error) {
	if key == "" {
		return domain.Policy{}, ValidationError{Field: "key", Reason: "is required"}
	}
	if value == nil {
		return domain.Policy{}, ValidationError{Field: "value", Reason: "is required"}
	}
	return e.Repo.UpsertPolicy(ctx, key, value)
}

// CheckDailyQuota reads the limit policy for the quota key and counts
// today's events tagged with that key. Missing policies fall back to
// the configured seed quotas.
func (e Engine) CheckDailyQuota(ctx context.Context, quotaKey string) (domain.QuotaUsage, error) {
	limit, err := e.quotaLimit(ctx, quotaKey)
	if err != nil {
		return domain.QuotaUsage{}, err
	}
	midnight := e.now().UTC().Truncate(24 * time.Hour).Format(time.RFC3339)
	used, err := e.Repo.CountTaggedEventsSince(ctx, quotaKey, midnight)
	if err != nil {
		return domain.QuotaUsage{}, fmt.Errorf("count quota events: %w", err)
	}
	remaining := limit - used
	return domain.QuotaUsage{
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		Available: remaining > 0,
	}, nil
}

func (e Engine) quotaLimit(ctx context.Context, quotaKey string) (int, error) {
	p, err := e.Repo.GetPolicy(ctx, quotaKey)
	if err == nil {
		limit, ok := p.Value["limit"].(float64)
		if !ok {
			return 0, fmt.Errorf("policy %s has no numeric limit", quotaKey)
		}
		return int(limit), nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	if e.Config != nil {
		if limit, ok := e.Config.Quotas[quotaKey]; ok {
			return limit, nil
		}
	}
	return 0, repo.ErrNotFound
}

// ReportHeartbeat upserts a worker's liveness row for the dashboard's
// worker monitor.
func (e Engine) ReportHeartbeat(ctx context.Context, ws domain.WorkerStatus) (domain.WorkerStatus, error) {
	if ws.WorkerName == "" {
		return domain.WorkerStatus{}, ValidationError{Field: "worker_name", Reason: "is required"}
	}
	if ws.Status == "" {
		ws.Status = "running"
	}
	ws.LastHeartbeat = e.nowString()
	if err := e.Repo.UpsertWorkerStatus(ctx, ws); err != nil {
		return domain.WorkerStatus{}, fmt.Errorf("upsert worker status: %w", err)
	}
	return ws, nil
}

// ListWorkers returns worker statuses, downgrading a running worker to
// stale once its heartbeat is older than three intervals.
func (e Engine) ListWorkers(ctx context.Context) ([]domain.WorkerStatus, error) {
	workers, err := e.Repo.ListWorkerStatuses(ctx)
	if err != nil {
		return nil, err
	}
	staleAfter := 90 * time.Second
	if e.Config != nil && e.Config.Worker.HeartbeatIntervalSeconds > 0 {
		staleAfter = 3 * e.Config.HeartbeatInterval()
	}
	cutoff := e.now().UTC().Add(-staleAfter)
	for i := range workers {
		if workers[i].Status != "running" {
			continue
		}
		beat, err := time.Parse(time.RFC3339, workers[i].LastHeartbeat)
		if err != nil {
			continue
		}
		if beat.Before(cutoff) {
			workers[i].Status = "stale"
		}
	}
	return workers, nil
}
