package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionctl/internal/domain"
)

func (r Repo) UpsertWorkerStatus(ctx context.Context, ws domain.WorkerStatus) error {
	var metadata any
	if ws.Metadata != nil {
		b, err := json.Marshal(ws.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO worker_status(worker_name,status,last_heartbeat,jobs_processed,error_count,metadata_json)
VALUES (?,?,?,?,?,?)
ON CONFLICT(worker_name) DO UPDATE SET status=excluded.status, last_heartbeat=excluded.last_heartbeat,
jobs_processed=excluded.jobs_processed, error_count=excluded.error_count, metadata_json=excluded.metadata_json`,
		ws.WorkerName, ws.Status, ws.LastHeartbeat, ws.JobsProcessed, ws.ErrorCount, metadata)
	return err
}

func (r Repo) GetWorkerStatus(ctx context.Context, workerName string) (domain.WorkerStatus, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT worker_name,status,last_heartbeat,jobs_processed,error_count,metadata_json FROM worker_status WHERE worker_name=?`, workerName)
	return scanWorkerStatus(row.Scan)
}

func (r Repo) ListWorkerStatuses(ctx context.Context) ([]domain.WorkerStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT worker_name,status,last_heartbeat,jobs_processed,error_count,metadata_json FROM worker_status ORDER BY worker_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkerStatus
	for rows.Next() {
		ws, err := scanWorkerStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, rows.Err()
}

func scanWorkerStatus(scan func(...any) error) (domain.WorkerStatus, error) {
	var ws domain.WorkerStatus
	var metadata sql.NullString
	err := scan(&ws.WorkerName, &ws.Status, &ws.LastHeartbeat, &ws.JobsProcessed, &ws.ErrorCount, &metadata)
	if err == sql.ErrNoRows {
		return ws, ErrNotFound
	}
	if err != nil {
		return ws, err
	}
	meta, err := unmarshalMap(metadata)
	if err != nil {
		return ws, fmt.Errorf("decode metadata for worker %s: %w", ws.WorkerName, err)
	}
	ws.Metadata = meta
	return ws, nil
}
