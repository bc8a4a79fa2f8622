package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionctl/internal/domain"
)

const stepCols = `id,mission_id,step_kind,status,input_json,output_json,last_error,reserved_at,finished_at`

func scanStep(scan func(...any) error) (domain.Step, error) {
	var s domain.Step
	var inputJSON string
	var output, lastError, reserved, finished sql.NullString
	err := scan(&s.ID, &s.MissionID, &s.StepKind, &s.Status, &inputJSON, &output, &lastError, &reserved, &finished)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(inputJSON), &s.Input); err != nil {
		return s, fmt.Errorf("decode input for step %d: %w", s.ID, err)
	}
	out, err := unmarshalMap(output)
	if err != nil {
		return s, fmt.Errorf("decode output for step %d: %w", s.ID, err)
	}
	s.Output = out
	if lastError.Valid {
		s.LastError = &lastError.String
	}
	if reserved.Valid {
		s.ReservedAt = &reserved.String
	}
	if finished.Valid {
		s.FinishedAt = &finished.String
	}
	return s, nil
}

// InsertSteps bulk-inserts queued steps for a mission, preserving the
// given order; step ids are assigned by the store monotonically so the
// insert order is the execution order.
func (r Repo) InsertSteps(ctx context.Context, tx *sql.Tx, missionID string, stepKinds []string, input map[string]any) error {
	inputJSON, err := marshalMap(input)
	if err != nil {
		return err
	}
	for _, kind := range stepKinds {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mission_steps(mission_id,step_kind,status,input_json) VALUES (?,?,'queued',?)`,
			missionID, kind, inputJSON); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetStep(ctx context.Context, id int64) (domain.Step, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

// ListQueuedSteps returns a bounded window of claimable candidates in
// id order, which approximates FIFO across missions.
func (r Repo) ListQueuedSteps(ctx context.Context, limit int) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE status='queued' AND reserved_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// ListMissionSteps returns every step of a mission ordered by id, the
// canonical intra-mission execution order.
func (r Repo) ListMissionSteps(ctx context.Context, missionID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM mission_steps WHERE mission_id=? ORDER BY id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// ListSucceededOutputs returns (step_kind, output) pairs for a
// mission's succeeded steps in id order, for claim-time enrichment.
func (r Repo) ListSucceededOutputs(ctx context.Context, missionID string) ([]domain.StepOutput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT step_kind, output_json FROM mission_steps WHERE mission_id=? AND status='succeeded' ORDER BY id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepOutput
	for rows.Next() {
		var so domain.StepOutput
		var output sql.NullString
		if err := rows.Scan(&so.StepKind, &output); err != nil {
			return nil, err
		}
		out, err := unmarshalMap(output)
		if err != nil {
			return nil, err
		}
		so.Output = out
		res = append(res, so)
	}
	return res, rows.Err()
}

// ClaimStep is the compare-and-swap claim: it marks the step running
// only if it is still queued, in a single conditional update. The
// affected-row count is the sole signal of claim success; false means
// another worker won the race.
func (r Repo) ClaimStep(ctx context.Context, id int64, reservedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE mission_steps SET status='running', reserved_at=? WHERE id=? AND status='queued'`,
		reservedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishStep records a terminal step transition. The update is
// conditional on the step being running, so both a duplicate
// completion and a completion of a never-claimed step report false
// instead of writing. Keeps reserved_at set exactly when the step has
// progressed past queued.
func (r Repo) FinishStep(ctx context.Context, id int64, status string, output map[string]any, lastError *string, finishedAt string) (bool, error) {
	var outputJSON any
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return false, err
		}
		outputJSON = string(b)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE mission_steps SET status=?, output_json=?, last_error=?, finished_at=? WHERE id=? AND status='running'`,
		status, outputJSON, nullableStringPtr(lastError), finishedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func collectSteps(rows *sql.Rows) ([]domain.Step, error) {
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
