package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"missionctl/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// --- proposals ---

const proposalCols = `id,agent_id,title,COALESCE(description,'') AS description,step_kinds_json,status,rejection_reason,decided_at,metadata_json,created_at`

func scanProposal(scan func(...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var kindsJSON string
	var reason, decided, metadata sql.NullString
	err := scan(&p.ID, &p.AgentID, &p.Title, &p.Description, &kindsJSON, &p.Status, &reason, &decided, &metadata, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(kindsJSON), &p.StepKinds); err != nil {
		return p, fmt.Errorf("decode step_kinds for proposal %s: %w", p.ID, err)
	}
	if reason.Valid {
		p.RejectionReason = &reason.String
	}
	if decided.Valid {
		p.DecidedAt = &decided.String
	}
	meta, err := unmarshalMap(metadata)
	if err != nil {
		return p, fmt.Errorf("decode metadata for proposal %s: %w", p.ID, err)
	}
	p.Metadata = meta
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, p domain.Proposal) error {
	kinds, err := json.Marshal(p.StepKinds)
	if err != nil {
		return err
	}
	var metadata any
	if p.Metadata != nil {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO proposals(id,agent_id,title,description,step_kinds_json,status,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.AgentID, p.Title, nullable(p.Description), string(kinds), p.Status, metadata, p.CreatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

type ProposalFilters struct {
	Status          string
	AgentID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proposalCols + ` FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DecideProposal flips a pending proposal to a terminal decision. The
// update is conditional on the current status so a proposal is decided
// at most once; zero affected rows means the proposal was missing or
// already decided.
func (r Repo) DecideProposal(ctx context.Context, tx *sql.Tx, id, status string, reason *string, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, rejection_reason=?, decided_at=? WHERE id=? AND status='pending'`,
		status, nullableStringPtr(reason), decidedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- missions ---

const missionCols = `id,proposal_id,status,started_at,finished_at,created_at`

func scanMission(scan func(...any) error) (domain.Mission, error) {
	var m domain.Mission
	var started, finished sql.NullString
	err := scan(&m.ID, &m.ProposalID, &m.Status, &started, &finished, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if started.Valid {
		m.StartedAt = &started.String
	}
	if finished.Valid {
		m.FinishedAt = &finished.String
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,proposal_id,status,created_at) VALUES (?,?,?,?)`,
		m.ID, m.ProposalID, m.Status, m.CreatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionByProposal(ctx context.Context, proposalID string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE proposal_id=?`, proposalID)
	return scanMission(row.Scan)
}

type MissionFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionCols + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// TransitionMission moves a mission between statuses with a conditional
// update. fromStatuses guards monotonicity: the write only lands if the
// mission is currently in one of them.
func (r Repo) TransitionMission(ctx context.Context, id, toStatus string, fromStatuses []string, startedAt, finishedAt *string) (bool, error) {
	if len(fromStatuses) == 0 {
		return false, errors.New("fromStatuses required")
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(fromStatuses)), ",")
	sets := []string{"status=?"}
	args := []any{toStatus}
	if startedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, *startedAt)
	}
	if finishedAt != nil {
		sets = append(sets, "finished_at=?")
		args = append(args, *finishedAt)
	}
	args = append(args, id)
	for _, s := range fromStatuses {
		args = append(args, s)
	}
	query := fmt.Sprintf(`UPDATE missions SET %s WHERE id=? AND status IN (%s)`, strings.Join(sets, ","), placeholders)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countByStatus(ctx, "missions")
}

func (r Repo) CountProposalsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countByStatus(ctx, "proposals")
}

func (r Repo) CountStepsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countByStatus(ctx, "mission_steps")
}

func (r Repo) countByStatus(ctx context.Context, table string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
