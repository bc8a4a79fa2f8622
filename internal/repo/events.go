package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"missionctl/internal/domain"
)

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	var tagsJSON, payloadJSON string
	err := scan(&e.ID, &e.AgentID, &e.EventType, &tagsJSON, &payloadJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return e, fmt.Errorf("decode tags for event %d: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return e, fmt.Errorf("decode payload for event %d: %w", e.ID, err)
	}
	return e, nil
}

// LatestEvents returns events newest-first, optionally filtered and
// resumable from an id cursor.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, eventType, agentID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if eventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, eventType)
	}
	if agentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, agentID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,agent_id,event_type,tags_json,payload_json,created_at FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountTaggedEventsSince counts events created at or after the given
// RFC3339 instant whose tags contain the tag. Tags are stored as a JSON
// array; membership is checked against the quoted element.
func (r Repo) CountTaggedEventsSince(ctx context.Context, tag, since string) (int, error) {
	quoted, err := json.Marshal(tag)
	if err != nil {
		return 0, err
	}
	var count int
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE created_at >= ? AND instr(tags_json, ?) > 0`,
		since, string(quoted)).Scan(&count)
	return count, err
}
