package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionctl/internal/domain"
)

func (r Repo) GetPolicy(ctx context.Context, key string) (domain.Policy, error) {
	var p domain.Policy
	var valueJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT key,value_json,updated_at FROM policies WHERE key=?`, key).
		Scan(&p.Key, &valueJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(valueJSON), &p.Value); err != nil {
		return p, fmt.Errorf("decode policy %s: %w", key, err)
	}
	return p, nil
}

func (r Repo) UpsertPolicy(ctx context.Context, key string, value map[string]any) (domain.Policy, error) {
	valueJSON, err := marshalMap(value)
	if err != nil {
		return domain.Policy{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO policies(key,value_json,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`, key, valueJSON, now)
	if err != nil {
		return domain.Policy{}, err
	}
	return domain.Policy{Key: key, Value: value, UpdatedAt: now}, nil
}

func (r Repo) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value_json,updated_at FROM policies ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var p domain.Policy
		var valueJSON string
		if err := rows.Scan(&p.Key, &valueJSON, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(valueJSON), &p.Value); err != nil {
			return nil, fmt.Errorf("decode policy %s: %w", p.Key, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
