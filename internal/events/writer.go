package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Writer appends rows to the append-only event log. Event logging is
// diagnostic, not authoritative state: callers that must not fail on a
// logging error use Log, which warns and swallows.
type Writer struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time
}

type Payload map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Append inserts one event row.
func (w Writer) Append(ctx context.Context, agentID, eventType string, tags []string, payload Payload) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	if tags == nil {
		tags = []string{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal event tags: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(agent_id,event_type,tags_json,payload_json,created_at) VALUES (?,?,?,?,?)`,
		agentID, eventType, string(tagsJSON), string(payloadJSON), ts)
	return err
}

// Log is the best-effort variant: a failed append never aborts the
// operation that triggered it.
func (w Writer) Log(ctx context.Context, agentID, eventType string, tags []string, payload Payload) {
	if err := w.Append(ctx, agentID, eventType, tags, payload); err != nil {
		w.logger().Printf("WARNING: failed to log event %s: %v", eventType, err)
	}
}
