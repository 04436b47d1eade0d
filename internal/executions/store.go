// Package executions archives terminal workflow executions and node
// checkpoints in postgres. The payloads are stored as opaque JSONB so
// schema churn in the workflow layer never needs a migration.
package executions

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"imovelbot/internal/faults"
	"imovelbot/internal/persistence"
	"imovelbot/internal/workflow"
)

type Store struct {
	db *persistence.PostgresDB
}

func NewStore(db *persistence.PostgresDB) *Store {
	return &Store{db: db}
}

// SaveExecution upserts the execution record. Re-archiving the same
// execution after a late retry overwrites the earlier row.
func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return faults.Internal(err, "encode execution %s", exec.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow, conversation_key, status, payload, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, finished_at = EXCLUDED.finished_at`,
		exec.ID, exec.Workflow, exec.ConversationKey, string(exec.Status), payload, exec.StartedAt, nullableTime(exec.FinishedAt))
	if err != nil {
		return faults.Connection(err, "archive execution %s", exec.ID)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, executionID, node string, output interface{}, stateHash string) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return faults.Internal(err, "encode checkpoint %s/%s", executionID, node)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (execution_id, node, output, state_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		executionID, node, payload, stateHash, time.Now())
	if err != nil {
		return faults.Connection(err, "archive checkpoint %s/%s", executionID, node)
	}
	return nil
}

// Record is the archived row returned by listings, with the execution
// payload left opaque.
type Record struct {
	ID              string          `json:"id"`
	Workflow        string          `json:"workflow"`
	ConversationKey string          `json:"conversation_key"`
	Status          string          `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// ListByConversation returns the most recent executions for one
// conversation, newest first, capped at limit.
func (s *Store) ListByConversation(ctx context.Context, conversationKey string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow, conversation_key, status, payload, started_at, finished_at
		FROM workflow_executions
		WHERE conversation_key = $1
		ORDER BY started_at DESC
		LIMIT $2`, conversationKey, limit)
	if err != nil {
		return nil, faults.Connection(err, "list executions for %s", conversationKey)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Workflow, &r.ConversationKey, &r.Status, &r.Payload, &r.StartedAt, &finished); err != nil {
			return nil, faults.Internal(err, "scan execution row")
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
