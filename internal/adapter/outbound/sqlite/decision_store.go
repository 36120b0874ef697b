package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agoramesh/policygate/internal/domain/decision"
	"github.com/agoramesh/policygate/internal/domain/policy"
)

// DecisionStore implements decision.Store on SQLite. The table is
// append-only: no UPDATE or DELETE statements exist here.
type DecisionStore struct {
	db *sql.DB
}

// NewDecisionStore creates a decision store on an opened database.
func NewDecisionStore(db *sql.DB) *DecisionStore {
	return &DecisionStore{db: db}
}

// Append stores decision records in one transaction per batch.
func (s *DecisionStore) Append(ctx context.Context, records ...decision.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decision_records (id, pack_id, pack_version, agent_id, task_id, checkpoint, outcome, reason_codes, context, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare decision insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		reasons, err := json.Marshal(rec.ReasonCodes)
		if err != nil {
			return fmt.Errorf("marshal reason codes: %w", err)
		}
		var contextJSON any
		if rec.Context != nil {
			b, err := json.Marshal(rec.Context)
			if err != nil {
				return fmt.Errorf("marshal decision context: %w", err)
			}
			contextJSON = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.PackID, rec.PackVersion, rec.AgentID, rec.TaskID,
			string(rec.Checkpoint), rec.Outcome, string(reasons), contextJSON,
			formatTime(rec.DecidedAt),
		); err != nil {
			return fmt.Errorf("insert decision %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// ListByAgent returns an agent's decisions newest first.
func (s *DecisionStore) ListByAgent(ctx context.Context, agentID string, onlyDenied bool, since time.Time, limit int) ([]decision.Record, error) {
	query := `
		SELECT id, pack_id, pack_version, agent_id, task_id, checkpoint, outcome, reason_codes, context, decided_at
		FROM decision_records WHERE agent_id = ?`
	args := []any{agentID}
	if onlyDenied {
		query += ` AND outcome = ?`
		args = append(args, decision.OutcomeDeny)
	}
	if !since.IsZero() {
		query += ` AND decided_at >= ?`
		args = append(args, formatTime(since))
	}
	query += ` ORDER BY decided_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var records []decision.Record
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByAgent returns total and denied decision counts for an agent.
func (s *DecisionStore) CountByAgent(ctx context.Context, agentID string, since time.Time) (total, denied int64, err error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0)
		FROM decision_records WHERE agent_id = ?`
	args := []any{decision.OutcomeDeny, agentID}
	if !since.IsZero() {
		query += ` AND decided_at >= ?`
		args = append(args, formatTime(since))
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &denied); err != nil {
		return 0, 0, fmt.Errorf("count decisions: %w", err)
	}
	return total, denied, nil
}

// Close closes the underlying database handle.
func (s *DecisionStore) Close() error {
	return s.db.Close()
}

func scanDecision(row rowScanner) (decision.Record, error) {
	var (
		rec         decision.Record
		checkpoint  string
		reasons     string
		contextJSON sql.NullString
		decidedAt   string
	)
	if err := row.Scan(&rec.ID, &rec.PackID, &rec.PackVersion, &rec.AgentID, &rec.TaskID,
		&checkpoint, &rec.Outcome, &reasons, &contextJSON, &decidedAt); err != nil {
		return decision.Record{}, err
	}
	rec.Checkpoint = policy.Checkpoint(checkpoint)
	if err := json.Unmarshal([]byte(reasons), &rec.ReasonCodes); err != nil {
		return decision.Record{}, fmt.Errorf("decision %s: unmarshal reason codes: %w", rec.ID, err)
	}
	if contextJSON.Valid {
		var in policy.Input
		if err := json.Unmarshal([]byte(contextJSON.String), &in); err != nil {
			return decision.Record{}, fmt.Errorf("decision %s: unmarshal context: %w", rec.ID, err)
		}
		rec.Context = &in
	}
	at, err := parseTime(decidedAt)
	if err != nil {
		return decision.Record{}, fmt.Errorf("decision %s: %w", rec.ID, err)
	}
	rec.DecidedAt = at
	return rec, nil
}

// Compile-time interface verification.
var _ decision.Store = (*DecisionStore)(nil)
