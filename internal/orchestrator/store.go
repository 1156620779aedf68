package orchestrator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ticketops-framework/ticketops/internal/core"
)

// RunRecord is one persisted orchestrator run.
type RunRecord struct {
	CorrelationID string             `json:"correlation_id"`
	TicketID      string             `json:"ticket_id,omitempty"`
	AccountID     string             `json:"account_id"`
	Kind          core.ActionKind    `json:"action_kind"`
	Request       core.ActionRequest `json:"request"`
	Status        string             `json:"status"`
	AppliedSteps  []string           `json:"applied_steps,omitempty"`
	ErrorDetail   string             `json:"error,omitempty"`
	TriggerID     string             `json:"trigger_id,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// RunStore persists run records in the metadata database.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a run store.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Begin inserts the run record at run start with RUNNING status.
func (s *RunStore) Begin(correlationID string, req *core.ActionRequest, triggerID string, startedAt time.Time) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO action_runs (correlation_id, ticket_id, account_id, action_kind, request, status, trigger_id, started_at)
		 VALUES (?, ?, ?, ?, ?, 'RUNNING', ?, ?)`,
		correlationID, req.TicketID, req.AccountID, string(req.Kind),
		string(reqJSON), triggerID, startedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting run record: %w", err)
	}
	return nil
}

// Complete records the terminal outcome on the run row.
func (s *RunStore) Complete(outcome *core.Outcome) error {
	stepsJSON, _ := json.Marshal(outcome.AppliedSteps)
	_, err := s.db.Exec(
		`UPDATE action_runs SET status = ?, applied_steps = ?, error_detail = ?, trigger_id = ?, completed_at = ?
		 WHERE correlation_id = ?`,
		string(outcome.Status), string(stepsJSON), outcome.ErrorDetail, outcome.TriggerID,
		time.Now().UTC().Format(time.RFC3339), outcome.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("updating run record: %w", err)
	}
	return nil
}

// List returns run records, optionally filtered by status and account.
func (s *RunStore) List(statusFilter, accountFilter string) ([]RunRecord, error) {
	query := `SELECT correlation_id, ticket_id, account_id, action_kind, request, status,
	           applied_steps, error_detail, trigger_id, started_at, completed_at
	           FROM action_runs WHERE 1=1`
	var args []any

	if statusFilter != "" {
		query += " AND status = ?"
		args = append(args, statusFilter)
	}
	if accountFilter != "" {
		query += " AND account_id = ?"
		args = append(args, accountFilter)
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// Get returns one run by correlation id. A unique prefix also matches.
func (s *RunStore) Get(correlationID string) (*RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT correlation_id, ticket_id, account_id, action_kind, request, status,
		 applied_steps, error_detail, trigger_id, started_at, completed_at
		 FROM action_runs WHERE correlation_id = ? OR correlation_id LIKE ? || '%'`,
		correlationID, correlationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run not found: %s", correlationID)
	}
	if len(runs) > 1 {
		return nil, fmt.Errorf("correlation id prefix %q matches %d runs", correlationID, len(runs))
	}
	return &runs[0], nil
}

func scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var kind, reqJSON, stepsJSON, startedAt string
		var completedAt sql.NullString

		err := rows.Scan(
			&r.CorrelationID, &r.TicketID, &r.AccountID, &kind, &reqJSON,
			&r.Status, &stepsJSON, &r.ErrorDetail, &r.TriggerID,
			&startedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}

		r.Kind = core.ActionKind(kind)
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			r.CompletedAt = &t
		}
		json.Unmarshal([]byte(reqJSON), &r.Request)
		json.Unmarshal([]byte(stepsJSON), &r.AppliedSteps)

		runs = append(runs, r)
	}
	return runs, nil
}
