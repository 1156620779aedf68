// Package sched implements deferred execution: durable trigger records,
// their registration with EventBridge Scheduler, and the at-least-once
// fire path back into the orchestrator.
package sched

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ticketops-framework/ticketops/internal/core"
)

// ErrTriggerNotFound is returned when a trigger id has no stored record,
// typically because an earlier fire already consumed it.
var ErrTriggerNotFound = errors.New("trigger not found")

// TriggerStore persists scheduled triggers in the metadata database. Each
// row is created and deleted as a single-record operation.
type TriggerStore struct {
	db *sql.DB
}

// NewTriggerStore creates a trigger store.
func NewTriggerStore(db *sql.DB) *TriggerStore {
	return &TriggerStore{db: db}
}

// Insert persists a new trigger.
func (s *TriggerStore) Insert(trigger *core.ScheduledTrigger) error {
	reqJSON, err := json.Marshal(trigger.Request)
	if err != nil {
		return fmt.Errorf("marshaling trigger request: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO scheduled_triggers (trigger_id, fire_at, account_id, request, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		trigger.TriggerID,
		trigger.FireAt.UTC().Format(time.RFC3339),
		trigger.AccountID,
		string(reqJSON),
		trigger.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting trigger: %w", err)
	}
	return nil
}

// SetScheduleName records the external schedule name after registration.
func (s *TriggerStore) SetScheduleName(triggerID, name string) error {
	_, err := s.db.Exec(
		"UPDATE scheduled_triggers SET schedule_name = ? WHERE trigger_id = ?",
		name, triggerID,
	)
	return err
}

// Get loads one trigger by id.
func (s *TriggerStore) Get(triggerID string) (*core.ScheduledTrigger, string, error) {
	var t core.ScheduledTrigger
	var fireAt, createdAt, reqJSON, scheduleName string

	err := s.db.QueryRow(
		`SELECT trigger_id, fire_at, account_id, request, schedule_name, created_at
		 FROM scheduled_triggers WHERE trigger_id = ?`,
		triggerID,
	).Scan(&t.TriggerID, &fireAt, &t.AccountID, &reqJSON, &scheduleName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrTriggerNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading trigger %s: %w", triggerID, err)
	}

	t.FireAt, _ = time.Parse(time.RFC3339, fireAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if err := json.Unmarshal([]byte(reqJSON), &t.Request); err != nil {
		return nil, "", fmt.Errorf("decoding trigger request %s: %w", triggerID, err)
	}
	return &t, scheduleName, nil
}

// Delete removes a trigger record. Deleting an absent trigger returns
// ErrTriggerNotFound so callers can distinguish already-consumed from
// present-but-undeletable.
func (s *TriggerStore) Delete(triggerID string) error {
	res, err := s.db.Exec("DELETE FROM scheduled_triggers WHERE trigger_id = ?", triggerID)
	if err != nil {
		return fmt.Errorf("deleting trigger %s: %w", triggerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// List returns all pending triggers ordered by fire time.
func (s *TriggerStore) List() ([]core.ScheduledTrigger, error) {
	rows, err := s.db.Query(
		`SELECT trigger_id, fire_at, account_id, request, created_at
		 FROM scheduled_triggers ORDER BY fire_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer rows.Close()

	var triggers []core.ScheduledTrigger
	for rows.Next() {
		var t core.ScheduledTrigger
		var fireAt, createdAt, reqJSON string
		if err := rows.Scan(&t.TriggerID, &fireAt, &t.AccountID, &reqJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		t.FireAt, _ = time.Parse(time.RFC3339, fireAt)
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		json.Unmarshal([]byte(reqJSON), &t.Request)
		triggers = append(triggers, t)
	}
	return triggers, nil
}
