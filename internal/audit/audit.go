// Package audit provides the append-only audit logging system for the
// orchestrator. Audit records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventCredentialIssued   EventType = "credential_issued"
	EventCredentialRefused  EventType = "credential_refused"
	EventActionApplied      EventType = "action_applied"
	EventCompensationPushed EventType = "compensation_pushed"
	EventRollbackStarted    EventType = "rollback_started"
	EventRollbackStep       EventType = "rollback_step"
	EventRollbackFinished   EventType = "rollback_finished"
	EventTriggerCreated     EventType = "trigger_created"
	EventTriggerFired       EventType = "trigger_fired"
	EventTriggerDeleted     EventType = "trigger_deleted"
	EventRenderSucceeded    EventType = "render_succeeded"
	EventRenderFailed       EventType = "render_failed"
	EventRunCompleted       EventType = "run_completed"
)

// Logger writes tamper-evident audit records to the audit database.
// One chain per database; every record links to its predecessor.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// NewLogger creates an audit logger, recovering the chain tail from the
// database so restarts do not break chain continuity.
func NewLogger(db *sql.DB) (*Logger, error) {
	al := &Logger{db: db}

	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1",
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log writes an audit event. The record is appended immutably with a hash chain.
func (al *Logger) Log(eventType EventType, correlationID, accountID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := al.computeHash(now, eventType, correlationID, accountID, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, correlation_id, account_id, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		correlationID,
		accountID,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// computeHash creates the hash chain link:
// SHA-256(previousHash + timestamp + eventType + correlationID + accountID + detail).
// Every stored column participates, so no field can be rewritten without
// breaking the chain.
func (al *Logger) computeHash(ts time.Time, eventType EventType, correlationID, accountID, detail string) string {
	data := al.lastHash + ts.Format(time.RFC3339Nano) + string(eventType) + correlationID + accountID + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, correlation_id, account_id, detail, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, correlationID, accountID, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &correlationID, &accountID, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + eventType + correlationID + accountID + detail
		h := sha256.Sum256([]byte(data))
		expected := hex.EncodeToString(h[:])

		if expected != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, nil
}
