package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/audit"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// ExecuteFunc re-enters the orchestrator with a stored request when a
// trigger fires.
type ExecuteFunc func(ctx context.Context, req core.ActionRequest, triggerID string) *core.Outcome

// Scheduler manages deferred-execution triggers: persisting them, wiring
// the external wakeup, and driving the at-least-once fire path.
type Scheduler struct {
	store     *TriggerStore
	registrar Registrar
	auditor   *audit.Logger
	logger    zerolog.Logger

	// Serializes fires within one process. Duplicate deliveries landing
	// concurrently run one at a time; the loser finds the trigger gone.
	fireMu sync.Mutex
}

// New creates a scheduler.
func New(store *TriggerStore, registrar Registrar, auditor *audit.Logger, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		registrar: registrar,
		auditor:   auditor,
		logger:    logger,
	}
}

// Defer stores a trigger for the request and registers its wakeup. The
// durable row is written first; a registration failure rolls the row back
// so no orphaned trigger lingers.
func (s *Scheduler) Defer(ctx context.Context, req core.ActionRequest, correlationID string) (*core.ScheduledTrigger, error) {
	if req.ScheduledAt == nil {
		return nil, errors.New("request has no scheduled time")
	}
	if !req.ScheduledAt.After(time.Now()) {
		return nil, fmt.Errorf("scheduled time %s is not in the future", req.ScheduledAt.Format(time.RFC3339))
	}

	trigger := &core.ScheduledTrigger{
		TriggerID: uuid.New().String(),
		FireAt:    req.ScheduledAt.UTC(),
		AccountID: req.AccountID,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.Insert(trigger); err != nil {
		return nil, err
	}

	name, err := s.registrar.Register(ctx, trigger)
	if err != nil {
		if delErr := s.store.Delete(trigger.TriggerID); delErr != nil {
			s.logger.Error().Err(delErr).Str("trigger_id", trigger.TriggerID).
				Msg("orphaned trigger row after failed registration")
		}
		return nil, fmt.Errorf("registering trigger wakeup: %w", err)
	}
	if err := s.store.SetScheduleName(trigger.TriggerID, name); err != nil {
		s.logger.Warn().Err(err).Str("trigger_id", trigger.TriggerID).Msg("recording schedule name failed")
	}

	if s.auditor != nil {
		s.auditor.Log(audit.EventTriggerCreated, correlationID, req.AccountID, map[string]string{
			"trigger_id": trigger.TriggerID,
			"fire_at":    trigger.FireAt.Format(time.RFC3339),
			"kind":       string(req.Kind),
		})
	}
	s.logger.Info().Str("trigger_id", trigger.TriggerID).Time("fire_at", trigger.FireAt).Msg("trigger deferred")
	return trigger, nil
}

// OnFire loads and executes a fired trigger, then deletes it. Execution
// happens before deletion, so a crash between the two re-runs the action
// on redelivery; adapters converge on no-op rather than fail when the
// mutation already holds.
//
// A delete failure after successful execution is surfaced alongside the
// outcome, never masked: the caller must know the trigger can fire again.
func (s *Scheduler) OnFire(ctx context.Context, triggerID string, exec ExecuteFunc) (*core.Outcome, error) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	trigger, _, err := s.store.Get(triggerID)
	if errors.Is(err, ErrTriggerNotFound) {
		// Already consumed by an earlier delivery.
		s.logger.Info().Str("trigger_id", triggerID).Msg("fired trigger already consumed")
		return nil, ErrTriggerNotFound
	}
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.Log(audit.EventTriggerFired, "", trigger.AccountID, map[string]string{
			"trigger_id": triggerID,
		})
	}

	outcome := exec(ctx, trigger.Request, triggerID)

	if err := s.store.Delete(triggerID); err != nil && !errors.Is(err, ErrTriggerNotFound) {
		return outcome, fmt.Errorf("trigger %s executed but not deleted, may fire again: %w", triggerID, err)
	}
	if s.auditor != nil {
		s.auditor.Log(audit.EventTriggerDeleted, outcome.CorrelationID, trigger.AccountID, map[string]string{
			"trigger_id": triggerID,
		})
	}
	return outcome, nil
}

// Cancel removes a pending trigger and its wakeup.
func (s *Scheduler) Cancel(ctx context.Context, triggerID string) error {
	_, scheduleName, err := s.store.Get(triggerID)
	if err != nil {
		return err
	}

	if scheduleName != "" && s.registrar != nil {
		if err := s.registrar.Deregister(ctx, scheduleName); err != nil {
			s.logger.Warn().Err(err).Str("trigger_id", triggerID).
				Msg("wakeup deregistration failed, schedule may fire into a deleted trigger")
		}
	}
	return s.store.Delete(triggerID)
}

// List returns all pending triggers.
func (s *Scheduler) List() ([]core.ScheduledTrigger, error) {
	return s.store.List()
}
