package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/audit"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// rollback unwinds the compensation stack after a failed apply and writes
// the terminal status onto the outcome: ROLLED_BACK when every inverse
// succeeded, FAILED with the aggregate when any did not.
func (o *Orchestrator) rollback(ctx context.Context, xc *core.ExecutionContext, outcome *core.Outcome, applyErr error, logger zerolog.Logger) {
	if o.auditor != nil {
		o.auditor.Log(audit.EventRollbackStarted, xc.CorrelationID, xc.AccountID, map[string]string{
			"steps": fmt.Sprintf("%d", len(xc.Compensations)),
			"cause": applyErr.Error(),
		})
	}
	logger.Warn().Err(applyErr).Int("steps", len(xc.Compensations)).Msg("apply failed, unwinding")

	unwindErr := o.unwind(ctx, xc, logger)

	if o.auditor != nil {
		detail := map[string]string{"complete": fmt.Sprintf("%t", unwindErr == nil)}
		if unwindErr != nil {
			detail["error"] = unwindErr.Error()
		}
		o.auditor.Log(audit.EventRollbackFinished, xc.CorrelationID, xc.AccountID, detail)
	}

	if unwindErr != nil {
		outcome.Status = core.StatusFailed
		outcome.Err = unwindErr
		outcome.ErrorDetail = fmt.Sprintf("%s (while rolling back: %s)", applyErr.Error(), unwindErr.Error())
		return
	}
	outcome.Status = core.StatusRolledBack
	outcome.Err = applyErr
	outcome.ErrorDetail = applyErr.Error()
}

// unwind executes every compensation in reverse push order. A failed step
// never stops the walk: each remaining inverse still gets its attempt, and
// the failures come back aggregated for manual reconciliation.
func (o *Orchestrator) unwind(ctx context.Context, xc *core.ExecutionContext, logger zerolog.Logger) error {
	attempted := len(xc.Compensations)
	var failures []*core.CompensationError

	for i := attempted - 1; i >= 0; i-- {
		step := xc.Compensations[i]

		a, ok := o.adapters.Get(step.Kind)
		if !ok {
			failures = append(failures, &core.CompensationError{
				StepIndex:   step.Index,
				Description: step.Description,
				Err:         fmt.Errorf("no adapter for kind %q", step.Kind),
			})
			continue
		}

		err := a.Compensate(ctx, step, xc)
		if o.auditor != nil {
			detail := map[string]string{
				"index":       fmt.Sprintf("%d", step.Index),
				"description": step.Description,
				"ok":          fmt.Sprintf("%t", err == nil),
			}
			if err != nil {
				detail["error"] = err.Error()
			}
			o.auditor.Log(audit.EventRollbackStep, xc.CorrelationID, xc.AccountID, detail)
		}
		if err != nil {
			logger.Error().Err(err).Int("index", step.Index).Str("step", step.Description).Msg("compensation failed")
			failures = append(failures, &core.CompensationError{
				StepIndex:   step.Index,
				Description: step.Description,
				Err:         err,
			})
			continue
		}
		logger.Info().Int("index", step.Index).Str("step", step.Description).Msg("compensation applied")
	}

	if len(failures) > 0 {
		return &core.PartialRollbackError{Attempted: attempted, Failures: failures}
	}
	return nil
}
