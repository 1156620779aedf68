// Package orchestrator drives one ticket action end to end: credential
// acquisition, adapter dispatch, compensating rollback on failure, and
// the terminal outcome record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/adapter"
	"github.com/ticketops-framework/ticketops/internal/audit"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// CredentialBroker issues per-context scoped credentials.
type CredentialBroker interface {
	Acquire(ctx context.Context, accountID, region, correlationID string) (*core.ScopedCredentials, error)
}

// Deferrer stores a future-dated request and arranges its wakeup.
type Deferrer interface {
	Defer(ctx context.Context, req core.ActionRequest, correlationID string) (*core.ScheduledTrigger, error)
}

// MetricRenderer produces a metric graph attachment for an alarm.
type MetricRenderer interface {
	Render(ctx context.Context, creds core.ScopedCredentials, desc core.MetricDescriptor) (*core.Attachment, error)
}

// Orchestrator executes classified ticket actions.
type Orchestrator struct {
	broker        CredentialBroker
	adapters      *adapter.Registry
	deferrer      Deferrer
	renderer      MetricRenderer
	runs          *RunStore
	auditor       *audit.Logger
	logger        zerolog.Logger
	defaultRegion string
}

// New creates an orchestrator. The deferrer, renderer, run store, and
// auditor are each optional; a nil deferrer turns scheduled requests into
// validation failures.
func New(broker CredentialBroker, adapters *adapter.Registry, deferrer Deferrer, renderer MetricRenderer, runs *RunStore, auditor *audit.Logger, logger zerolog.Logger, defaultRegion string) *Orchestrator {
	return &Orchestrator{
		broker:        broker,
		adapters:      adapters,
		deferrer:      deferrer,
		renderer:      renderer,
		runs:          runs,
		auditor:       auditor,
		logger:        logger,
		defaultRegion: defaultRegion,
	}
}

// Execute runs one action request to a terminal outcome. It never panics
// outward and never returns an error: every failure mode is encoded in
// the outcome so the notification layer downstream has exactly one shape
// to consume.
func (o *Orchestrator) Execute(ctx context.Context, req core.ActionRequest) *core.Outcome {
	return o.execute(ctx, req, "")
}

// ExecuteTriggered is the re-entry point for fired triggers. The stored
// request runs exactly like a fresh one; triggerID only threads through
// to the outcome and run record.
func (o *Orchestrator) ExecuteTriggered(ctx context.Context, req core.ActionRequest, triggerID string) *core.Outcome {
	return o.execute(ctx, req, triggerID)
}

func (o *Orchestrator) execute(ctx context.Context, req core.ActionRequest, triggerID string) *core.Outcome {
	correlationID := uuid.New().String()
	logger := o.logger.With().Str("correlation_id", correlationID).Str("kind", string(req.Kind)).Logger()

	if req.Region == "" {
		req.Region = o.defaultRegion
	}

	outcome := &core.Outcome{CorrelationID: correlationID, TriggerID: triggerID}
	startedAt := time.Now().UTC()
	if o.runs != nil {
		if err := o.runs.Begin(correlationID, &req, triggerID, startedAt); err != nil {
			logger.Warn().Err(err).Msg("recording run start failed")
		}
	}
	defer o.finish(outcome, &req, startedAt, logger)

	if !req.Kind.Valid() {
		o.fail(outcome, &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("unsupported action kind %q", req.Kind)})
		return outcome
	}
	if req.AccountID == "" {
		o.fail(outcome, &core.ValidationError{Kind: core.KindPrecondition, Msg: "target account id is required"})
		return outcome
	}

	// A future-dated request is stored, not executed. Fired triggers pass
	// through: their scheduled time has arrived by definition.
	if triggerID == "" && req.ScheduledAt != nil && req.ScheduledAt.After(time.Now()) {
		if o.deferrer == nil {
			o.fail(outcome, &core.ValidationError{Kind: core.KindPrecondition, Msg: "deferred execution is not configured"})
			return outcome
		}
		trigger, err := o.deferrer.Defer(ctx, req, correlationID)
		if err != nil {
			o.fail(outcome, err)
			return outcome
		}
		outcome.Status = core.StatusScheduled
		outcome.TriggerID = trigger.TriggerID
		logger.Info().Str("trigger_id", trigger.TriggerID).Time("fire_at", trigger.FireAt).Msg("action deferred")
		return outcome
	}

	a, ok := o.adapters.Get(req.Kind)
	if !ok {
		o.fail(outcome, &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("no adapter for kind %q", req.Kind)})
		return outcome
	}

	creds, err := o.broker.Acquire(ctx, req.AccountID, req.Region, correlationID)
	if err != nil {
		o.fail(outcome, err)
		return outcome
	}

	xc := &core.ExecutionContext{
		CorrelationID: correlationID,
		AccountID:     req.AccountID,
		Region:        req.Region,
		Credentials:   creds,
		StartedAt:     startedAt,
	}
	defer xc.Discard()

	if err := a.Validate(ctx, &req, xc); err != nil {
		o.fail(outcome, err)
		return outcome
	}

	state, err := a.Apply(ctx, &req, xc)
	if o.auditor != nil {
		for _, c := range xc.Compensations {
			o.auditor.Log(audit.EventCompensationPushed, correlationID, req.AccountID, map[string]string{
				"index":       fmt.Sprintf("%d", c.Index),
				"description": c.Description,
			})
		}
	}
	if err != nil {
		if len(xc.Compensations) == 0 {
			// Nothing observably mutated; there is nothing to revert.
			o.fail(outcome, err)
			return outcome
		}
		o.rollback(ctx, xc, outcome, err, logger)
		return outcome
	}

	outcome.Status = core.StatusSucceeded
	outcome.AppliedSteps = stepTrail(xc, state)
	if o.auditor != nil {
		o.auditor.Log(audit.EventActionApplied, correlationID, req.AccountID, map[string]string{
			"kind":        string(req.Kind),
			"description": state.Description,
			"no_op":       fmt.Sprintf("%t", state.NoOp),
		})
	}
	logger.Info().Str("description", state.Description).Bool("no_op", state.NoOp).Msg("action applied")
	return outcome
}

// fail records a terminal failure on the outcome.
func (o *Orchestrator) fail(outcome *core.Outcome, err error) {
	outcome.Status = core.StatusFailed
	outcome.Err = err
	outcome.ErrorDetail = err.Error()
}

// finish persists and audits the terminal outcome.
func (o *Orchestrator) finish(outcome *core.Outcome, req *core.ActionRequest, startedAt time.Time, logger zerolog.Logger) {
	if o.runs != nil {
		if err := o.runs.Complete(outcome); err != nil {
			logger.Warn().Err(err).Msg("recording run completion failed")
		}
	}
	if o.auditor != nil {
		detail := map[string]string{
			"status":   string(outcome.Status),
			"kind":     string(req.Kind),
			"template": outcome.Status.MessageTemplate(),
		}
		if outcome.ErrorDetail != "" {
			detail["error"] = outcome.ErrorDetail
		}
		o.auditor.Log(audit.EventRunCompleted, outcome.CorrelationID, req.AccountID, detail)
	}
	logger.Info().Str("status", string(outcome.Status)).
		Dur("elapsed", time.Since(startedAt)).Msg("run completed")
}

// stepTrail lists every mutation made during the run, in forward order,
// followed by the final applied-state summary.
func stepTrail(xc *core.ExecutionContext, state *core.AppliedState) []string {
	steps := make([]string, 0, len(xc.Compensations)+1)
	for _, c := range xc.Compensations {
		steps = append(steps, fmt.Sprintf("recorded inverse: %s", c.Description))
	}
	return append(steps, state.Description)
}

// RenderMetric acquires scoped credentials for the alarm's account and
// renders its metric graph. Rendering failures come back as an
// attachment-free diagnostic, never as a run failure.
func (o *Orchestrator) RenderMetric(ctx context.Context, accountID string, desc core.MetricDescriptor) (*core.Attachment, error) {
	if o.renderer == nil {
		return nil, errors.New("metric rendering is not configured")
	}
	correlationID := uuid.New().String()

	region := desc.Region
	if region == "" {
		region = o.defaultRegion
	}
	creds, err := o.broker.Acquire(ctx, accountID, region, correlationID)
	if err != nil {
		return nil, err
	}
	defer func() { *creds = core.ScopedCredentials{} }()

	att, err := o.renderer.Render(ctx, *creds, desc)
	if err != nil {
		var rf *core.RenderingFailed
		if errors.As(err, &rf) {
			if o.auditor != nil {
				o.auditor.Log(audit.EventRenderFailed, correlationID, accountID, map[string]string{
					"alarm": desc.AlarmName,
					"error": rf.Error(),
				})
			}
			return &core.Attachment{Diagnostic: rf.Error()}, nil
		}
		return nil, err
	}

	if o.auditor != nil {
		o.auditor.Log(audit.EventRenderSucceeded, correlationID, accountID, map[string]string{
			"alarm":    desc.AlarmName,
			"filename": att.Filename,
		})
	}
	return att, nil
}
