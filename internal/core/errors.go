package core

import (
	"fmt"
	"strings"
)

// ErrorKind discriminates failure classes within the validation and apply
// taxonomy so callers can branch without string matching.
type ErrorKind string

const (
	KindPrecondition           ErrorKind = "precondition"
	KindAmbiguousTarget        ErrorKind = "ambiguous_target"
	KindNotFound               ErrorKind = "not_found"
	KindRuleNotFound           ErrorKind = "rule_not_found"
	KindStateTransitionTimeout ErrorKind = "state_transition_timeout"
	KindMutationFailed         ErrorKind = "mutation_failed"
)

// ValidationError means a precondition was not met. Nothing was mutated,
// so nothing is rolled back.
type ValidationError struct {
	Kind ErrorKind
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Msg)
}

// NewAmbiguousTarget reports a selector matching more than one resource.
func NewAmbiguousTarget(selector string, matches int) *ValidationError {
	return &ValidationError{
		Kind: KindAmbiguousTarget,
		Msg:  fmt.Sprintf("selector %q matches %d resources; expected exactly one", selector, matches),
	}
}

// NewNotFound reports a selector matching no resource.
func NewNotFound(selector string) *ValidationError {
	return &ValidationError{
		Kind: KindNotFound,
		Msg:  fmt.Sprintf("no resource matches selector %q", selector),
	}
}

// NewRuleNotFound reports a rule-removal request for a rule that does not
// exist in the target rule set.
func NewRuleNotFound(detail string) *ValidationError {
	return &ValidationError{Kind: KindRuleNotFound, Msg: detail}
}

// ApplyError means a mutation was attempted and the resulting state is
// unknown or partially applied. It always triggers a rollback attempt.
type ApplyError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed (%s): %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// NewStateTransitionTimeout reports a resource that did not reach its
// target state within the bounded poll window. The mutation may still have
// taken effect; compensation must re-check current state before acting.
func NewStateTransitionTimeout(resourceID, wantState string, attempts int) *ApplyError {
	return &ApplyError{
		Kind: KindStateTransitionTimeout,
		Op:   fmt.Sprintf("waiting for %s to reach %s", resourceID, wantState),
		Err:  fmt.Errorf("state not reached after %d poll attempts", attempts),
	}
}

// AuthorizationError means the credential exchange was refused. The run
// terminates immediately; nothing was attempted, so no rollback is needed.
type AuthorizationError struct {
	AccountID string
	Err       error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("credential exchange refused for account %s: %v", e.AccountID, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// CompensationError is one failed cleanup step. Compensations are never
// retried automatically; failures are aggregated and surfaced for manual
// reconciliation.
type CompensationError struct {
	StepIndex   int
	Description string
	Err         error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation %d (%s) failed: %v", e.StepIndex, e.Description, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// PartialRollbackError aggregates every compensation failure from an
// unwind. An unwind always attempts all remaining steps; it never stops
// early, so Attempted equals the full stack depth at unwind time.
type PartialRollbackError struct {
	Attempted int
	Failures  []*CompensationError
}

func (e *PartialRollbackError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("rollback incomplete: %d of %d compensations failed: %s",
		len(e.Failures), e.Attempted, strings.Join(parts, "; "))
}

// TierFailure records why one rendering tier was rejected.
type TierFailure struct {
	Tier   string
	Detail string
}

// RenderingFailed means every visualization tier was exhausted. It is a
// diagnostic, not a fatal error: the orchestrator still reports the rest
// of the outcome.
type RenderingFailed struct {
	Failures []TierFailure
}

func (e *RenderingFailed) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Tier+": "+f.Detail)
	}
	return "all rendering tiers failed: " + strings.Join(parts, "; ")
}
