// Package core defines the shared data model for the ticket action
// orchestrator: action requests, execution contexts, compensation records,
// scheduled triggers, outcomes, and the error taxonomy.
package core

import (
	"time"
)

// ActionKind identifies the resource mutation a ticket requests.
type ActionKind string

const (
	ActionComputeStart      ActionKind = "compute_start"
	ActionComputeStop       ActionKind = "compute_stop"
	ActionNetworkRuleAdd    ActionKind = "network_rule_add"
	ActionNetworkRuleRemove ActionKind = "network_rule_remove"
	ActionIdentityProvision ActionKind = "identity_provision"
)

// Valid reports whether the kind is one of the supported action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionComputeStart, ActionComputeStop,
		ActionNetworkRuleAdd, ActionNetworkRuleRemove,
		ActionIdentityProvision:
		return true
	}
	return false
}

// NetworkRuleSpec carries the kind-specific parameters for security group
// rule changes. Multiple ports form one atomic batch: either every port
// passes validation and all are applied, or none are.
type NetworkRuleSpec struct {
	Direction string  `json:"direction"` // ingress | egress
	Protocol  string  `json:"protocol"`  // tcp | udp | icmp
	Ports     []int32 `json:"ports"`
	CIDR      string  `json:"cidr"` // IPv4 or IPv6 CIDR
}

// IdentitySpec carries the kind-specific parameters for access provisioning.
type IdentitySpec struct {
	UserName        string   `json:"user_name"`
	PolicyARNs      []string `json:"policy_arns,omitempty"`
	ConsoleAccess   bool     `json:"console_access"`
	AccessKey       bool     `json:"access_key"`
	RotateAfterDays int      `json:"rotate_after_days,omitempty"`
}

// ActionRequest is the classified, parsed action a ticket asked for.
// It is immutable once created; the extraction step that produces it is
// outside this subsystem.
type ActionRequest struct {
	Kind             ActionKind       `json:"action_kind"`
	TicketID         string           `json:"ticket_id,omitempty"`
	AccountID        string           `json:"target_account_id"`
	Region           string           `json:"target_region"`
	ResourceSelector string           `json:"resource_selector,omitempty"`
	NetworkRule      *NetworkRuleSpec `json:"network_rule,omitempty"`
	Identity         *IdentitySpec    `json:"identity,omitempty"`
	ScheduledAt      *time.Time       `json:"scheduled_at,omitempty"`
}

// ScopedCredentials is a time-boxed credential set issued for exactly one
// execution context. It is never persisted and never outlives its context.
type ScopedCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	AccountID       string
	Region          string
	Expiry          time.Time
}

// String renders the credentials without secret material.
func (c ScopedCredentials) String() string {
	keyID := c.AccessKeyID
	if len(keyID) > 8 {
		keyID = keyID[:4] + "..." + keyID[len(keyID)-4:]
	}
	return "ScopedCredentials{key=" + keyID + " account=" + c.AccountID + " region=" + c.Region + "}"
}

// Expired reports whether the credentials are past their expiry.
func (c ScopedCredentials) Expired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}

// AppliedState is the serializable record an adapter returns after a
// successful mutation. It captures the pre-mutation state the inverse
// operation needs, keyed by adapter-defined field names, so rollback is
// data-driven and testable without real side effects.
type AppliedState struct {
	Kind        ActionKind        `json:"kind"`
	Description string            `json:"description"`
	NoOp        bool              `json:"no_op,omitempty"` // mutation was already in effect
	Fields      map[string]string `json:"fields,omitempty"`
}

// Field returns a captured state field, or "" if absent.
func (s *AppliedState) Field(name string) string {
	if s == nil || s.Fields == nil {
		return ""
	}
	return s.Fields[name]
}

// CompensationStep is one entry on the rollback stack. Steps are pushed in
// forward order, one per observably successful mutation, and consumed
// strictly in reverse order on unwind.
type CompensationStep struct {
	Index       int          `json:"index"`
	Kind        ActionKind   `json:"kind"`
	Description string       `json:"description"`
	State       AppliedState `json:"state"`
}

// ExecutionContext is the per-ticket bundle of correlation id, scoped
// credentials, and rollback stack. It is owned by exactly one orchestrator
// run, never shared across tickets, and destroyed at run completion.
type ExecutionContext struct {
	CorrelationID string
	AccountID     string
	Region        string
	Credentials   *ScopedCredentials
	Compensations []CompensationStep
	StartedAt     time.Time
}

// PushCompensation appends a compensation step, assigning its order index.
// The caller must only push after the corresponding forward mutation
// observably succeeded.
func (x *ExecutionContext) PushCompensation(kind ActionKind, state AppliedState) {
	x.Compensations = append(x.Compensations, CompensationStep{
		Index:       len(x.Compensations),
		Kind:        kind,
		Description: state.Description,
		State:       state,
	})
}

// Discard drops the credential material. Called at run completion
// regardless of outcome so credentials cannot outlive the context.
func (x *ExecutionContext) Discard() {
	x.Credentials = nil
	x.Compensations = nil
}

// ScheduledTrigger is a durable deferred-execution record. It is created by
// the scheduler, consumed at-least-once by re-entry into the orchestrator,
// and deleted after execution.
type ScheduledTrigger struct {
	TriggerID string        `json:"trigger_id"`
	FireAt    time.Time     `json:"fire_at"`
	AccountID string        `json:"target_account_id"`
	Request   ActionRequest `json:"request"`
	CreatedAt time.Time     `json:"created_at"`
}

// OutcomeStatus is the terminal state of one orchestrator run.
type OutcomeStatus string

const (
	StatusSucceeded  OutcomeStatus = "SUCCEEDED"
	StatusRolledBack OutcomeStatus = "ROLLED_BACK"
	StatusFailed     OutcomeStatus = "FAILED"
	StatusScheduled  OutcomeStatus = "SCHEDULED"
)

// MessageTemplate maps each terminal status to the customer-facing
// template name the notifier renders. Stable across all action kinds.
func (s OutcomeStatus) MessageTemplate() string {
	switch s {
	case StatusSucceeded:
		return "action-completed"
	case StatusRolledBack:
		return "action-reverted"
	case StatusScheduled:
		return "action-scheduled"
	default:
		return "action-failed-needs-attention"
	}
}

// Attachment is an optional rendered metric image plus its diagnostic.
// When rendering fails, Image is nil and Diagnostic explains why.
type Attachment struct {
	Image      []byte `json:"-"`
	Filename   string `json:"filename,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Outcome is the single terminal record of one ticket-processing run,
// consumed by notification code outside this subsystem.
type Outcome struct {
	CorrelationID string        `json:"correlation_id"`
	Status        OutcomeStatus `json:"status"`
	AppliedSteps  []string      `json:"applied_steps,omitempty"`
	TriggerID     string        `json:"trigger_id,omitempty"`
	ErrorDetail   string        `json:"error,omitempty"`
	Attachment    *Attachment   `json:"attachment,omitempty"`

	// Err carries the typed error for programmatic inspection; the
	// serialized form uses ErrorDetail.
	Err error `json:"-"`
}

// Dimension is one metric dimension. Order of dimensions in a descriptor
// is semantically significant for the rendering API and must be preserved
// exactly as captured from the alarm.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MetricDescriptor identifies the metric behind a monitoring alarm,
// derived read-only from alarm text.
type MetricDescriptor struct {
	AlarmName          string      `json:"alarm_name"`
	Namespace          string      `json:"namespace"`
	MetricName         string      `json:"metric_name"`
	Dimensions         []Dimension `json:"dimensions"`
	Statistic          string      `json:"statistic"`
	Period             int32       `json:"period"`
	Threshold          *float64    `json:"threshold,omitempty"`
	ComparisonOperator string      `json:"comparison_operator,omitempty"`
	Unit               string      `json:"unit,omitempty"`
	Region             string      `json:"region"`
}
