package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/adapter"
	"github.com/ticketops-framework/ticketops/internal/core"
	"github.com/ticketops-framework/ticketops/internal/db"
)

// fakeBroker issues canned credentials or refuses.
type fakeBroker struct {
	refuse   bool
	acquired int
}

func (b *fakeBroker) Acquire(ctx context.Context, accountID, region, correlationID string) (*core.ScopedCredentials, error) {
	if b.refuse {
		return nil, &core.AuthorizationError{AccountID: accountID, Err: errors.New("AccessDenied")}
	}
	b.acquired++
	return &core.ScopedCredentials{
		AccessKeyID: "ASIATEST",
		AccountID:   accountID,
		Region:      region,
		Expiry:      time.Now().Add(15 * time.Minute),
	}, nil
}

// scriptedAdapter pushes a configurable number of compensations and then
// optionally fails. Compensation calls are recorded in invocation order.
type scriptedAdapter struct {
	kind          core.ActionKind
	pushBeforeErr int
	applyErr      error
	validateErr   error
	noOp          bool

	compensated    []int
	failCompensate map[int]error
}

func (a *scriptedAdapter) Kinds() []core.ActionKind { return []core.ActionKind{a.kind} }

func (a *scriptedAdapter) Validate(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) error {
	return a.validateErr
}

func (a *scriptedAdapter) Apply(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) (*core.AppliedState, error) {
	for i := 0; i < a.pushBeforeErr; i++ {
		xc.PushCompensation(a.kind, core.AppliedState{
			Kind:        a.kind,
			Description: "undo step",
			Fields:      map[string]string{"n": string(rune('0' + i))},
		})
	}
	if a.applyErr != nil {
		return nil, a.applyErr
	}
	return &core.AppliedState{Kind: a.kind, Description: "applied", NoOp: a.noOp}, nil
}

func (a *scriptedAdapter) Compensate(ctx context.Context, step core.CompensationStep, xc *core.ExecutionContext) error {
	a.compensated = append(a.compensated, step.Index)
	if err, ok := a.failCompensate[step.Index]; ok {
		return err
	}
	return nil
}

type fakeDeferrer struct {
	deferred []core.ActionRequest
	err      error
}

func (d *fakeDeferrer) Defer(ctx context.Context, req core.ActionRequest, correlationID string) (*core.ScheduledTrigger, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.deferred = append(d.deferred, req)
	return &core.ScheduledTrigger{TriggerID: "t-1", FireAt: *req.ScheduledAt}, nil
}

func setupOrchestrator(t *testing.T, a adapter.Adapter, broker *fakeBroker, deferrer Deferrer) (*Orchestrator, *RunStore) {
	t.Helper()
	database, err := db.OpenMetadataDB(t.TempDir())
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	reg := adapter.NewRegistry(zerolog.Nop())
	if a != nil {
		reg.Register(a)
	}
	runs := NewRunStore(database)
	return New(broker, reg, deferrer, nil, runs, nil, zerolog.Nop(), "us-east-1"), runs
}

func stopRequest() core.ActionRequest {
	return core.ActionRequest{
		Kind:             core.ActionComputeStop,
		TicketID:         "TKT-100",
		AccountID:        "111122223333",
		ResourceSelector: "i-abc",
	}
}

func TestExecuteSucceeded(t *testing.T) {
	a := &scriptedAdapter{kind: core.ActionComputeStop, pushBeforeErr: 1}
	o, runs := setupOrchestrator(t, a, &fakeBroker{}, nil)

	outcome := o.Execute(context.Background(), stopRequest())
	if outcome.Status != core.StatusSucceeded {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.ErrorDetail)
	}
	if outcome.Status.MessageTemplate() != "action-completed" {
		t.Errorf("template = %q", outcome.Status.MessageTemplate())
	}
	if len(outcome.AppliedSteps) == 0 {
		t.Error("applied steps missing")
	}

	rec, err := runs.Get(outcome.CorrelationID)
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if rec.Status != "SUCCEEDED" || rec.CompletedAt == nil {
		t.Errorf("run record = %+v", rec)
	}
}

func TestExecuteUnwindsInReverseOrder(t *testing.T) {
	a := &scriptedAdapter{
		kind:          core.ActionComputeStop,
		pushBeforeErr: 3,
		applyErr:      errors.New("mutation 4 failed"),
	}
	o, _ := setupOrchestrator(t, a, &fakeBroker{}, nil)

	outcome := o.Execute(context.Background(), stopRequest())
	if outcome.Status != core.StatusRolledBack {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.ErrorDetail)
	}
	if outcome.Status.MessageTemplate() != "action-reverted" {
		t.Errorf("template = %q", outcome.Status.MessageTemplate())
	}

	want := []int{2, 1, 0}
	if len(a.compensated) != 3 {
		t.Fatalf("compensated = %v", a.compensated)
	}
	for i, idx := range want {
		if a.compensated[i] != idx {
			t.Errorf("unwind order = %v, want %v", a.compensated, want)
			break
		}
	}
}

func TestExecutePartialRollbackAggregatesFailures(t *testing.T) {
	a := &scriptedAdapter{
		kind:          core.ActionComputeStop,
		pushBeforeErr: 4,
		applyErr:      errors.New("boom"),
		failCompensate: map[int]error{
			2: errors.New("revert 2 refused"),
			0: errors.New("revert 0 refused"),
		},
	}
	o, _ := setupOrchestrator(t, a, &fakeBroker{}, nil)

	outcome := o.Execute(context.Background(), stopRequest())
	if outcome.Status != core.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}

	var pre *core.PartialRollbackError
	if !errors.As(outcome.Err, &pre) {
		t.Fatalf("expected PartialRollbackError, got %v", outcome.Err)
	}
	if pre.Attempted != 4 || len(pre.Failures) != 2 {
		t.Errorf("attempted=%d failures=%d", pre.Attempted, len(pre.Failures))
	}
	// Every step attempted despite mid-walk failures.
	if len(a.compensated) != 4 {
		t.Errorf("compensated = %v, want all 4 attempted", a.compensated)
	}
}

func TestExecuteValidationFailureSkipsRollback(t *testing.T) {
	a := &scriptedAdapter{
		kind:        core.ActionComputeStop,
		validateErr: core.NewAmbiguousTarget("web", 3),
	}
	o, _ := setupOrchestrator(t, a, &fakeBroker{}, nil)

	outcome := o.Execute(context.Background(), stopRequest())
	if outcome.Status != core.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if len(a.compensated) != 0 {
		t.Errorf("compensations run on validation failure: %v", a.compensated)
	}

	var verr *core.ValidationError
	if !errors.As(outcome.Err, &verr) || verr.Kind != core.KindAmbiguousTarget {
		t.Errorf("err = %v", outcome.Err)
	}
}

func TestExecuteApplyFailureWithoutMutationsIsFailed(t *testing.T) {
	a := &scriptedAdapter{kind: core.ActionComputeStop, applyErr: core.NewNotFound("i-abc")}
	o, _ := setupOrchestrator(t, a, &fakeBroker{}, nil)

	outcome := o.Execute(context.Background(), stopRequest())
	if outcome.Status != core.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if outcome.Status.MessageTemplate() != "action-failed-needs-attention" {
		t.Errorf("template = %q", outcome.Status.MessageTemplate())
	}
}

func TestExecuteCredentialRefusalFailsClosed(t *testing.T) {
	a := &scriptedAdapter{kind: core.ActionComputeStop}
	broker := &fakeBroker{refuse: true}
	o, _ := setupOrchestrator(t, a, broker, nil)

	outcome := o.Execute(context.Background(), stopRequest())
	if outcome.Status != core.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	var authErr *core.AuthorizationError
	if !errors.As(outcome.Err, &authErr) {
		t.Fatalf("err = %v", outcome.Err)
	}
	if len(a.compensated) != 0 {
		t.Error("work attempted without credentials")
	}
}

func TestExecuteFutureRequestIsDeferred(t *testing.T) {
	a := &scriptedAdapter{kind: core.ActionComputeStop}
	d := &fakeDeferrer{}
	broker := &fakeBroker{}
	o, _ := setupOrchestrator(t, a, broker, d)

	req := stopRequest()
	at := time.Now().Add(3 * time.Hour)
	req.ScheduledAt = &at

	outcome := o.Execute(context.Background(), req)
	if outcome.Status != core.StatusScheduled {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.ErrorDetail)
	}
	if outcome.TriggerID != "t-1" {
		t.Errorf("trigger id = %q", outcome.TriggerID)
	}
	if outcome.Status.MessageTemplate() != "action-scheduled" {
		t.Errorf("template = %q", outcome.Status.MessageTemplate())
	}
	// No credentials and no mutation until the trigger fires.
	if broker.acquired != 0 {
		t.Error("credentials acquired for a deferred request")
	}
	if len(d.deferred) != 1 {
		t.Errorf("deferred = %d", len(d.deferred))
	}
}

func TestExecuteTriggeredRunsPastScheduledTime(t *testing.T) {
	a := &scriptedAdapter{kind: core.ActionComputeStop}
	d := &fakeDeferrer{}
	o, _ := setupOrchestrator(t, a, &fakeBroker{}, d)

	// A fired trigger carries its original future-dated request; it must
	// execute, not re-defer.
	req := stopRequest()
	at := time.Now().Add(3 * time.Hour)
	req.ScheduledAt = &at

	outcome := o.ExecuteTriggered(context.Background(), req, "t-9")
	if outcome.Status != core.StatusSucceeded {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.ErrorDetail)
	}
	if outcome.TriggerID != "t-9" {
		t.Errorf("trigger id = %q", outcome.TriggerID)
	}
	if len(d.deferred) != 0 {
		t.Error("fired trigger was re-deferred")
	}
}

func TestExecuteInvalidKind(t *testing.T) {
	o, _ := setupOrchestrator(t, nil, &fakeBroker{}, nil)

	outcome := o.Execute(context.Background(), core.ActionRequest{
		Kind: "reboot_everything", AccountID: "111122223333",
	})
	if outcome.Status != core.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
}

func TestRunStoreListFilters(t *testing.T) {
	a := &scriptedAdapter{kind: core.ActionComputeStop}
	o, runs := setupOrchestrator(t, a, &fakeBroker{}, nil)

	o.Execute(context.Background(), stopRequest())
	o.Execute(context.Background(), core.ActionRequest{Kind: "bogus", AccountID: "444455556666"})

	succeeded, err := runs.List("SUCCEEDED", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(succeeded) != 1 {
		t.Errorf("succeeded runs = %d", len(succeeded))
	}

	byAccount, err := runs.List("", "444455556666")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byAccount) != 1 || byAccount[0].Status != "FAILED" {
		t.Errorf("account filter results = %+v", byAccount)
	}
}
