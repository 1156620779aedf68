package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	ticketaws "github.com/ticketops-framework/ticketops/internal/aws"
	"github.com/ticketops-framework/ticketops/internal/config"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// computeAPI is the slice of the EC2 client the compute adapter needs.
type computeAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// ComputeAdapter starts and stops compute instances.
type ComputeAdapter struct {
	api          func(core.ScopedCredentials) computeAPI
	wait         func(service string)
	pollAttempts int
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewComputeAdapter creates the compute adapter backed by real EC2 clients.
func NewComputeAdapter(factory *ticketaws.ClientFactory, cfg config.Config, logger zerolog.Logger) *ComputeAdapter {
	return &ComputeAdapter{
		api:          func(c core.ScopedCredentials) computeAPI { return factory.EC2Client(c) },
		wait:         factory.WaitForService,
		pollAttempts: cfg.PollAttempts,
		pollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		logger:       logger,
	}
}

func (a *ComputeAdapter) Kinds() []core.ActionKind {
	return []core.ActionKind{core.ActionComputeStart, core.ActionComputeStop}
}

func (a *ComputeAdapter) Validate(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) error {
	if req.ResourceSelector == "" {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: "resource selector is required"}
	}
	return nil
}

// resolvedInstance is an instance located by selector plus its state at
// resolution time.
type resolvedInstance struct {
	ID    string
	State string
}

// resolveInstance maps a selector to exactly one instance. Selectors
// starting with "i-" are treated as instance IDs; anything else matches
// the Name tag exactly.
func (a *ComputeAdapter) resolveInstance(ctx context.Context, api computeAPI, selector string) (*resolvedInstance, error) {
	a.wait("ec2")

	input := &ec2.DescribeInstancesInput{}
	if strings.HasPrefix(selector, "i-") {
		input.InstanceIds = []string{selector}
	} else {
		input.Filters = []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{selector}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		}
	}

	out, err := api.DescribeInstances(ctx, input)
	if err != nil {
		if strings.HasPrefix(selector, "i-") && strings.Contains(err.Error(), "InvalidInstanceID") {
			return nil, core.NewNotFound(selector)
		}
		return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "DescribeInstances", Err: err}
	}

	var matches []resolvedInstance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			matches = append(matches, resolvedInstance{
				ID:    aws.ToString(inst.InstanceId),
				State: string(inst.State.Name),
			})
		}
	}

	switch len(matches) {
	case 0:
		return nil, core.NewNotFound(selector)
	case 1:
		return &matches[0], nil
	default:
		return nil, core.NewAmbiguousTarget(selector, len(matches))
	}
}

func (a *ComputeAdapter) Apply(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) (*core.AppliedState, error) {
	api := a.api(*xc.Credentials)

	target, inverse := "running", "stop_instance"
	if req.Kind == core.ActionComputeStop {
		target, inverse = "stopped", "start_instance"
	}

	inst, err := a.resolveInstance(ctx, api, req.ResourceSelector)
	if err != nil {
		return nil, err
	}

	// Already in the requested state: a no-op success, so a refired
	// trigger or retried ticket converges instead of failing.
	if inst.State == target {
		return &core.AppliedState{
			Kind:        req.Kind,
			Description: fmt.Sprintf("instance %s already %s", inst.ID, target),
			NoOp:        true,
			Fields:      map[string]string{"instance_id": inst.ID, "previous_state": inst.State},
		}, nil
	}

	a.wait("ec2")
	if req.Kind == core.ActionComputeStart {
		_, err = api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{inst.ID}})
	} else {
		_, err = api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{inst.ID}})
	}
	if err != nil {
		return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: fmt.Sprintf("transition %s to %s", inst.ID, target), Err: err}
	}

	// The API accepted the mutation; from here the instance may end up in
	// the target state even if polling below gives up, so the inverse is
	// recorded before waiting.
	xc.PushCompensation(req.Kind, core.AppliedState{
		Kind:        req.Kind,
		Description: fmt.Sprintf("%s %s (was %s)", inverse, inst.ID, inst.State),
		Fields: map[string]string{
			"op":             inverse,
			"instance_id":    inst.ID,
			"previous_state": inst.State,
		},
	})

	if err := a.awaitState(ctx, api, inst.ID, target); err != nil {
		return nil, err
	}

	a.logger.Info().Str("instance_id", inst.ID).Str("state", target).Msg("instance state transition complete")
	return &core.AppliedState{
		Kind:        req.Kind,
		Description: fmt.Sprintf("instance %s transitioned %s -> %s", inst.ID, inst.State, target),
		Fields: map[string]string{
			"instance_id":    inst.ID,
			"previous_state": inst.State,
			"current_state":  target,
		},
	}, nil
}

// awaitState polls until the instance reaches wantState or the poll budget
// is exhausted.
func (a *ComputeAdapter) awaitState(ctx context.Context, api computeAPI, instanceID, wantState string) error {
	for attempt := 0; attempt < a.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &core.ApplyError{Kind: core.KindMutationFailed, Op: "awaiting state " + wantState, Err: ctx.Err()}
			case <-time.After(a.pollInterval):
			}
		}

		a.wait("ec2")
		out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil {
			continue
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if string(inst.State.Name) == wantState {
					return nil
				}
			}
		}
	}
	return core.NewStateTransitionTimeout(instanceID, wantState, a.pollAttempts)
}

func (a *ComputeAdapter) Compensate(ctx context.Context, step core.CompensationStep, xc *core.ExecutionContext) error {
	api := a.api(*xc.Credentials)

	instanceID := step.State.Field("instance_id")
	previous := settledState(step.State.Field("previous_state"))
	op := step.State.Field("op")

	// Re-check current state first. A timed-out forward mutation may or
	// may not have landed; only act when the instance actually moved.
	inst, err := a.resolveInstance(ctx, api, instanceID)
	if err != nil {
		return err
	}
	if inst.State == previous {
		return nil
	}

	a.wait("ec2")
	switch op {
	case "stop_instance":
		_, err = api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	case "start_instance":
		_, err = api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	default:
		return fmt.Errorf("unknown compensation op %q", op)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, instanceID, err)
	}

	return a.awaitState(ctx, api, instanceID, previous)
}

// settledState maps a transient state captured at resolution time to the
// stable state it resolves into.
func settledState(s string) string {
	switch s {
	case "pending":
		return "running"
	case "stopping":
		return "stopped"
	}
	return s
}
