package sched

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedulertypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/config"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// Registrar registers one-shot wakeups with an external scheduling service.
type Registrar interface {
	Register(ctx context.Context, trigger *core.ScheduledTrigger) (string, error)
	Deregister(ctx context.Context, scheduleName string) error
}

// schedulerAPI is the slice of the EventBridge Scheduler client the
// registrar needs.
type schedulerAPI interface {
	CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, params *scheduler.DeleteScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.DeleteScheduleOutput, error)
}

// EventBridgeRegistrar registers triggers as one-shot EventBridge
// Scheduler schedules in the orchestrator's own account.
type EventBridgeRegistrar struct {
	api       schedulerAPI
	groupName string
	targetARN string
	roleARN   string
	logger    zerolog.Logger
}

// NewEventBridgeRegistrar creates a registrar using the host process's
// ambient AWS identity.
func NewEventBridgeRegistrar(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*EventBridgeRegistrar, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DefaultRegion))
	if err != nil {
		return nil, fmt.Errorf("loading host aws config: %w", err)
	}
	return &EventBridgeRegistrar{
		api:       scheduler.NewFromConfig(awsCfg),
		groupName: cfg.SchedulerGroupName,
		targetARN: cfg.SchedulerTargetARN,
		roleARN:   cfg.SchedulerRoleARN,
		logger:    logger,
	}, nil
}

// NewEventBridgeRegistrarWithClient creates a registrar around an existing client.
func NewEventBridgeRegistrarWithClient(client schedulerAPI, cfg config.Config, logger zerolog.Logger) *EventBridgeRegistrar {
	return &EventBridgeRegistrar{
		api:       client,
		groupName: cfg.SchedulerGroupName,
		targetARN: cfg.SchedulerTargetARN,
		roleARN:   cfg.SchedulerRoleARN,
		logger:    logger,
	}
}

// firePayload is the input delivered to the target when the schedule fires.
type firePayload struct {
	TriggerID string `json:"trigger_id"`
}

// Register creates a one-shot schedule for the trigger's fire time. The
// schedule self-deletes after completion; the durable trigger row remains
// the source of truth until execution.
func (r *EventBridgeRegistrar) Register(ctx context.Context, trigger *core.ScheduledTrigger) (string, error) {
	name := "ticketops-" + trigger.TriggerID
	payload, err := json.Marshal(firePayload{TriggerID: trigger.TriggerID})
	if err != nil {
		return "", fmt.Errorf("encoding fire payload: %w", err)
	}

	_, err = r.api.CreateSchedule(ctx, &scheduler.CreateScheduleInput{
		Name:                       aws.String(name),
		GroupName:                  aws.String(r.groupName),
		ScheduleExpression:         aws.String(fmt.Sprintf("at(%s)", trigger.FireAt.UTC().Format("2006-01-02T15:04:05"))),
		ScheduleExpressionTimezone: aws.String("UTC"),
		FlexibleTimeWindow: &schedulertypes.FlexibleTimeWindow{
			Mode: schedulertypes.FlexibleTimeWindowModeOff,
		},
		Target: &schedulertypes.Target{
			Arn:     aws.String(r.targetARN),
			RoleArn: aws.String(r.roleARN),
			Input:   aws.String(string(payload)),
		},
		ActionAfterCompletion: schedulertypes.ActionAfterCompletionDelete,
	})
	if err != nil {
		return "", fmt.Errorf("creating schedule %s: %w", name, err)
	}

	r.logger.Info().Str("schedule", name).Time("fire_at", trigger.FireAt).Msg("one-shot schedule registered")
	return name, nil
}

// Deregister deletes a schedule, for trigger cancellation before fire.
func (r *EventBridgeRegistrar) Deregister(ctx context.Context, scheduleName string) error {
	_, err := r.api.DeleteSchedule(ctx, &scheduler.DeleteScheduleInput{
		Name:      aws.String(scheduleName),
		GroupName: aws.String(r.groupName),
	})
	if err != nil {
		return fmt.Errorf("deleting schedule %s: %w", scheduleName, err)
	}
	return nil
}
