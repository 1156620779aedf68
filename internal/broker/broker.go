// Package broker exchanges the orchestrator's own identity for scoped,
// time-boxed credentials in a ticket's target account. Issued credentials
// are bound to one execution context and never persisted.
package broker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/audit"
	"github.com/ticketops-framework/ticketops/internal/config"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// assumeRoleAPI is the slice of the STS client the broker needs.
type assumeRoleAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Broker issues per-context credentials by assuming the execution role in
// the target account.
type Broker struct {
	sts        assumeRoleAPI
	roleName   string
	externalID string
	duration   int32
	logger     zerolog.Logger
	auditor    *audit.Logger
}

// New creates a broker using the host process's ambient AWS identity.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, auditor *audit.Logger) (*Broker, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DefaultRegion))
	if err != nil {
		return nil, fmt.Errorf("loading host aws config: %w", err)
	}
	return &Broker{
		sts:        sts.NewFromConfig(awsCfg),
		roleName:   cfg.ExecutionRoleName,
		externalID: cfg.ExternalID,
		duration:   int32(cfg.SessionDuration),
		logger:     logger,
		auditor:    auditor,
	}, nil
}

// NewWithClient creates a broker around an existing STS client.
func NewWithClient(client assumeRoleAPI, cfg config.Config, logger zerolog.Logger, auditor *audit.Logger) *Broker {
	return &Broker{
		sts:        client,
		roleName:   cfg.ExecutionRoleName,
		externalID: cfg.ExternalID,
		duration:   int32(cfg.SessionDuration),
		logger:     logger,
		auditor:    auditor,
	}
}

// Acquire exchanges for credentials scoped to accountID and region. A
// refused exchange fails closed: the returned AuthorizationError terminates
// the run before any mutation is attempted.
func (b *Broker) Acquire(ctx context.Context, accountID, region, correlationID string) (*core.ScopedCredentials, error) {
	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, b.roleName)
	sessionName := sessionNameFor(correlationID)

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(b.duration),
	}
	if b.externalID != "" {
		input.ExternalId = aws.String(b.externalID)
	}

	out, err := b.sts.AssumeRole(ctx, input)
	if err != nil {
		b.logger.Warn().Str("account_id", accountID).Str("role_arn", roleARN).Err(err).
			Msg("credential exchange refused")
		if b.auditor != nil {
			b.auditor.Log(audit.EventCredentialRefused, correlationID, accountID,
				map[string]string{"role_arn": roleARN, "error": err.Error()})
		}
		return nil, &core.AuthorizationError{AccountID: accountID, Err: err}
	}

	c := out.Credentials
	creds := &core.ScopedCredentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		AccountID:       accountID,
		Region:          region,
	}
	if c.Expiration != nil {
		creds.Expiry = *c.Expiration
	}

	b.logger.Info().Str("account_id", accountID).Str("region", region).
		Time("expiry", creds.Expiry).Msg("scoped credentials issued")
	if b.auditor != nil {
		b.auditor.Log(audit.EventCredentialIssued, correlationID, accountID,
			map[string]string{"role_arn": roleARN, "session_name": sessionName})
	}

	return creds, nil
}

// sessionNameFor derives the role session name from the correlation id so
// target-account CloudTrail entries trace back to the originating run.
func sessionNameFor(correlationID string) string {
	name := "ticketops-" + correlationID
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
