package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/config"
	"github.com/ticketops-framework/ticketops/internal/core"
)

type fakeSTS struct {
	lastInput *sts.AssumeRoleInput
	err       error
}

func (f *fakeSTS) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	expiry := time.Now().Add(15 * time.Minute)
	return &sts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("ASIATESTKEY"),
			SecretAccessKey: aws.String("test-secret"),
			SessionToken:    aws.String("test-token"),
			Expiration:      &expiry,
		},
	}, nil
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.ExternalID = "ext-42"
	return cfg
}

func TestAcquireIssuesScopedCredentials(t *testing.T) {
	stub := &fakeSTS{}
	b := NewWithClient(stub, testConfig(), zerolog.Nop(), nil)

	creds, err := b.Acquire(context.Background(), "111122223333", "eu-west-1", "corr-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if creds.AccessKeyID != "ASIATESTKEY" {
		t.Errorf("AccessKeyID = %q", creds.AccessKeyID)
	}
	if creds.AccountID != "111122223333" || creds.Region != "eu-west-1" {
		t.Errorf("scope not carried: account=%q region=%q", creds.AccountID, creds.Region)
	}
	if creds.Expiry.IsZero() {
		t.Error("expected expiry to be set")
	}

	in := stub.lastInput
	if got := aws.ToString(in.RoleArn); got != "arn:aws:iam::111122223333:role/TicketOpsExecutionRole" {
		t.Errorf("RoleArn = %q", got)
	}
	if got := aws.ToString(in.ExternalId); got != "ext-42" {
		t.Errorf("ExternalId = %q", got)
	}
	if got := aws.ToString(in.RoleSessionName); got != "ticketops-corr-1" {
		t.Errorf("RoleSessionName = %q", got)
	}
}

func TestAcquireRefusedFailsClosed(t *testing.T) {
	stub := &fakeSTS{err: errors.New("AccessDenied")}
	b := NewWithClient(stub, testConfig(), zerolog.Nop(), nil)

	_, err := b.Acquire(context.Background(), "111122223333", "us-east-1", "corr-2")
	if err == nil {
		t.Fatal("expected error")
	}

	var authErr *core.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %T", err)
	}
	if authErr.AccountID != "111122223333" {
		t.Errorf("AccountID = %q", authErr.AccountID)
	}
}

func TestSessionNameTruncation(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	name := sessionNameFor(string(long))
	if len(name) != 64 {
		t.Errorf("session name length = %d, want 64", len(name))
	}
}
