package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/core"
)

type fakeIAM struct {
	users       map[string]bool
	attached    map[string][]string
	loginUsers  map[string]bool
	accessKeys  map[string][]string
	attachErrOn string // policy ARN that fails AttachUserPolicy
	keyCounter  int
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		users:      make(map[string]bool),
		attached:   make(map[string][]string),
		loginUsers: make(map[string]bool),
		accessKeys: make(map[string][]string),
	}
}

func (f *fakeIAM) GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error) {
	if f.users[aws.ToString(params.UserName)] {
		return &iam.GetUserOutput{}, nil
	}
	return nil, errors.New("NoSuchEntity")
}

func (f *fakeIAM) CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
	f.users[aws.ToString(params.UserName)] = true
	return &iam.CreateUserOutput{User: &iamtypes.User{UserName: params.UserName}}, nil
}

func (f *fakeIAM) DeleteUser(ctx context.Context, params *iam.DeleteUserInput, optFns ...func(*iam.Options)) (*iam.DeleteUserOutput, error) {
	delete(f.users, aws.ToString(params.UserName))
	return &iam.DeleteUserOutput{}, nil
}

func (f *fakeIAM) AttachUserPolicy(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error) {
	arn := aws.ToString(params.PolicyArn)
	if arn == f.attachErrOn {
		return nil, errors.New("LimitExceeded")
	}
	user := aws.ToString(params.UserName)
	f.attached[user] = append(f.attached[user], arn)
	return &iam.AttachUserPolicyOutput{}, nil
}

func (f *fakeIAM) DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error) {
	user := aws.ToString(params.UserName)
	arn := aws.ToString(params.PolicyArn)
	var kept []string
	for _, a := range f.attached[user] {
		if a != arn {
			kept = append(kept, a)
		}
	}
	f.attached[user] = kept
	return &iam.DetachUserPolicyOutput{}, nil
}

func (f *fakeIAM) CreateLoginProfile(ctx context.Context, params *iam.CreateLoginProfileInput, optFns ...func(*iam.Options)) (*iam.CreateLoginProfileOutput, error) {
	if !params.PasswordResetRequired {
		return nil, errors.New("test: password reset must be required")
	}
	f.loginUsers[aws.ToString(params.UserName)] = true
	return &iam.CreateLoginProfileOutput{}, nil
}

func (f *fakeIAM) DeleteLoginProfile(ctx context.Context, params *iam.DeleteLoginProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteLoginProfileOutput, error) {
	delete(f.loginUsers, aws.ToString(params.UserName))
	return &iam.DeleteLoginProfileOutput{}, nil
}

func (f *fakeIAM) CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	f.keyCounter++
	keyID := "AKIAFAKE0001"
	user := aws.ToString(params.UserName)
	f.accessKeys[user] = append(f.accessKeys[user], keyID)
	return &iam.CreateAccessKeyOutput{AccessKey: &iamtypes.AccessKey{
		AccessKeyId:     aws.String(keyID),
		SecretAccessKey: aws.String("fake-secret-material"),
		UserName:        params.UserName,
	}}, nil
}

func (f *fakeIAM) DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	user := aws.ToString(params.UserName)
	f.accessKeys[user] = nil
	return &iam.DeleteAccessKeyOutput{}, nil
}

type fakeSecrets struct {
	stored  map[string]string
	deleted []string
}

func (f *fakeSecrets) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	if f.stored == nil {
		f.stored = make(map[string]string)
	}
	name := aws.ToString(params.Name)
	f.stored[name] = aws.ToString(params.SecretString)
	return &secretsmanager.CreateSecretOutput{
		ARN: aws.String("arn:aws:secretsmanager:us-east-1:111122223333:secret:" + name),
	}, nil
}

func (f *fakeSecrets) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.SecretId))
	return &secretsmanager.DeleteSecretOutput{}, nil
}

func testIdentityAdapter(fi *fakeIAM, fs *fakeSecrets) *IdentityAdapter {
	return &IdentityAdapter{
		iam:     func(core.ScopedCredentials) identityAPI { return fi },
		secrets: func(core.ScopedCredentials) secretsAPI { return fs },
		wait:    func(string) {},
		logger:  zerolog.Nop(),
	}
}

func TestIdentityProvisionFull(t *testing.T) {
	fi, fs := newFakeIAM(), &fakeSecrets{}
	a := testIdentityAdapter(fi, fs)
	xc := testContext()

	state, err := a.Apply(context.Background(), &core.ActionRequest{
		Kind: core.ActionIdentityProvision,
		Identity: &core.IdentitySpec{
			UserName:        "svc-reporting",
			PolicyARNs:      []string{"arn:aws:iam::aws:policy/ReadOnlyAccess"},
			ConsoleAccess:   true,
			AccessKey:       true,
			RotateAfterDays: 90,
		},
	}, xc)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !fi.users["svc-reporting"] || !fi.loginUsers["svc-reporting"] {
		t.Error("user or login profile missing")
	}
	if len(fi.attached["svc-reporting"]) != 1 {
		t.Errorf("attached policies = %v", fi.attached["svc-reporting"])
	}
	if len(fs.stored) != 2 {
		t.Errorf("stored secrets = %d, want 2", len(fs.stored))
	}

	// Create user, attach policy, login profile, console secret, access
	// key, access key secret: six compensations in forward order.
	if len(xc.Compensations) != 6 {
		t.Fatalf("compensations = %d, want 6", len(xc.Compensations))
	}
	if xc.Compensations[0].State.Field("op") != "delete_user" {
		t.Errorf("first compensation = %q, want delete_user", xc.Compensations[0].State.Field("op"))
	}

	// Secret material never appears in the applied state, only handles.
	for k, v := range state.Fields {
		if strings.Contains(v, "fake-secret-material") {
			t.Errorf("field %s leaks secret material", k)
		}
	}
	if !strings.HasPrefix(state.Field("console_secret"), "arn:aws:secretsmanager:") {
		t.Errorf("console_secret = %q, want secret handle", state.Field("console_secret"))
	}
}

func TestIdentityDuplicateUserRejected(t *testing.T) {
	fi, fs := newFakeIAM(), &fakeSecrets{}
	fi.users["svc-reporting"] = true
	a := testIdentityAdapter(fi, fs)
	xc := testContext()

	_, err := a.Apply(context.Background(), &core.ActionRequest{
		Kind:     core.ActionIdentityProvision,
		Identity: &core.IdentitySpec{UserName: "svc-reporting"},
	}, xc)

	var verr *core.ValidationError
	if !errors.As(err, &verr) || verr.Kind != core.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(xc.Compensations) != 0 {
		t.Error("duplicate check must run before any mutation")
	}
}

func TestIdentityMidSequenceFailureLeavesCompletedSteps(t *testing.T) {
	fi, fs := newFakeIAM(), &fakeSecrets{}
	fi.attachErrOn = "arn:aws:iam::aws:policy/Second"
	a := testIdentityAdapter(fi, fs)
	xc := testContext()

	_, err := a.Apply(context.Background(), &core.ActionRequest{
		Kind: core.ActionIdentityProvision,
		Identity: &core.IdentitySpec{
			UserName:   "svc-partial",
			PolicyARNs: []string{"arn:aws:iam::aws:policy/First", "arn:aws:iam::aws:policy/Second"},
		},
	}, xc)
	if err == nil {
		t.Fatal("expected attach failure")
	}

	// User created plus first attach succeeded: exactly those two steps
	// are on the stack for unwinding.
	if len(xc.Compensations) != 2 {
		t.Fatalf("compensations = %d, want 2", len(xc.Compensations))
	}
	if xc.Compensations[1].State.Field("policy_arn") != "arn:aws:iam::aws:policy/First" {
		t.Errorf("second compensation = %+v", xc.Compensations[1].State.Fields)
	}
}

func TestIdentityCompensateOps(t *testing.T) {
	fi, fs := newFakeIAM(), &fakeSecrets{}
	fi.users["u"] = true
	fi.loginUsers["u"] = true
	fi.attached["u"] = []string{"arn:p"}
	a := testIdentityAdapter(fi, fs)
	xc := testContext()

	steps := []map[string]string{
		{"op": "delete_secret", "secret_id": "arn:secret"},
		{"op": "delete_login_profile", "user_name": "u"},
		{"op": "detach_policy", "user_name": "u", "policy_arn": "arn:p"},
		{"op": "delete_user", "user_name": "u"},
	}
	for _, fields := range steps {
		step := core.CompensationStep{Kind: core.ActionIdentityProvision, State: core.AppliedState{Fields: fields}}
		if err := a.Compensate(context.Background(), step, xc); err != nil {
			t.Fatalf("Compensate(%s): %v", fields["op"], err)
		}
	}

	if fi.users["u"] || fi.loginUsers["u"] || len(fi.attached["u"]) != 0 {
		t.Error("compensations did not fully revert")
	}
	if len(fs.deleted) != 1 || fs.deleted[0] != "arn:secret" {
		t.Errorf("deleted secrets = %v", fs.deleted)
	}
}

func TestGeneratePasswordClasses(t *testing.T) {
	pw, err := generatePassword(20)
	if err != nil {
		t.Fatalf("generatePassword: %v", err)
	}
	if len(pw) != 20 {
		t.Errorf("length = %d", len(pw))
	}
	checks := map[string]string{
		"lower":  passwordLower,
		"upper":  passwordUpper,
		"digit":  passwordDigits,
		"symbol": passwordSymbols,
	}
	for name, class := range checks {
		if !strings.ContainsAny(pw, class) {
			t.Errorf("password missing %s character", name)
		}
	}
}
