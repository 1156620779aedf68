package adapter

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"

	ticketaws "github.com/ticketops-framework/ticketops/internal/aws"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// identityAPI is the slice of the IAM client the identity adapter needs.
type identityAPI interface {
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	DeleteUser(ctx context.Context, params *iam.DeleteUserInput, optFns ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
	AttachUserPolicy(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	CreateLoginProfile(ctx context.Context, params *iam.CreateLoginProfileInput, optFns ...func(*iam.Options)) (*iam.CreateLoginProfileOutput, error)
	DeleteLoginProfile(ctx context.Context, params *iam.DeleteLoginProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteLoginProfileOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
}

// secretsAPI is the slice of the Secrets Manager client the identity
// adapter needs. Generated secret material goes straight into Secrets
// Manager; only the handle travels through the orchestrator.
type secretsAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

var userNamePattern = regexp.MustCompile(`^[A-Za-z0-9+=,.@_-]{1,64}$`)

// IdentityAdapter provisions access identities: the user, optional policy
// attachments, optional console login, optional access key.
type IdentityAdapter struct {
	iam     func(core.ScopedCredentials) identityAPI
	secrets func(core.ScopedCredentials) secretsAPI
	wait    func(service string)
	logger  zerolog.Logger
}

// NewIdentityAdapter creates the identity adapter backed by real clients.
func NewIdentityAdapter(factory *ticketaws.ClientFactory, logger zerolog.Logger) *IdentityAdapter {
	return &IdentityAdapter{
		iam:     func(c core.ScopedCredentials) identityAPI { return factory.IAMClient(c) },
		secrets: func(c core.ScopedCredentials) secretsAPI { return factory.SecretsManagerClient(c) },
		wait:    factory.WaitForService,
		logger:  logger,
	}
}

func (a *IdentityAdapter) Kinds() []core.ActionKind {
	return []core.ActionKind{core.ActionIdentityProvision}
}

func (a *IdentityAdapter) Validate(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) error {
	spec := req.Identity
	if spec == nil {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: "identity spec is required"}
	}
	if !userNamePattern.MatchString(spec.UserName) {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("invalid user name %q", spec.UserName)}
	}
	if spec.RotateAfterDays < 0 {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: "rotate_after_days must not be negative"}
	}
	return nil
}

func (a *IdentityAdapter) Apply(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) (*core.AppliedState, error) {
	iamAPI := a.iam(*xc.Credentials)
	spec := req.Identity
	user := spec.UserName

	a.wait("iam")
	if _, err := iamAPI.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(user)}); err == nil {
		return nil, &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("user %q already exists", user)}
	}

	a.wait("iam")
	if _, err := iamAPI.CreateUser(ctx, &iam.CreateUserInput{
		UserName: aws.String(user),
		Tags:     provisioningTags(spec.RotateAfterDays),
	}); err != nil {
		return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "CreateUser " + user, Err: err}
	}
	xc.PushCompensation(req.Kind, core.AppliedState{
		Kind:        req.Kind,
		Description: "delete user " + user,
		Fields:      map[string]string{"op": "delete_user", "user_name": user},
	})

	fields := map[string]string{"user_name": user}

	for _, arn := range spec.PolicyARNs {
		a.wait("iam")
		if _, err := iamAPI.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName:  aws.String(user),
			PolicyArn: aws.String(arn),
		}); err != nil {
			return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "AttachUserPolicy " + arn, Err: err}
		}
		xc.PushCompensation(req.Kind, core.AppliedState{
			Kind:        req.Kind,
			Description: "detach policy " + arn,
			Fields:      map[string]string{"op": "detach_policy", "user_name": user, "policy_arn": arn},
		})
	}
	fields["policies"] = strings.Join(spec.PolicyARNs, ",")

	if spec.ConsoleAccess {
		password, err := generatePassword(20)
		if err != nil {
			return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "generating temporary password", Err: err}
		}

		a.wait("iam")
		if _, err := iamAPI.CreateLoginProfile(ctx, &iam.CreateLoginProfileInput{
			UserName:              aws.String(user),
			Password:              aws.String(password),
			PasswordResetRequired: true,
		}); err != nil {
			return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "CreateLoginProfile " + user, Err: err}
		}
		xc.PushCompensation(req.Kind, core.AppliedState{
			Kind:        req.Kind,
			Description: "delete login profile for " + user,
			Fields:      map[string]string{"op": "delete_login_profile", "user_name": user},
		})

		handle, err := a.storeSecret(ctx, xc, req.Kind,
			fmt.Sprintf("ticketops/%s/console", user),
			fmt.Sprintf(`{"user_name":%q,"password":%q}`, user, password))
		if err != nil {
			return nil, err
		}
		fields["console_secret"] = handle
	}

	if spec.AccessKey {
		a.wait("iam")
		out, err := iamAPI.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: aws.String(user)})
		if err != nil {
			return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "CreateAccessKey " + user, Err: err}
		}
		keyID := aws.ToString(out.AccessKey.AccessKeyId)
		xc.PushCompensation(req.Kind, core.AppliedState{
			Kind:        req.Kind,
			Description: "delete access key " + keyID,
			Fields:      map[string]string{"op": "delete_access_key", "user_name": user, "access_key_id": keyID},
		})

		handle, err := a.storeSecret(ctx, xc, req.Kind,
			fmt.Sprintf("ticketops/%s/access-key", user),
			fmt.Sprintf(`{"access_key_id":%q,"secret_access_key":%q}`,
				keyID, aws.ToString(out.AccessKey.SecretAccessKey)))
		if err != nil {
			return nil, err
		}
		fields["access_key_id"] = keyID
		fields["access_key_secret"] = handle
	}

	a.logger.Info().Str("user_name", user).Int("policies", len(spec.PolicyARNs)).
		Bool("console", spec.ConsoleAccess).Bool("access_key", spec.AccessKey).
		Msg("identity provisioned")

	return &core.AppliedState{
		Kind:        req.Kind,
		Description: "provisioned identity " + user,
		Fields:      fields,
	}, nil
}

// storeSecret writes generated secret material to Secrets Manager and
// pushes the matching cleanup step. Callers only ever see the handle.
func (a *IdentityAdapter) storeSecret(ctx context.Context, xc *core.ExecutionContext, kind core.ActionKind, name, value string) (string, error) {
	a.wait("secretsmanager")
	out, err := a.secrets(*xc.Credentials).CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
	})
	if err != nil {
		return "", &core.ApplyError{Kind: core.KindMutationFailed, Op: "CreateSecret " + name, Err: err}
	}
	handle := aws.ToString(out.ARN)
	xc.PushCompensation(kind, core.AppliedState{
		Kind:        kind,
		Description: "delete secret " + name,
		Fields:      map[string]string{"op": "delete_secret", "secret_id": handle},
	})
	return handle, nil
}

func (a *IdentityAdapter) Compensate(ctx context.Context, step core.CompensationStep, xc *core.ExecutionContext) error {
	op := step.State.Field("op")
	user := step.State.Field("user_name")

	var err error
	switch op {
	case "delete_user":
		a.wait("iam")
		_, err = a.iam(*xc.Credentials).DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(user)})
	case "detach_policy":
		a.wait("iam")
		_, err = a.iam(*xc.Credentials).DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(user),
			PolicyArn: aws.String(step.State.Field("policy_arn")),
		})
	case "delete_login_profile":
		a.wait("iam")
		_, err = a.iam(*xc.Credentials).DeleteLoginProfile(ctx, &iam.DeleteLoginProfileInput{UserName: aws.String(user)})
	case "delete_access_key":
		a.wait("iam")
		_, err = a.iam(*xc.Credentials).DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
			UserName:    aws.String(user),
			AccessKeyId: aws.String(step.State.Field("access_key_id")),
		})
	case "delete_secret":
		a.wait("secretsmanager")
		_, err = a.secrets(*xc.Credentials).DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
			SecretId:                   aws.String(step.State.Field("secret_id")),
			ForceDeleteWithoutRecovery: aws.Bool(true),
		})
	default:
		return fmt.Errorf("unknown compensation op %q", op)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func provisioningTags(rotateAfterDays int) []iamtypes.Tag {
	now := time.Now().UTC()
	tags := []iamtypes.Tag{
		{Key: aws.String("CreatedBy"), Value: aws.String("ticketops")},
		{Key: aws.String("CreatedDate"), Value: aws.String(now.Format("2006-01-02"))},
	}
	if rotateAfterDays > 0 {
		rotate := now.AddDate(0, 0, rotateAfterDays)
		tags = append(tags, iamtypes.Tag{
			Key:   aws.String("RotateKeysAfter"),
			Value: aws.String(rotate.Format("2006-01-02")),
		})
	}
	return tags
}

const (
	passwordLower   = "abcdefghijkmnopqrstuvwxyz"
	passwordUpper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	passwordDigits  = "23456789"
	passwordSymbols = "!@#$%^&*()-_=+"
)

// generatePassword produces a temporary console password containing at
// least one character from each required class.
func generatePassword(length int) (string, error) {
	charset := passwordLower + passwordUpper + passwordDigits + passwordSymbols
	classes := []string{passwordLower, passwordUpper, passwordDigits, passwordSymbols}
	if length < len(classes) {
		length = len(classes)
	}

	buf := make([]byte, length)
	for i, class := range classes {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	for i := len(classes); i < length; i++ {
		c, err := randomChar(charset)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}

	// Shuffle so the required-class characters do not lead.
	for i := len(buf) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		j := n.Int64()
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

func randomChar(charset string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
	if err != nil {
		return 0, err
	}
	return charset[n.Int64()], nil
}
