// Package aws provides the AWS SDK v2 adapter layer with rate limiting
// and per-context client construction from broker-issued credentials.
package aws

import (
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/core"
)

// ClientFactory creates rate-limited AWS service clients bound to the
// scoped credentials of one execution context. Clients are constructed
// fresh per call; credential material is never retained by the factory.
type ClientFactory struct {
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewClientFactory creates a new AWS client factory.
func NewClientFactory(logger zerolog.Logger) *ClientFactory {
	return &ClientFactory{
		rateLimiter: NewRateLimiter(10),
		logger:      logger,
	}
}

// NewClientFactoryWithRate creates a factory with a custom rate limit.
func NewClientFactoryWithRate(logger zerolog.Logger, ratePerSec int) *ClientFactory {
	return &ClientFactory{
		rateLimiter: NewRateLimiter(ratePerSec),
		logger:      logger,
	}
}

func (f *ClientFactory) awsConfig(creds core.ScopedCredentials) aws.Config {
	return aws.Config{
		Region: creds.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		),
		RetryMaxAttempts: 5,
	}
}

// logClient records construction of a service client. Each execution
// context builds its clients fresh, so at debug level this traces which
// services a run touched and in which region.
func (f *ClientFactory) logClient(service, region string) {
	f.logger.Debug().Str("service", service).Str("region", region).Msg("aws client constructed")
}

// --- Service client factories ---

func (f *ClientFactory) STSClient(creds core.ScopedCredentials) *sts.Client {
	f.logClient("sts", creds.Region)
	return sts.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) EC2Client(creds core.ScopedCredentials) *ec2.Client {
	f.logClient("ec2", creds.Region)
	return ec2.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) IAMClient(creds core.ScopedCredentials) *iam.Client {
	f.logClient("iam", creds.Region)
	return iam.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) CloudWatchClient(creds core.ScopedCredentials) *cloudwatch.Client {
	f.logClient("cloudwatch", creds.Region)
	return cloudwatch.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) SchedulerClient(creds core.ScopedCredentials) *scheduler.Client {
	f.logClient("scheduler", creds.Region)
	return scheduler.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) SecretsManagerClient(creds core.ScopedCredentials) *secretsmanager.Client {
	f.logClient("secretsmanager", creds.Region)
	return secretsmanager.NewFromConfig(f.awsConfig(creds))
}

// CloudWatchClientForRegion creates a CloudWatch client overriding the
// credential region. Alarm metrics live in the alarm's home region, which
// may differ from the action target region.
func (f *ClientFactory) CloudWatchClientForRegion(creds core.ScopedCredentials, region string) *cloudwatch.Client {
	c := creds
	c.Region = region
	f.logClient("cloudwatch", region)
	return cloudwatch.NewFromConfig(f.awsConfig(c))
}

// WaitForService blocks until the rate limit allows a call.
func (f *ClientFactory) WaitForService(service string) {
	f.rateLimiter.Wait(service)
}

// --- Rate Limiter ---

type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec int
	lastCall   map[string]time.Time
}

func NewRateLimiter(ratePerSec int) *RateLimiter {
	return &RateLimiter{
		ratePerSec: ratePerSec,
		lastCall:   make(map[string]time.Time),
	}
}

func (rl *RateLimiter) Wait(service string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	minInterval := time.Second / time.Duration(rl.ratePerSec)
	last, ok := rl.lastCall[service]
	if ok {
		elapsed := time.Since(last)
		if elapsed < minInterval {
			time.Sleep(minInterval - elapsed)
		}
	}
	rl.lastCall[service] = time.Now()
}
