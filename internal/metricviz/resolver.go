package metricviz

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog"

	ticketaws "github.com/ticketops-framework/ticketops/internal/aws"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// cloudwatchAPI is the slice of the CloudWatch client the resolver needs.
type cloudwatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
	GetMetricWidgetImage(ctx context.Context, params *cloudwatch.GetMetricWidgetImageInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricWidgetImageOutput, error)
	DescribeAlarms(ctx context.Context, params *cloudwatch.DescribeAlarmsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error)
}

// tierSpec defines one rendering attempt: widget richness degrades while
// the time window widens, trading detail for the chance of any image.
type tierSpec struct {
	name         string
	window       string
	annotate     bool
	alarmDerived bool
}

var renderTiers = []tierSpec{
	{name: "enhanced", window: "-PT6H", annotate: true},
	{name: "simple", window: "-PT12H"},
	{name: "alarm_derived", window: "-PT24H", alarmDerived: true},
}

const (
	dataCheckLookback = 24 * time.Hour
	defaultPeriod     = 300
)

// Resolver renders metric graph attachments with tiered fallback.
type Resolver struct {
	api    func(creds core.ScopedCredentials, region string) cloudwatchAPI
	wait   func(service string)
	logger zerolog.Logger
}

// NewResolver creates a resolver backed by real CloudWatch clients.
func NewResolver(factory *ticketaws.ClientFactory, logger zerolog.Logger) *Resolver {
	return &Resolver{
		api: func(c core.ScopedCredentials, region string) cloudwatchAPI {
			return factory.CloudWatchClientForRegion(c, region)
		},
		wait:   factory.WaitForService,
		logger: logger,
	}
}

// Render produces a graph attachment for the metric behind an alarm. A
// metric with no recent datapoints short-circuits: no image could carry
// information, so no rendering tier is attempted. When every tier fails
// the error lists each tier's reason; callers attach the diagnostic
// instead of an image and the surrounding run is unaffected.
func (r *Resolver) Render(ctx context.Context, creds core.ScopedCredentials, desc core.MetricDescriptor) (*core.Attachment, error) {
	desc.Statistic = NormalizeStatistic(desc.Statistic)
	if desc.Period <= 0 {
		desc.Period = defaultPeriod
	}
	if desc.Region == "" {
		desc.Region = creds.Region
	}

	api := r.api(creds, desc.Region)

	var failures []core.TierFailure

	hasData, err := r.hasRecentData(ctx, api, desc)
	if err != nil {
		// Presence unknown; rendering may still succeed.
		r.logger.Warn().Err(err).Str("metric", desc.MetricName).Msg("datapoint presence check failed")
		failures = append(failures, core.TierFailure{Tier: "data_check", Detail: err.Error()})
	} else if !hasData {
		return nil, &core.RenderingFailed{Failures: []core.TierFailure{{
			Tier:   "data_check",
			Detail: fmt.Sprintf("metric %s/%s has no datapoints in the last %s", desc.Namespace, desc.MetricName, dataCheckLookback),
		}}}
	}

	for _, tier := range renderTiers {
		d := desc
		if tier.alarmDerived {
			derived, err := r.describeAlarmMetric(ctx, api, desc)
			if err != nil {
				failures = append(failures, core.TierFailure{Tier: tier.name, Detail: err.Error()})
				continue
			}
			d = *derived
		}

		widget, err := buildWidget(d, tier.window, tier.annotate)
		if err != nil {
			failures = append(failures, core.TierFailure{Tier: tier.name, Detail: err.Error()})
			continue
		}

		r.wait("cloudwatch")
		out, err := api.GetMetricWidgetImage(ctx, &cloudwatch.GetMetricWidgetImageInput{
			MetricWidget: aws.String(widget),
		})
		if err != nil {
			r.logger.Debug().Str("tier", tier.name).Err(err).Msg("rendering tier rejected")
			failures = append(failures, core.TierFailure{Tier: tier.name, Detail: err.Error()})
			continue
		}

		r.logger.Info().Str("tier", tier.name).Str("alarm", desc.AlarmName).Msg("metric graph rendered")
		return &core.Attachment{
			Image:      out.MetricWidgetImage,
			Filename:   safeFilename(desc.AlarmName) + ".png",
			Diagnostic: "rendered via " + tier.name + " tier",
		}, nil
	}

	return nil, &core.RenderingFailed{Failures: failures}
}

// hasRecentData checks for datapoints in the lookback window.
func (r *Resolver) hasRecentData(ctx context.Context, api cloudwatchAPI, desc core.MetricDescriptor) (bool, error) {
	dims := make([]cwtypes.Dimension, 0, len(desc.Dimensions))
	for _, d := range desc.Dimensions {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(d.Name), Value: aws.String(d.Value)})
	}

	now := time.Now().UTC()
	input := &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(desc.Namespace),
		MetricName: aws.String(desc.MetricName),
		Dimensions: dims,
		StartTime:  aws.Time(now.Add(-dataCheckLookback)),
		EndTime:    aws.Time(now),
		Period:     aws.Int32(desc.Period),
	}
	if percentilePattern.MatchString(desc.Statistic) {
		input.ExtendedStatistics = []string{desc.Statistic}
	} else {
		input.Statistics = []cwtypes.Statistic{cwtypes.Statistic(desc.Statistic)}
	}

	r.wait("cloudwatch")
	out, err := api.GetMetricStatistics(ctx, input)
	if err != nil {
		return false, fmt.Errorf("GetMetricStatistics: %w", err)
	}
	return len(out.Datapoints) > 0, nil
}

// describeAlarmMetric rebuilds the descriptor from the live alarm
// definition, discarding whatever was parsed out of the ticket text.
func (r *Resolver) describeAlarmMetric(ctx context.Context, api cloudwatchAPI, desc core.MetricDescriptor) (*core.MetricDescriptor, error) {
	r.wait("cloudwatch")
	out, err := api.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{
		AlarmNames: []string{desc.AlarmName},
	})
	if err != nil {
		return nil, fmt.Errorf("DescribeAlarms(%s): %w", desc.AlarmName, err)
	}
	if len(out.MetricAlarms) == 0 {
		return nil, fmt.Errorf("alarm %q not found", desc.AlarmName)
	}

	alarm := out.MetricAlarms[0]
	derived := core.MetricDescriptor{
		AlarmName:          desc.AlarmName,
		Namespace:          aws.ToString(alarm.Namespace),
		MetricName:         aws.ToString(alarm.MetricName),
		Statistic:          NormalizeStatistic(string(alarm.Statistic)),
		Period:             aws.ToInt32(alarm.Period),
		Threshold:          alarm.Threshold,
		ComparisonOperator: string(alarm.ComparisonOperator),
		Unit:               string(alarm.Unit),
		Region:             desc.Region,
	}
	if derived.Period <= 0 {
		derived.Period = defaultPeriod
	}
	for _, d := range alarm.Dimensions {
		derived.Dimensions = append(derived.Dimensions, core.Dimension{
			Name:  aws.ToString(d.Name),
			Value: aws.ToString(d.Value),
		})
	}
	return &derived, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(name, "-")
	if s == "" {
		s = "metric"
	}
	return s
}
