// Package metricviz renders alarm metric graphs through a tiered
// fallback: an annotated rich widget first, then a minimal widget, then a
// widget rebuilt from the alarm definition itself.
package metricviz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ticketops-framework/ticketops/internal/core"
)

var percentilePattern = regexp.MustCompile(`^p(100|[0-9]{1,2})(\.[0-9]+)?$`)

// NormalizeStatistic maps free-form statistic text from alarm descriptions
// to the canonical CloudWatch statistic names. Unrecognized input falls
// back to Average.
func NormalizeStatistic(s string) string {
	trimmed := strings.TrimSpace(s)
	if percentilePattern.MatchString(strings.ToLower(trimmed)) {
		return strings.ToLower(trimmed)
	}
	switch strings.ToLower(trimmed) {
	case "average", "avg", "mean":
		return "Average"
	case "sum", "total":
		return "Sum"
	case "minimum", "min":
		return "Minimum"
	case "maximum", "max":
		return "Maximum"
	case "samplecount", "sample_count", "count":
		return "SampleCount"
	default:
		return "Average"
	}
}

// unitLabels maps CloudWatch units to the short label used in threshold
// annotations.
var unitLabels = map[string]string{
	"Percent":          "%",
	"Count":            "",
	"Count/Second":     "/s",
	"Seconds":          "s",
	"Microseconds":     "µs",
	"Milliseconds":     "ms",
	"Bytes":            "bytes",
	"Kilobytes":        "KB",
	"Megabytes":        "MB",
	"Gigabytes":        "GB",
	"Bits":             "bits",
	"Bytes/Second":     "bytes/s",
	"Kilobytes/Second": "KB/s",
	"Megabytes/Second": "MB/s",
	"Gigabytes/Second": "GB/s",
	"Bits/Second":      "bits/s",
}

func unitLabel(unit string) string {
	if label, ok := unitLabels[unit]; ok {
		return label
	}
	return ""
}

// operatorSymbol maps an alarm comparison operator to the symbol shown in
// the threshold annotation label.
func operatorSymbol(op string) string {
	switch op {
	case "GreaterThanThreshold":
		return ">"
	case "GreaterThanOrEqualToThreshold":
		return ">="
	case "LessThanThreshold":
		return "<"
	case "LessThanOrEqualToThreshold":
		return "<="
	default:
		return ""
	}
}

// thresholdFill picks which side of the threshold line gets shaded. Alarms
// on a floor shade below it, everything else shades above.
func thresholdFill(op string) string {
	switch op {
	case "LessThanThreshold", "LessThanOrEqualToThreshold":
		return "below"
	default:
		return "above"
	}
}

// thresholdLabel renders the annotation label, e.g. "alarm threshold > 80 %".
func thresholdLabel(desc core.MetricDescriptor) string {
	parts := []string{"alarm threshold"}
	if sym := operatorSymbol(desc.ComparisonOperator); sym != "" {
		parts = append(parts, sym)
	}
	parts = append(parts, trimFloat(*desc.Threshold))
	if label := unitLabel(desc.Unit); label != "" {
		parts = append(parts, label)
	}
	return strings.Join(parts, " ")
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.4f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// buildWidget encodes the widget definition consumed by the metric image
// API. Dimension order is preserved exactly as captured from the alarm;
// the rendering API treats it as part of the metric identity.
func buildWidget(desc core.MetricDescriptor, window string, annotate bool) (string, error) {
	metric := []any{desc.Namespace, desc.MetricName}
	for _, d := range desc.Dimensions {
		metric = append(metric, d.Name, d.Value)
	}
	metric = append(metric, map[string]any{"stat": desc.Statistic})

	widget := map[string]any{
		"width":   800,
		"height":  400,
		"title":   desc.AlarmName,
		"region":  desc.Region,
		"period":  desc.Period,
		"start":   window,
		"end":     "PT0H",
		"view":    "timeSeries",
		"metrics": []any{metric},
	}

	if annotate && desc.Threshold != nil {
		widget["annotations"] = map[string]any{
			"horizontal": []any{
				map[string]any{
					"label": thresholdLabel(desc),
					"value": *desc.Threshold,
					"fill":  thresholdFill(desc.ComparisonOperator),
				},
			},
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(widget); err != nil {
		return "", fmt.Errorf("encoding widget: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
