// Package delay evaluates a traffic delay against a delivery threshold.
package delay

import "github.com/petrijr/delaywatch/pkg/api"

// Evaluate reports whether delayMinutes exceeds thresholdMinutes and grades
// its severity. A non-positive threshold falls back to the default.
func Evaluate(delayMinutes, thresholdMinutes int) api.EvaluationResult {
	if thresholdMinutes <= 0 {
		thresholdMinutes = api.DefaultThresholdMinutes
	}
	return api.EvaluationResult{
		ExceedsThreshold: delayMinutes > thresholdMinutes,
		Severity:         SeverityOf(delayMinutes),
		DelayMinutes:     delayMinutes,
		ThresholdMinutes: thresholdMinutes,
	}
}

// SeverityOf grades a delay; it never decreases as the delay grows.
func SeverityOf(delayMinutes int) api.Severity {
	switch {
	case delayMinutes <= 0:
		return api.SeverityNone
	case delayMinutes < 30:
		return api.SeverityMinor
	case delayMinutes < 60:
		return api.SeverityModerate
	case delayMinutes < 120:
		return api.SeverityMajor
	default:
		return api.SeveritySevere
	}
}

// ConditionOf maps a delay to a traffic condition.
func ConditionOf(delayMinutes int) api.TrafficCondition {
	switch {
	case delayMinutes < 5:
		return api.TrafficLight
	case delayMinutes < 15:
		return api.TrafficModerate
	case delayMinutes < 30:
		return api.TrafficHeavy
	default:
		return api.TrafficSevere
	}
}
