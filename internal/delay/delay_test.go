package delay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/delaywatch/pkg/api"
)

var severityRank = map[api.Severity]int{
	api.SeverityNone:     0,
	api.SeverityMinor:    1,
	api.SeverityModerate: 2,
	api.SeverityMajor:    3,
	api.SeveritySevere:   4,
}

func TestEvaluate_ExceedsIsStrictlyGreater(t *testing.T) {
	for threshold := 1; threshold <= 120; threshold += 7 {
		for d := -5; d <= 200; d++ {
			res := Evaluate(d, threshold)
			require.Equal(t, d > threshold, res.ExceedsThreshold, "delay=%d threshold=%d", d, threshold)
		}
	}
}

func TestSeverity_IsMonotonic(t *testing.T) {
	prev := severityRank[SeverityOf(-1)]
	for d := 0; d <= 300; d++ {
		rank := severityRank[SeverityOf(d)]
		require.GreaterOrEqual(t, rank, prev, "delay=%d", d)
		prev = rank
	}
}

func TestEvaluate_Examples(t *testing.T) {
	res := Evaluate(45, 30)
	require.True(t, res.ExceedsThreshold)
	require.Equal(t, api.SeverityModerate, res.Severity)

	res = Evaluate(10, 30)
	require.False(t, res.ExceedsThreshold)
	require.Equal(t, api.SeverityMinor, res.Severity)

	res = Evaluate(31, 0)
	require.True(t, res.ExceedsThreshold)
	require.Equal(t, 30, res.ThresholdMinutes)
}

func TestConditionOf(t *testing.T) {
	require.Equal(t, api.TrafficLight, ConditionOf(0))
	require.Equal(t, api.TrafficModerate, ConditionOf(5))
	require.Equal(t, api.TrafficHeavy, ConditionOf(15))
	require.Equal(t, api.TrafficSevere, ConditionOf(30))
}
