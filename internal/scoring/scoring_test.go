package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestReconcilePointsClamps(t *testing.T) {
	cases := []struct {
		name      string
		max       float64
		bonus     float64
		proposed  float64
		points    float64
		scorePerc float64
	}{
		{name: "above max", max: 10, proposed: 15, points: 10, scorePerc: 100},
		{name: "negative", max: 10, proposed: -3, points: 0, scorePerc: 0},
		{name: "inside range", max: 20, proposed: 5, points: 5, scorePerc: 25},
		{name: "bonus headroom", max: 10, bonus: 2, proposed: 11, points: 11, scorePerc: 110},
		{name: "above bonus", max: 10, bonus: 2, proposed: 50, points: 12, scorePerc: 120},
		{name: "zero max uses unit denominator", max: 0, bonus: 1, proposed: 0.5, points: 0.5, scorePerc: 50},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			points, perc := ReconcilePoints(tc.max, tc.bonus, tc.proposed)
			require.InDelta(t, tc.points, points, 1e-9)
			require.InDelta(t, tc.scorePerc, perc, 1e-9)
		})
	}
}

func TestPointsFromPerc(t *testing.T) {
	points, perc := PointsFromPerc(40, 0, 75)
	require.InDelta(t, 30, points, 1e-9)
	require.InDelta(t, 75, perc, 1e-9)

	points, perc = PointsFromPerc(40, 0, 130)
	require.InDelta(t, 40, points, 1e-9)
	require.InDelta(t, 100, perc, 1e-9)
}

func TestComputeByZoneAppliesPolicies(t *testing.T) {
	zones := []ZonePolicy{
		{ZoneID: 2, Number: 2, NumberChoose: intPtr(2)},
		{ZoneID: 1, Number: 1},
		{ZoneID: 3, Number: 3, MaxPoints: floatPtr(5)},
		{ZoneID: 4, Number: 4},
	}
	slots := []QuestionSlot{
		{ZoneID: 1, Number: 1, MaxPoints: 10},
		{ZoneID: 1, Number: 2, MaxPoints: 5},
		{ZoneID: 2, Number: 3, MaxPoints: 3},
		{ZoneID: 2, Number: 4, MaxPoints: 8},
		{ZoneID: 2, Number: 5, MaxPoints: 6},
		{ZoneID: 3, Number: 6, MaxPoints: 4},
		{ZoneID: 3, Number: 7, MaxPoints: 4},
	}

	result := ComputeByZone(zones, slots)
	require.Equal(t, []ZoneMax{
		{ZoneID: 1, Number: 1, MaxPoints: 15},
		{ZoneID: 2, Number: 2, MaxPoints: 14},
		{ZoneID: 3, Number: 3, MaxPoints: 5},
		{ZoneID: 4, Number: 4, MaxPoints: 0},
	}, result)
	require.InDelta(t, 34, TotalMaxPoints(result, nil), 1e-9)
	require.InDelta(t, 20, TotalMaxPoints(result, floatPtr(20)), 1e-9)

	// Same inputs in a different order give the same answer.
	reversed := make([]QuestionSlot, len(slots))
	for i := range slots {
		reversed[len(slots)-1-i] = slots[i]
	}
	require.Equal(t, result, ComputeByZone(zones, reversed))
}

func TestComputeZoneScoresUsesBestQuestions(t *testing.T) {
	zones := []ZonePolicy{{ZoneID: 1, Number: 1, BestQuestions: intPtr(2), MaxPoints: floatPtr(12)}}
	slots := []QuestionSlot{
		{ZoneID: 1, Number: 1, MaxPoints: 10, Points: 2},
		{ZoneID: 1, Number: 2, MaxPoints: 10, Points: 7},
		{ZoneID: 1, Number: 3, MaxPoints: 10, Points: 6},
	}

	scores := ComputeZoneScores(zones, slots)
	require.Len(t, scores, 1)
	require.InDelta(t, 12, scores[0].MaxPoints, 1e-9)
	require.InDelta(t, 12, scores[0].Points, 1e-9, "13 earned but capped at zone max")
	require.InDelta(t, 12, TotalPoints(scores), 1e-9)
}

func TestQuestionPoints(t *testing.T) {
	values := QuestionValues{MaxPoints: 10, MaxAutoPoints: 6, MaxManualPoints: 4}

	result := QuestionPoints(values, 0.5, 2)
	require.InDelta(t, 3, result.AutoPoints, 1e-9)
	require.InDelta(t, 2, result.ManualPoints, 1e-9)
	require.InDelta(t, 5, result.Points, 1e-9)
	require.InDelta(t, 50, result.ScorePerc, 1e-9)

	result = QuestionPoints(QuestionValues{MaxPoints: 8}, 1.4, 0)
	require.InDelta(t, 8, result.Points, 1e-9, "raw scores above one are clamped")

	result = QuestionPoints(values, 1, 10)
	require.InDelta(t, 4, result.ManualPoints, 1e-9)
	require.InDelta(t, 10, result.Points, 1e-9)
}
