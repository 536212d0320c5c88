// Package scoring holds the point arithmetic shared by grading, regrading and
// manual score edits. Nothing in here touches storage.
package scoring

import (
	"math"
	"sort"
)

// ZonePolicy is the aggregation configuration of one zone.
type ZonePolicy struct {
	ZoneID        uint
	Number        int
	NumberChoose  *int
	BestQuestions *int
	MaxPoints     *float64
}

// QuestionSlot is one instance question as seen by the zone pass.
type QuestionSlot struct {
	ZoneID    uint
	Number    int
	MaxPoints float64
	Points    float64
}

// ZoneMax is the maximum number of points obtainable in a zone.
type ZoneMax struct {
	ZoneID    uint
	Number    int
	MaxPoints float64
}

// ZoneScore pairs a zone's maximum with the points currently earned in it.
type ZoneScore struct {
	ZoneMax
	Points float64
}

// ComputeByZone sums the maximum points per zone. When a zone only counts a
// subset of its questions (number_choose) the largest maxima are used, and a
// zone cap always wins. Zones without questions still appear with zero.
func ComputeByZone(zones []ZonePolicy, slots []QuestionSlot) []ZoneMax {
	byZone := groupByZone(slots)
	ordered := sortedZones(zones)

	result := make([]ZoneMax, 0, len(ordered))
	for _, zone := range ordered {
		maxima := make([]float64, 0, len(byZone[zone.ZoneID]))
		for _, slot := range byZone[zone.ZoneID] {
			maxima = append(maxima, slot.MaxPoints)
		}
		total := sumLargest(maxima, zone.NumberChoose)
		result = append(result, ZoneMax{
			ZoneID:    zone.ZoneID,
			Number:    zone.Number,
			MaxPoints: capAt(total, zone.MaxPoints),
		})
	}

	return result
}

// ComputeZoneScores returns the maximum and earned points per zone. Earned
// points count only the best_questions highest scores and respect the cap.
func ComputeZoneScores(zones []ZonePolicy, slots []QuestionSlot) []ZoneScore {
	byZone := groupByZone(slots)
	maxima := ComputeByZone(zones, slots)
	policies := make(map[uint]ZonePolicy, len(zones))
	for _, zone := range zones {
		policies[zone.ZoneID] = zone
	}

	result := make([]ZoneScore, 0, len(maxima))
	for _, zoneMax := range maxima {
		zone := policies[zoneMax.ZoneID]
		points := make([]float64, 0, len(byZone[zone.ZoneID]))
		for _, slot := range byZone[zone.ZoneID] {
			points = append(points, slot.Points)
		}
		result = append(result, ZoneScore{
			ZoneMax: zoneMax,
			Points:  capAt(sumLargest(points, zone.BestQuestions), zone.MaxPoints),
		})
	}

	return result
}

// TotalMaxPoints sums the zone maxima unless the assessment overrides it.
func TotalMaxPoints(zones []ZoneMax, override *float64) float64 {
	if override != nil {
		return *override
	}
	var total float64
	for _, zone := range zones {
		total += zone.MaxPoints
	}
	return total
}

// TotalPoints sums the earned points of all zones.
func TotalPoints(zones []ZoneScore) float64 {
	var total float64
	for _, zone := range zones {
		total += zone.Points
	}
	return total
}

// ReconcilePoints clamps proposed points into [0, maxPoints+maxBonusPoints]
// and derives the matching percentage. Every points/percentage conversion in
// the engine goes through here or through PointsFromPerc.
func ReconcilePoints(maxPoints, maxBonusPoints, proposed float64) (float64, float64) {
	upper := maxPoints + maxBonusPoints
	if upper < 0 {
		upper = 0
	}

	points := proposed
	if math.IsNaN(points) || points < 0 {
		points = 0
	}
	if points > upper {
		points = upper
	}

	return points, points / denominator(maxPoints) * 100
}

// PointsFromPerc converts a percentage into clamped points and the percentage
// consistent with them.
func PointsFromPerc(maxPoints, maxBonusPoints, scorePerc float64) (float64, float64) {
	base := maxPoints
	if base < 0 {
		base = 0
	}
	return ReconcilePoints(maxPoints, maxBonusPoints, scorePerc*base/100)
}

// QuestionValues are the current point values of an assessment question.
type QuestionValues struct {
	MaxPoints       float64
	MaxAutoPoints   float64
	MaxManualPoints float64
}

// QuestionResult is the derived score of one instance question.
type QuestionResult struct {
	AutoPoints   float64
	ManualPoints float64
	Points       float64
	ScorePerc    float64
}

// QuestionPoints applies the question's current point values to a raw
// autograder score in [0,1] and to the previously awarded manual points.
func QuestionPoints(values QuestionValues, rawScore, manualPoints float64) QuestionResult {
	autoMax := values.MaxAutoPoints
	if autoMax == 0 && values.MaxManualPoints == 0 {
		autoMax = values.MaxPoints
	}

	raw := math.Min(math.Max(rawScore, 0), 1)
	auto := raw * autoMax
	manual := math.Min(math.Max(manualPoints, 0), values.MaxManualPoints)

	points := auto + manual
	if values.MaxPoints > 0 && points > values.MaxPoints {
		points = values.MaxPoints
	}

	return QuestionResult{
		AutoPoints:   auto,
		ManualPoints: manual,
		Points:       points,
		ScorePerc:    points / denominator(values.MaxPoints) * 100,
	}
}

// Equal compares point values with a tolerance that absorbs float noise.
func Equal(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func denominator(maxPoints float64) float64 {
	if maxPoints > 0 {
		return maxPoints
	}
	return 1
}

func groupByZone(slots []QuestionSlot) map[uint][]QuestionSlot {
	byZone := make(map[uint][]QuestionSlot)
	for _, slot := range slots {
		byZone[slot.ZoneID] = append(byZone[slot.ZoneID], slot)
	}
	for zoneID := range byZone {
		group := byZone[zoneID]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Number < group[j].Number })
	}
	return byZone
}

func sortedZones(zones []ZonePolicy) []ZonePolicy {
	ordered := append([]ZonePolicy(nil), zones...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Number == ordered[j].Number {
			return ordered[i].ZoneID < ordered[j].ZoneID
		}
		return ordered[i].Number < ordered[j].Number
	})
	return ordered
}

func sumLargest(values []float64, limit *int) float64 {
	if limit != nil && *limit >= 0 && *limit < len(values) {
		sorted := append([]float64(nil), values...)
		sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
		values = sorted[:*limit]
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func capAt(value float64, limit *float64) float64 {
	if limit != nil && value > *limit {
		return *limit
	}
	return value
}
