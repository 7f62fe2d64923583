package domain

import "math"

// verdictOrder is the fixed precedence used to pick the overall result:
// the highest-ranked verdict across all testcases wins.
var verdictOrder = []Verdict{
	VerdictSC, VerdictAC, VerdictWA, VerdictMLE,
	VerdictTLE, VerdictIR, VerdictRTE, VerdictOLE,
}

func verdictRank(v Verdict) int {
	for i, c := range verdictOrder {
		if c == v {
			return i
		}
	}
	return 0
}

// Worker status bitmask flags, in decode priority order.
const (
	caseFlagWA  = 1
	caseFlagRTE = 2
	caseFlagTLE = 4
	caseFlagMLE = 8
	caseFlagIR  = 16
	caseFlagSC  = 32
	caseFlagOLE = 64
)

// VerdictFromBitmask maps a worker-reported status bitmask to a verdict.
// TLE beats MLE beats OLE beats RTE beats IR beats WA beats SC; zero is AC.
func VerdictFromBitmask(status int) Verdict {
	switch {
	case status&caseFlagTLE != 0:
		return VerdictTLE
	case status&caseFlagMLE != 0:
		return VerdictMLE
	case status&caseFlagOLE != 0:
		return VerdictOLE
	case status&caseFlagRTE != 0:
		return VerdictRTE
	case status&caseFlagIR != 0:
		return VerdictIR
	case status&caseFlagWA != 0:
		return VerdictWA
	case status&caseFlagSC != 0:
		return VerdictSC
	default:
		return VerdictAC
	}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Finalize folds a submission's testcases into its terminal aggregates.
//
// Cases inside a batch contribute min(points) and max(total) for the whole
// batch; the resulting case_total may exceed the sum of individual totals,
// which is intentional. The overall verdict is the precedence-max across
// cases, and points are scaled to the problem's value, clamped to zero for
// non-partial problems unless full marks were earned.
func Finalize(cases []TestCase, problemPoints float64, partial bool) FinalResult {
	var (
		maxTime   float64
		totalTime float64
		memory    float64
		points    float64
		total     float64
		rank      int
	)
	type minmax struct{ points, total float64 }
	batches := map[int]*minmax{}

	for _, c := range cases {
		maxTime = math.Max(maxTime, c.Time)
		totalTime += c.Time
		memory = math.Max(memory, c.Memory)
		if c.Batch == nil {
			points += c.Points
			total += c.Total
		} else if b, ok := batches[*c.Batch]; ok {
			b.points = math.Min(b.points, c.Points)
			b.total = math.Max(b.total, c.Total)
		} else {
			batches[*c.Batch] = &minmax{points: c.Points, total: c.Total}
		}
		if r := verdictRank(c.Status); r > rank {
			rank = r
		}
	}
	for _, b := range batches {
		points += b.points
		total += b.total
	}

	points = round(points, 1)
	total = round(total, 1)

	var subPoints float64
	if total > 0 {
		subPoints = round(points/total*problemPoints, 3)
	}
	if !partial && subPoints != problemPoints {
		subPoints = 0
	}

	return FinalResult{
		CasePoints:    points,
		CaseTotal:     total,
		Points:        subPoints,
		Time:          maxTime,
		TotalTime:     totalTime,
		Memory:        memory,
		Result:        verdictOrder[rank],
		ProblemPoints: problemPoints,
	}
}
