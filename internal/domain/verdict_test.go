package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdictFromBitmask(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		want   Verdict
	}{
		{"clean pass", 0, VerdictAC},
		{"wrong answer", 1, VerdictWA},
		{"runtime error", 2, VerdictRTE},
		{"time limit", 4, VerdictTLE},
		{"memory limit", 8, VerdictMLE},
		{"invalid return", 16, VerdictIR},
		{"short circuited", 32, VerdictSC},
		{"output limit", 64, VerdictOLE},
		{"tle beats mle", 4 | 8, VerdictTLE},
		{"mle beats ole", 8 | 64, VerdictMLE},
		{"ole beats rte", 64 | 2, VerdictOLE},
		{"rte beats wa", 2 | 1, VerdictRTE},
		{"ir beats wa", 16 | 1, VerdictIR},
		{"wa beats sc", 1 | 32, VerdictWA},
		{"everything at once", 1 | 2 | 4 | 8 | 16 | 32 | 64, VerdictTLE},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, VerdictFromBitmask(tc.status))
		})
	}
}

func intp(v int) *int { return &v }

func TestFinalizeSimpleSum(t *testing.T) {
	t.Parallel()
	cases := []TestCase{
		{Case: 1, Status: VerdictAC, Points: 5, Total: 5, Time: 0.5, Memory: 1000},
		{Case: 2, Status: VerdictAC, Points: 5, Total: 5, Time: 1.5, Memory: 2500},
	}
	final := Finalize(cases, 100, true)
	assert.Equal(t, 10.0, final.CasePoints)
	assert.Equal(t, 10.0, final.CaseTotal)
	assert.Equal(t, 100.0, final.Points)
	assert.Equal(t, VerdictAC, final.Result)
	assert.Equal(t, 1.5, final.Time)
	assert.Equal(t, 2.0, final.TotalTime)
	assert.Equal(t, 2500.0, final.Memory)
}

func TestFinalizeBatchMinMax(t *testing.T) {
	t.Parallel()
	// Batch 1 contributes min(points)=2 and max(total)=5; loose cases sum.
	cases := []TestCase{
		{Case: 1, Status: VerdictAC, Points: 3, Total: 5, Batch: intp(1)},
		{Case: 2, Status: VerdictWA, Points: 2, Total: 5, Batch: intp(1)},
		{Case: 3, Status: VerdictAC, Points: 5, Total: 5},
		{Case: 4, Status: VerdictAC, Points: 1, Total: 1},
	}
	final := Finalize(cases, 11, true)
	assert.Equal(t, 8.0, final.CasePoints)
	assert.Equal(t, 11.0, final.CaseTotal)
	assert.Equal(t, 8.0, final.Points)
	assert.Equal(t, VerdictWA, final.Result)
}

func TestFinalizeMultipleBatches(t *testing.T) {
	t.Parallel()
	cases := []TestCase{
		{Case: 1, Status: VerdictAC, Points: 4, Total: 4, Batch: intp(1)},
		{Case: 2, Status: VerdictAC, Points: 4, Total: 4, Batch: intp(1)},
		{Case: 3, Status: VerdictTLE, Points: 0, Total: 6, Batch: intp(2)},
		{Case: 4, Status: VerdictAC, Points: 6, Total: 6, Batch: intp(2)},
	}
	final := Finalize(cases, 10, true)
	assert.Equal(t, 4.0, final.CasePoints)
	assert.Equal(t, 10.0, final.CaseTotal)
	assert.Equal(t, 4.0, final.Points)
	assert.Equal(t, VerdictTLE, final.Result)
}

func TestFinalizeNonPartialClampsToZero(t *testing.T) {
	t.Parallel()
	cases := []TestCase{
		{Case: 1, Status: VerdictAC, Points: 5, Total: 5},
		{Case: 2, Status: VerdictWA, Points: 0, Total: 5},
	}
	final := Finalize(cases, 100, false)
	assert.Equal(t, 5.0, final.CasePoints)
	assert.Equal(t, 0.0, final.Points)
	assert.Equal(t, VerdictWA, final.Result)
}

func TestFinalizeNonPartialFullMarks(t *testing.T) {
	t.Parallel()
	cases := []TestCase{
		{Case: 1, Status: VerdictAC, Points: 5, Total: 5},
		{Case: 2, Status: VerdictAC, Points: 5, Total: 5},
	}
	final := Finalize(cases, 100, false)
	assert.Equal(t, 100.0, final.Points)
	assert.Equal(t, VerdictAC, final.Result)
}

func TestFinalizeNoCases(t *testing.T) {
	t.Parallel()
	final := Finalize(nil, 100, true)
	require.Equal(t, 0.0, final.CaseTotal)
	assert.Equal(t, 0.0, final.Points)
	assert.Equal(t, VerdictSC, final.Result)
}

func TestFinalizePointScaling(t *testing.T) {
	t.Parallel()
	cases := []TestCase{
		{Case: 1, Status: VerdictAC, Points: 1, Total: 3},
		{Case: 2, Status: VerdictWA, Points: 0, Total: 3},
		{Case: 3, Status: VerdictAC, Points: 1, Total: 3},
	}
	final := Finalize(cases, 10, true)
	// 2/9 of 10 points, rounded to three places.
	assert.InDelta(t, 2.222, final.Points, 1e-9)
}
