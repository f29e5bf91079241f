package tui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/nxslurm/internal/planner"
	"github.com/mattjoyce/nxslurm/internal/runner"
)

func TestRenderSummaryPlanOnly(t *testing.T) {
	t.Parallel()

	res := &runner.Result{
		OutPath:    "/scratch/out",
		ItemsFound: 10,
		ItemsTodo:  10,
		Plan:       planner.DefaultPolicy().Plan(10, planner.Overrides{}),
		BatchSizes: []int{10},
	}
	out := RenderSummary(NewDefaultTheme(), "nxslurm plan", res)

	assert.Contains(t, out, "nxslurm plan")
	assert.Contains(t, out, "/scratch/out")
	assert.Contains(t, out, "0:08:20")
	assert.Contains(t, out, "1G")
	assert.Contains(t, out, "plan only")
	assert.NotContains(t, out, "Run ID")
}

func TestRenderSummarySubmitted(t *testing.T) {
	t.Parallel()

	res := &runner.Result{
		RunID:      "0b6f8f0e",
		ScriptPath: "/scratch/out/logs/submit.sh",
		Submitted:  true,
		BatchSizes: []int{2, 2, 3},
	}
	res.Submission.JobID = "4242"
	out := RenderSummary(NewDefaultTheme(), "nxslurm submit", res)

	assert.Contains(t, out, "submitted as job 4242")
	assert.Contains(t, out, "0b6f8f0e")
}

func TestBatchRowsElidesLongArrays(t *testing.T) {
	t.Parallel()

	sizes := make([]int, 20)
	for i := range sizes {
		sizes[i] = 50
	}
	sizes[19] = 61

	rows := batchRows(NewDefaultTheme(), sizes)
	assert.Len(t, rows, maxBatchRows+1)
	assert.Contains(t, rows[maxBatchRows-1], "12 more")
	assert.True(t, strings.HasPrefix(rows[maxBatchRows], "  19"))
	assert.Contains(t, rows[maxBatchRows], "61 items")

	assert.Len(t, batchRows(NewDefaultTheme(), []int{1, 2}), 2)
}
