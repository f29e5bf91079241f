package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/nxslurm/internal/runner"
)

// maxBatchRows caps the per-batch table; longer arrays are elided.
const maxBatchRows = 8

// RenderSummary draws a boxed summary of a planning run.
func RenderSummary(theme Theme, title string, res *runner.Result) string {
	rows := [][2]string{
		{"Output", res.OutPath},
		{"Inputs", fmt.Sprintf("%d found, %d regressors", res.ItemsFound, res.Regressors)},
		{"Completed", fmt.Sprintf("%d", res.ItemsCompleted)},
		{"To process", fmt.Sprintf("%d", res.ItemsTodo)},
		{"Jobs", fmt.Sprintf("%d x %d items", res.Plan.Jobs, res.Plan.ItemsPerJob)},
		{"Time", res.Plan.Time},
		{"Memory", res.Plan.Memory},
		{"Policy", res.Plan.PolicyVersion},
	}
	if res.RunID != "" {
		rows = append(rows, [2]string{"Run ID", res.RunID})
	}
	if res.ScriptPath != "" {
		rows = append(rows, [2]string{"Script", res.ScriptPath})
	}

	width := 0
	for _, r := range rows {
		width = max(width, lipgloss.Width(r[0]))
	}

	lines := []string{theme.Title.Render(title), ""}
	for _, r := range rows {
		label := theme.Label.Render(r[0] + strings.Repeat(" ", width-lipgloss.Width(r[0])))
		lines = append(lines, label+"  "+theme.Value.Render(r[1]))
	}

	lines = append(lines, "", theme.Label.Render("Batches"))
	lines = append(lines, batchRows(theme, res.BatchSizes)...)

	lines = append(lines, "", statusLine(theme, res))

	return theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)) + "\n"
}

func batchRows(theme Theme, sizes []int) []string {
	row := func(i int) string { return fmt.Sprintf("  %-6d %d items", i, sizes[i]) }

	if len(sizes) <= maxBatchRows {
		out := make([]string, 0, len(sizes))
		for i := range sizes {
			out = append(out, row(i))
		}
		return out
	}

	shown := maxBatchRows - 1
	out := make([]string, 0, maxBatchRows+1)
	for i := 0; i < shown; i++ {
		out = append(out, row(i))
	}
	out = append(out, theme.Dim.Render(fmt.Sprintf("  ... %d more", len(sizes)-shown-1)))
	return append(out, row(len(sizes)-1))
}

func statusLine(theme Theme, res *runner.Result) string {
	switch {
	case res.Submitted:
		return theme.StatusOK.Render("● submitted as job " + res.Submission.JobID)
	case res.ScriptPath != "":
		return theme.StatusWarn.Render("○ artifacts written, not submitted")
	default:
		return theme.Dim.Render("○ plan only, nothing written")
	}
}
