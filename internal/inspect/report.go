package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/nxslurm/internal/config"
	"github.com/mattjoyce/nxslurm/internal/history"
	"github.com/mattjoyce/nxslurm/internal/planner"
	"github.com/mattjoyce/nxslurm/internal/workspace"
)

// Report is the structured JSON representation of a run report.
type Report struct {
	Run *history.Run `json:"run"`

	// Current is true when the artifacts in the logs directory were written
	// by this run. Later runs overwrite them.
	Current   bool                    `json:"current"`
	Artifacts []config.ArtifactStatus `json:"artifacts,omitempty"`
	Progress  []BatchProgress         `json:"progress,omitempty"`
}

// BatchProgress counts finished outputs for one batch.
type BatchProgress struct {
	Index int `json:"index"`
	Items int `json:"items"`
	Done  int `json:"done"`
}

// Source bundles what a report reads from.
type Source struct {
	Store    *history.Store
	Layout   workspace.Layout
	Suffixes planner.Suffixes
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}
	run := report.Run

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", run.ID)
	fmt.Fprintf(&out, "Created     : %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&out, "Status      : %s\n", run.Status)
	if run.SchedulerJobID != "" {
		fmt.Fprintf(&out, "SLURM job   : %s\n", run.SchedulerJobID)
	}
	if run.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", run.LastError)
	}
	fmt.Fprintf(&out, "Account     : %s\n", run.Account)
	fmt.Fprintf(&out, "Output      : %s\n", run.OutPath)
	fmt.Fprintf(&out, "Config      : %s\n", run.ConfigPath)
	fmt.Fprintf(&out, "Inputs      : %d found, %d completed, %d planned (%d regressors)\n",
		run.ItemsFound, run.ItemsCompleted, run.ItemsTodo, run.Regressors)
	fmt.Fprintf(&out, "Plan        : %d job(s), time %s, mem %s, policy %s\n",
		run.Plan.Jobs, run.Plan.Time, run.Plan.Memory, run.Plan.PolicyVersion)
	fmt.Fprintf(&out, "\n")

	progress := make(map[int]BatchProgress, len(report.Progress))
	for _, p := range report.Progress {
		progress[p.Index] = p
	}
	for _, b := range run.Batches {
		fmt.Fprintf(&out, "[%d] %d item(s)", b.Index, b.Items)
		if p, ok := progress[b.Index]; ok {
			fmt.Fprintf(&out, ", %d done", p.Done)
		}
		fmt.Fprintf(&out, "\n")
		if b.Items > 0 {
			fmt.Fprintf(&out, "    first  : %s\n", b.FirstItem)
			fmt.Fprintf(&out, "    last   : %s\n", b.LastItem)
		}
		fmt.Fprintf(&out, "    config : %s\n", b.ConfigPath)
	}

	fmt.Fprintf(&out, "\n")
	if !report.Current {
		fmt.Fprintf(&out, "artifacts  : <overwritten by a later run>\n")
	} else {
		fmt.Fprintf(&out, "artifacts  :\n")
		for _, a := range report.Artifacts {
			fmt.Fprintf(&out, "  - %-20s %s\n", a.Name, a.State)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildRunList renders the most recent runs, newest first, one per line.
func BuildRunList(ctx context.Context, store *history.Store, limit int) (string, error) {
	runs, err := store.List(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "No runs recorded.\n", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%-36s  %-20s  %-9s  %5s  %6s  %-10s  %s\n", "RUN ID", "CREATED", "STATUS", "JOBS", "ITEMS", "TIME", "SLURM JOB")
	for _, run := range runs {
		jobID := run.SchedulerJobID
		if jobID == "" {
			jobID = "-"
		}
		fmt.Fprintf(&out, "%-36s  %-20s  %-9s  %5d  %6d  %-10s  %s\n",
			run.ID,
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			run.Status,
			run.Plan.Jobs,
			run.ItemsTodo,
			run.Plan.Time,
			jobID,
		)
	}
	return out.String(), nil
}

// BuildJSONRunList returns the most recent runs as a JSON array.
func BuildJSONRunList(ctx context.Context, store *history.Store, limit int) (string, error) {
	runs, err := store.List(ctx, limit)
	if err != nil {
		return "", err
	}
	if runs == nil {
		runs = []*history.Run{}
	}
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json run list: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := src.Store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	report := &Report{Run: run}

	manifest, err := config.LoadManifest(src.Layout.LogsDir())
	if err != nil || manifest.RunID != run.ID {
		return report, nil
	}
	report.Current = true
	report.Artifacts = config.VerifyManifest(src.Layout.LogsDir(), manifest)

	batches, err := readBatchLog(filepath.Join(src.Layout.LogsDir(), workspace.BatchLogName))
	if err != nil {
		return report, nil
	}
	done, err := planner.ListCompleted(src.Layout.Root(), src.Suffixes)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	for i, items := range batches {
		p := BatchProgress{Index: i, Items: len(items)}
		for _, item := range items {
			if done.Contains(item) {
				p.Done++
			}
		}
		report.Progress = append(report.Progress, p)
	}
	return report, nil
}

// readBatchLog loads file_to_job.json into index order.
func readBatchLog(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	out := make([][]string, len(raw))
	for key, items := range raw {
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(raw) {
			return nil, errors.New("batch log keys are not a dense index")
		}
		out[i] = items
	}
	return out, nil
}
