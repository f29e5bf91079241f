// Package runner turns an extraction config into a submitted SLURM job array.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/nxslurm/internal/config"
	"github.com/mattjoyce/nxslurm/internal/doctor"
	"github.com/mattjoyce/nxslurm/internal/history"
	"github.com/mattjoyce/nxslurm/internal/lock"
	"github.com/mattjoyce/nxslurm/internal/log"
	"github.com/mattjoyce/nxslurm/internal/planner"
	"github.com/mattjoyce/nxslurm/internal/slurm"
	"github.com/mattjoyce/nxslurm/internal/storage"
	"github.com/mattjoyce/nxslurm/internal/workspace"
)

// Options are the per-invocation inputs.
type Options struct {
	OutPath    string
	ConfigPath string
	Account    string

	// Overrides; empty or zero means "derive".
	Time   string
	Memory string
	Jobs   int

	RerunCompleted bool

	// DryRun writes every artifact but does not submit.
	DryRun bool

	// PlanOnly computes the plan and writes nothing.
	PlanOnly bool
}

// Result describes what a run planned and did.
type Result struct {
	RunID          string           `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	OutPath        string           `json:"out_path" yaml:"out_path"`
	ItemsFound     int              `json:"items_found" yaml:"items_found"`
	Regressors     int              `json:"regressors" yaml:"regressors"`
	ItemsCompleted int              `json:"items_completed" yaml:"items_completed"`
	ItemsTodo      int              `json:"items_todo" yaml:"items_todo"`
	Plan           planner.Plan     `json:"plan" yaml:"plan"`
	BatchSizes     []int            `json:"batch_sizes" yaml:"batch_sizes"`
	ConfigPaths    []string         `json:"config_paths,omitempty" yaml:"config_paths,omitempty"`
	ScriptPath     string           `json:"script_path,omitempty" yaml:"script_path,omitempty"`
	Script         string           `json:"script,omitempty" yaml:"script,omitempty"`
	Recorded       bool             `json:"recorded" yaml:"recorded"`
	Submitted      bool             `json:"submitted" yaml:"submitted"`
	Submission     slurm.Submission `json:"submission" yaml:"submission"`
}

// Runner wires the planning pipeline to the filesystem and the scheduler.
type Runner struct {
	cfg       *config.Config
	submitter slurm.Submitter
	logger    *slog.Logger

	checkTool func(string) (string, error)
}

// New creates a Runner. submitter may be nil when only planning.
func New(cfg *config.Config, submitter slurm.Submitter) *Runner {
	return &Runner{
		cfg:       cfg,
		submitter: submitter,
		logger:    log.WithComponent("runner"),
		checkTool: doctor.CheckTool,
	}
}

// Run executes one planning run. Every configuration error is reported
// before any artifact is written.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	overrides, err := r.validate(opts)
	if err != nil {
		return nil, err
	}

	if _, err := r.checkTool(r.cfg.Tool.Command); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolMissing, err)
	}

	ext, err := config.ReadExtraction(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	r.logger.Info("found inputs", "input_files", len(ext.InputFiles), "regressor_files", len(ext.RegressorFiles))

	layout, err := workspace.NewFSLayout(opts.OutPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	res := &Result{
		OutPath:    layout.Root(),
		ItemsFound: len(ext.InputFiles),
		Regressors: len(ext.RegressorFiles),
	}

	work, aux := ext.InputFiles, ext.RegressorFiles
	if !opts.RerunCompleted {
		done, err := planner.ListCompleted(layout.Root(), r.cfg.Suffixes())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		if work, aux, err = planner.Todo(work, aux, done); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		res.ItemsCompleted = res.ItemsFound - len(work)
		r.logger.Info("filtered completed inputs", "completed", res.ItemsCompleted, "todo", len(work))
	}
	res.ItemsTodo = len(work)
	if res.ItemsTodo == 0 {
		r.logger.Warn("no inputs left to process; planning a single empty batch")
	}

	res.Plan = r.cfg.Policy.Plan(len(work), overrides)
	batches, err := planner.NewBatches(res.Plan.Jobs, work, aux)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	for _, b := range batches.Work {
		res.BatchSizes = append(res.BatchSizes, len(b))
	}

	if opts.Account != "" {
		res.Script, err = slurm.Render(slurm.ScriptParams{
			JobName: r.cfg.Scheduler.JobName,
			Account: opts.Account,
			OutPath: layout.Root(),
			Tool:    r.cfg.Tool.Command,
			Plan:    res.Plan,
			Cleanup: r.cfg.Scheduler.Cleanup,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	r.logger.Info("planned jobs",
		"jobs", res.Plan.Jobs,
		"time", res.Plan.Time,
		"mem", res.Plan.Memory,
		"items_per_job", res.Plan.ItemsPerJob,
		"policy_version", res.Plan.PolicyVersion,
	)
	if opts.PlanOnly {
		return res, nil
	}

	// Nothing touches the output directory before this point.
	if err := layout.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	pl, err := lock.AcquirePIDLock(filepath.Join(layout.LogsDir(), workspace.LockName))
	switch {
	case errors.Is(err, lock.ErrUnsupported):
		r.logger.Warn("running without a lock", "error", err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	default:
		defer func() { _ = pl.Release() }()
	}

	if err := r.writeArtifacts(ctx, layout, batches, ext, res); err != nil {
		return res, err
	}

	store, closeStore := r.recordHistory(ctx, layout, opts, batches, res)
	defer closeStore()

	if opts.DryRun {
		log.WithRun(res.RunID).Info("dry run; not submitting", "script", res.ScriptPath)
		return res, nil
	}
	return res, r.submit(ctx, store, res)
}

func (r *Runner) validate(opts Options) (planner.Overrides, error) {
	var o planner.Overrides

	if strings.TrimSpace(opts.OutPath) == "" {
		return o, fmt.Errorf("%w: output path is required", ErrConfig)
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return o, fmt.Errorf("%w: config path is required", ErrConfig)
	}
	if strings.TrimSpace(opts.Account) == "" && !opts.PlanOnly {
		return o, fmt.Errorf("%w: account is required", ErrConfig)
	}
	if opts.Jobs < 0 {
		return o, fmt.Errorf("%w: n_jobs must be positive, got %d", ErrConfig, opts.Jobs)
	}
	if strings.ContainsAny(opts.Memory, " \t\n") {
		return o, fmt.Errorf("%w: mem %q must not contain whitespace", ErrConfig, opts.Memory)
	}
	if opts.Time != "" {
		d, err := planner.ParseWalltime(opts.Time)
		if err != nil {
			return o, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		o.Walltime = d
	}
	o.Memory = opts.Memory
	o.Jobs = opts.Jobs
	return o, nil
}

// writeArtifacts writes configs, the script and the manifest. The run id is
// assigned here so the manifest can name it.
func (r *Runner) writeArtifacts(ctx context.Context, layout workspace.Layout, batches planner.Batches, ext *config.Extraction, res *Result) error {
	res.RunID = history.NewRunID()
	logger := log.WithRun(res.RunID)

	paths, err := planner.Assemble(ctx, batches, ext, layout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	res.ConfigPaths = paths
	for i, p := range paths {
		log.WithBatch(res.RunID, i).Debug("wrote batch config", "path", p, "items", res.BatchSizes[i])
	}

	report, err := layout.RemoveStaleConfigs(ctx, res.Plan.Jobs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	if report.DeletedFiles > 0 {
		logger.Info("removed stale batch configs", "count", report.DeletedFiles)
	}

	if res.ScriptPath, err = layout.WriteScript(res.Script); err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	artifacts := append([]string{filepath.Join(layout.LogsDir(), workspace.BatchLogName), res.ScriptPath}, paths...)
	if _, err := config.WriteManifest(layout.LogsDir(), res.RunID, artifacts); err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	logger.Info("wrote artifacts", "configs", len(paths), "script", res.ScriptPath)
	return nil
}

// historyPath is the configured database path or logs/history.db.
func (r *Runner) historyPath(layout workspace.Layout) string {
	if r.cfg.History.Path != "" {
		return r.cfg.History.Path
	}
	return filepath.Join(layout.LogsDir(), workspace.HistoryName)
}

// recordHistory appends the run to the history database. Failures are
// logged and never fail the run; the returned store is nil in that case.
func (r *Runner) recordHistory(ctx context.Context, layout workspace.Layout, opts Options, batches planner.Batches, res *Result) (*history.Store, func()) {
	noop := func() {}
	if r.cfg.History.Disabled {
		return nil, noop
	}
	logger := log.WithRun(res.RunID)

	path := r.historyPath(layout)
	if err := storage.CheckLocalFilesystem(path); err != nil {
		logger.Warn("run history skipped", "path", path, "error", err)
		return nil, noop
	}
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		logger.Warn("run history skipped", "path", path, "error", err)
		return nil, noop
	}
	closeDB := func() { _ = db.Close() }

	configPath, err := filepath.Abs(opts.ConfigPath)
	if err != nil {
		configPath = opts.ConfigPath
	}
	store := history.NewStore(db)
	run := &history.Run{
		ID:             res.RunID,
		OutPath:        res.OutPath,
		ConfigPath:     configPath,
		Account:        opts.Account,
		ItemsFound:     res.ItemsFound,
		ItemsCompleted: res.ItemsCompleted,
		ItemsTodo:      res.ItemsTodo,
		Regressors:     res.Regressors,
		Plan:           res.Plan,
		ScriptPath:     res.ScriptPath,
		Batches:        history.NewBatches(batches.Work, res.ConfigPaths),
	}
	if err := store.RecordRun(ctx, run); err != nil {
		logger.Warn("failed to record run", "error", err)
		closeDB()
		return nil, noop
	}
	res.Recorded = true
	logger.Debug("recorded run", "path", path)
	return store, closeDB
}

// submit hands the script to the scheduler and records the outcome.
func (r *Runner) submit(ctx context.Context, store *history.Store, res *Result) error {
	logger := log.WithRun(res.RunID)
	if r.submitter == nil {
		return fmt.Errorf("%w: %w", ErrSubmit, slurm.ErrSchedulerUnavailable)
	}

	logger.Info("submitting job array",
		"jobs", res.Plan.Jobs,
		"time", res.Plan.Time,
		"mem", res.Plan.Memory,
	)
	sub, err := r.submitter.Submit(ctx, res.ScriptPath)
	if err != nil {
		if store != nil {
			if merr := store.MarkFailed(ctx, res.RunID, err); merr != nil {
				logger.Warn("failed to update run history", "error", merr)
			}
		}
		return fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	res.Submitted = true
	res.Submission = sub
	if store != nil {
		if err := store.MarkSubmitted(ctx, res.RunID, sub.JobID); err != nil {
			logger.Warn("failed to update run history", "error", err)
		}
	}
	logger.Info("submitted job array", "scheduler_job_id", sub.JobID)
	return nil
}
