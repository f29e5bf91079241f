package workspace

import (
	"context"

	"github.com/mattjoyce/nxslurm/internal/planner"
)

// File names inside the logs directory.
const (
	LogsDirName        = "logs"
	SlurmOutputDirName = "slurm_output"
	BatchLogName       = "file_to_job.json"
	ScriptName         = "submit.sh"
	LockName           = ".nxslurm.lock"
	HistoryName        = "history.db"
)

// CleanupReport summarizes a stale config sweep.
type CleanupReport struct {
	DeletedFiles int
}

// Layout owns the artifact tree of one output directory:
//
//	<out>/logs/config_{i}.json
//	<out>/logs/file_to_job.json
//	<out>/logs/submit.sh
//	<out>/logs/slurm_output/batch_{i}.out   (written by SLURM)
//
// Extraction results land directly in <out>.
type Layout interface {
	planner.ArtifactWriter

	// Prepare creates the logs and slurm_output directories.
	Prepare(ctx context.Context) error

	// WriteScript stores the rendered submission script, executable.
	WriteScript(content string) (string, error)

	// RemoveStaleConfigs deletes config_{i}.json for every i >= jobs left
	// over from an earlier, larger run.
	RemoveStaleConfigs(ctx context.Context, jobs int) (CleanupReport, error)

	Root() string
	LogsDir() string
	SlurmOutputDir() string
	ConfigPath(index int) string
	ScriptPath() string
}
