package config

import (
	"time"

	"github.com/mattjoyce/nxslurm/internal/planner"
	"github.com/mattjoyce/nxslurm/internal/slurm"
)

// Config represents the nxslurm tool settings. Everything here has a working
// default; a settings file only needs the keys it changes.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Tool      ToolConfig      `yaml:"tool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	History   HistoryConfig   `yaml:"history"`
	Policy    planner.Policy  `yaml:"policy"`

	// SourceFile is the settings file the config was loaded from, empty for
	// built-in defaults.
	SourceFile string `yaml:"-"`
}

// ToolConfig describes the extraction tool each batch invokes.
type ToolConfig struct {
	Command      string `yaml:"command"`
	OutputSuffix string `yaml:"output_suffix"`
	InputSuffix  string `yaml:"input_suffix"`
}

// SchedulerConfig defines how jobs are handed to SLURM.
type SchedulerConfig struct {
	Binary        string        `yaml:"binary"`
	JobName       string        `yaml:"job_name"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	Cleanup       string        `yaml:"cleanup"` // slurm.CleanupAll or slurm.CleanupOwn
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"` // defaults to <out_path>/logs/history.db
}

// Suffixes returns the completion mapping for the configured tool.
func (c *Config) Suffixes() planner.Suffixes {
	return planner.Suffixes{Output: c.Tool.OutputSuffix, Input: c.Tool.InputSuffix}
}

// Defaults returns a Config matching nixtract-nifti on a stock SLURM cluster.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Tool: ToolConfig{
			Command:      "nixtract-nifti",
			OutputSuffix: planner.DefaultSuffixes.Output,
			InputSuffix:  planner.DefaultSuffixes.Input,
		},
		Scheduler: SchedulerConfig{
			Binary:        "sbatch",
			JobName:       "nixtract-slurm",
			SubmitTimeout: 60 * time.Second,
			Cleanup:       slurm.CleanupAll,
		},
		Policy: planner.DefaultPolicy(),
	}
}
