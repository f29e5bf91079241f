// Package doctor runs preflight checks on nxslurm settings and the cluster
// environment.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/nxslurm/internal/config"
)

var memoryPattern = regexp.MustCompile(`^[0-9]+[KMGT]?$`)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// HasError reports whether any error falls in category.
func (r *Result) HasError(category string) bool {
	for _, e := range r.Errors {
		if e.Category == category {
			return true
		}
	}
	return false
}

// Doctor validates settings against the local environment.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for loaded settings.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result. A missing extraction tool is
// an error; a missing scheduler only blocks submission and is a warning.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTool(r)
	d.validateScheduler(r)
	d.validatePolicy(r)
	d.validateHistory(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// CheckTool resolves the executable of command (its first word) on PATH.
func CheckTool(command string) (string, error) {
	return checkTool(command, exec.LookPath)
}

func checkTool(command string, lookPath func(string) (string, error)) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("tool command is empty")
	}
	path, err := lookPath(fields[0])
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", fields[0], err)
	}
	return path, nil
}

// validateTool checks that the extraction tool is installed.
func (d *Doctor) validateTool(r *Result) {
	if _, err := checkTool(d.cfg.Tool.Command, d.lookPath); err != nil {
		d.addError(r, "tool", "tool.command",
			fmt.Sprintf("%v (install it or activate its environment before planning)", err))
	}
}

// validateScheduler checks that the submission binary is installed.
func (d *Doctor) validateScheduler(r *Result) {
	if _, err := d.lookPath(d.cfg.Scheduler.Binary); err != nil {
		d.addWarning(r, "scheduler", "scheduler.binary",
			fmt.Sprintf("%s not found; plans can be written but not submitted", d.cfg.Scheduler.Binary))
	}
	if d.cfg.Scheduler.SubmitTimeout > 0 && d.cfg.Scheduler.SubmitTimeout < 5*time.Second {
		d.addWarning(r, "scheduler", "scheduler.submit_timeout",
			fmt.Sprintf("submit timeout %s is very short for a busy controller", d.cfg.Scheduler.SubmitTimeout))
	}
}

// validatePolicy checks the planning table and flags unusual constants.
func (d *Doctor) validatePolicy(r *Result) {
	p := d.cfg.Policy
	if err := p.Validate(); err != nil {
		d.addError(r, "policy", "policy", err.Error())
		return
	}
	if !memoryPattern.MatchString(p.DefaultMemory) {
		d.addWarning(r, "policy", "policy.default_memory",
			fmt.Sprintf("%q is not a SLURM memory size like 500M or 1G", p.DefaultMemory))
	}
	if p.PerItemCost < time.Second {
		d.addWarning(r, "policy", "policy.per_item_cost",
			fmt.Sprintf("per item cost %s is below one second; jobs may be killed at walltime", p.PerItemCost))
	}
	if d.cfg.SourceFile != "" && strings.HasSuffix(p.Version, "+custom") {
		d.addWarning(r, "policy", "policy.version",
			"policy constants changed without a version; set policy.version to track them")
	}
}

// validateHistory checks that an explicit history path can be created.
func (d *Doctor) validateHistory(r *Result) {
	if d.cfg.History.Disabled || d.cfg.History.Path == "" {
		return
	}
	dir := filepath.Dir(d.cfg.History.Path)
	info, err := os.Stat(dir)
	if err != nil {
		d.addWarning(r, "history", "history.path", fmt.Sprintf("directory %s does not exist", dir))
		return
	}
	if !info.IsDir() {
		d.addError(r, "history", "history.path", fmt.Sprintf("%s is not a directory", dir))
	}
}

// warnMissingEnvVars warns about ${VAR} references left in the settings.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	fields := []struct{ name, value string }{
		{"tool.command", d.cfg.Tool.Command},
		{"scheduler.job_name", d.cfg.Scheduler.JobName},
		{"history.path", d.cfg.History.Path},
		{"policy.default_memory", d.cfg.Policy.DefaultMemory},
	}
	for _, f := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(f.value, -1) {
			d.addWarning(r, "env_vars", f.name, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
