package slurm

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/mattjoyce/nxslurm/internal/planner"
)

// Cleanup modes for the last script line.
const (
	CleanupAll = "all"
	CleanupOwn = "own"
)

// ErrInvalidScript reports parameters that cannot be rendered into a valid
// submission script.
var ErrInvalidScript = errors.New("invalid script parameters")

// ScriptParams is everything the submission script depends on.
type ScriptParams struct {
	JobName string
	Account string
	OutPath string
	Tool    string
	Plan    planner.Plan
	Cleanup string
}

var scriptTemplate = template.Must(template.New("submit.sh").Parse(`#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --time={{.Time}}
#SBATCH --mem={{.Memory}}
#SBATCH --account={{.Account}}
#SBATCH --array=0-{{.LastIndex}}
#SBATCH -o {{.OutPath}}/logs/slurm_output/batch_%a.out
{{.Tool}} -c {{.OutPath}}/logs/config_${SLURM_ARRAY_TASK_ID}.json {{.OutPath}}
{{if .CleanupOwn}}rm -f {{.OutPath}}/logs/config_${SLURM_ARRAY_TASK_ID}.json{{else}}rm {{.OutPath}}/logs/config_*.json{{end}}
`))

type scriptData struct {
	JobName    string
	Time       string
	Memory     string
	Account    string
	LastIndex  int
	OutPath    string
	Tool       string
	CleanupOwn bool
}

// Render produces the job array script. Output depends only on p.
func Render(p ScriptParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}

	data := scriptData{
		JobName:    p.JobName,
		Time:       p.Plan.Time,
		Memory:     p.Plan.Memory,
		Account:    p.Account,
		LastIndex:  p.Plan.Jobs - 1,
		OutPath:    strings.TrimRight(p.OutPath, "/"),
		Tool:       p.Tool,
		CleanupOwn: p.Cleanup == CleanupOwn,
	}

	var b strings.Builder
	if err := scriptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render submission script: %w", err)
	}
	return b.String(), nil
}

func (p ScriptParams) validate() error {
	fields := []struct {
		name, value string
	}{
		{"job name", p.JobName},
		{"account", p.Account},
		{"output path", p.OutPath},
		{"tool", p.Tool},
		{"time", p.Plan.Time},
		{"memory", p.Plan.Memory},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidScript, f.name)
		}
		if strings.ContainsAny(f.value, "\n\r") {
			return fmt.Errorf("%w: %s contains a line break", ErrInvalidScript, f.name)
		}
	}
	// #SBATCH directives are not shell parsed, so they cannot quote.
	for _, f := range fields[:2] {
		if strings.ContainsAny(f.value, " \t") {
			return fmt.Errorf("%w: %s %q contains whitespace", ErrInvalidScript, f.name, f.value)
		}
	}
	if strings.ContainsAny(p.OutPath, " \t") {
		return fmt.Errorf("%w: output path %q contains whitespace", ErrInvalidScript, p.OutPath)
	}
	if p.Plan.Jobs < 1 {
		return fmt.Errorf("%w: job count %d is below 1", ErrInvalidScript, p.Plan.Jobs)
	}
	switch p.Cleanup {
	case "", CleanupAll, CleanupOwn:
	default:
		return fmt.Errorf("%w: unknown cleanup mode %q", ErrInvalidScript, p.Cleanup)
	}
	return nil
}
