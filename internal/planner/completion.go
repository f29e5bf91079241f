package planner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Suffixes maps an output file name back to the input it was produced from:
// "sub-01_timeseries.tsv" -> "sub-01.nii.gz".
type Suffixes struct {
	Output string
	Input  string
}

// DefaultSuffixes matches nixtract-nifti output.
var DefaultSuffixes = Suffixes{Output: "_timeseries.tsv", Input: ".nii.gz"}

// InputName returns the input basename for an output file name. Only the
// trailing output suffix is replaced.
func (s Suffixes) InputName(output string) string {
	return strings.TrimSuffix(filepath.Base(output), s.Output) + s.Input
}

// Completed is the set of input basenames whose output already exists.
type Completed map[string]struct{}

// Contains reports whether work item path has been processed. Comparison is by
// basename; directory components are ignored.
func (c Completed) Contains(path string) bool {
	_, ok := c[filepath.Base(path)]
	return ok
}

// NewCompleted builds a Completed set from output file names.
func NewCompleted(s Suffixes, outputs ...string) Completed {
	c := make(Completed, len(outputs))
	for _, name := range outputs {
		c[s.InputName(name)] = struct{}{}
	}
	return c
}

// ListCompleted reads dir once and collects every regular file ending in the
// output suffix. A missing directory means nothing has been completed.
//
// Outputs written to dir after the listing are not seen; callers plan against
// a snapshot.
func ListCompleted(dir string, s Suffixes) (Completed, error) {
	if s.Output == "" {
		return nil, fmt.Errorf("output suffix is empty")
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return Completed{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list output directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), s.Output) {
			continue
		}
		names = append(names, entry.Name())
	}
	return NewCompleted(s, names...), nil
}

// Todo drops completed items from work. When aux is non-empty it is filtered
// in lockstep so aux[i] keeps describing work[i]. Surviving items keep their
// relative order. The returned aux slice is never nil.
func Todo(work, aux []string, done Completed) ([]string, []string, error) {
	if err := CheckPairing(work, aux); err != nil {
		return nil, nil, err
	}

	todoWork := make([]string, 0, len(work))
	todoAux := make([]string, 0, len(aux))
	for i, item := range work {
		if done.Contains(item) {
			continue
		}
		todoWork = append(todoWork, item)
		if len(aux) != 0 {
			todoAux = append(todoAux, aux[i])
		}
	}
	return todoWork, todoAux, nil
}
