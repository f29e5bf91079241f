package planner

import (
	"context"
	"fmt"
)

// Batches holds the input and regressor chunks for each job. Work[i] and
// Aux[i] always belong to the same job; Aux[i] is empty when the run has no
// regressors.
type Batches struct {
	Work [][]string
	Aux  [][]string
}

// Len returns the number of batches.
func (b Batches) Len() int { return len(b.Work) }

// NewBatches splits the todo lists into jobs chunks in lockstep.
func NewBatches(jobs int, work, aux []string) (Batches, error) {
	if err := CheckPairing(work, aux); err != nil {
		return Batches{}, err
	}
	return Batches{
		Work: Split(jobs, work),
		Aux:  Split(jobs, aux),
	}, nil
}

// Params is the user supplied parameter record that every batch config is
// derived from.
type Params interface {
	// ForBatch returns a copy of the record with its input and regressor
	// lists replaced.
	ForBatch(inputs, regressors []string) any
}

// ArtifactWriter persists assembler output.
type ArtifactWriter interface {
	WriteBatchLog(batches [][]string) (string, error)
	WriteBatchConfig(index int, cfg any) (string, error)
}

// Assemble writes the batch-to-inputs audit log followed by one config per
// batch index. It returns the config paths in index order.
func Assemble(ctx context.Context, b Batches, base Params, w ArtifactWriter) ([]string, error) {
	if len(b.Work) != len(b.Aux) {
		return nil, fmt.Errorf("batch count mismatch: %d input batches, %d regressor batches", len(b.Work), len(b.Aux))
	}

	if _, err := w.WriteBatchLog(b.Work); err != nil {
		return nil, fmt.Errorf("write batch log: %w", err)
	}

	paths := make([]string, 0, b.Len())
	for i := range b.Work {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		path, err := w.WriteBatchConfig(i, base.ForBatch(b.Work[i], b.Aux[i]))
		if err != nil {
			return paths, fmt.Errorf("write config for batch %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
