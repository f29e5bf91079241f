package runner

import "errors"

// Error classes a run can fail with. The CLI maps each to an exit status.
var (
	ErrConfig      = errors.New("configuration error")
	ErrFilesystem  = errors.New("filesystem error")
	ErrToolMissing = errors.New("extraction tool not found")
	ErrSubmit      = errors.New("submission failed")
)
