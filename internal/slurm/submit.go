package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattjoyce/nxslurm/internal/slurm Submitter

const (
	// maxStderrBytes caps the amount of stderr captured from sbatch.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultSubmitTimeout = 60 * time.Second
)

// ErrSchedulerUnavailable means the submission binary could not be found or
// started.
var ErrSchedulerUnavailable = errors.New("scheduler unavailable")

var jobIDPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// Submission is the scheduler's answer to a successful submit.
type Submission struct {
	JobID  string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// SubmitError reports a submission command that ran and failed. ExitCode is
// the command's own status.
type SubmitError struct {
	ExitCode int
	Stderr   string
}

func (e *SubmitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("sbatch exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("sbatch exited with status %d: %s", e.ExitCode, msg)
}

// Submitter hands a rendered script to the scheduler.
type Submitter interface {
	Submit(ctx context.Context, scriptPath string) (Submission, error)
}

// SbatchSubmitter runs `sbatch <script>` once. Nothing is retried.
type SbatchSubmitter struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ Submitter = (*SbatchSubmitter)(nil)

// NewSbatchSubmitter creates a submitter for binary ("sbatch" when empty).
func NewSbatchSubmitter(binary string, timeout time.Duration, logger *slog.Logger) *SbatchSubmitter {
	if binary == "" {
		binary = "sbatch"
	}
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SbatchSubmitter{Binary: binary, Timeout: timeout, Logger: logger}
}

// Available resolves the submission binary on PATH.
func (s *SbatchSubmitter) Available() (string, error) {
	path, err := exec.LookPath(s.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", ErrSchedulerUnavailable, s.Binary, err)
	}
	return path, nil
}

// Submit runs the scheduler binary on scriptPath and waits for it. A timeout
// sends SIGTERM, then SIGKILL after a grace period.
func (s *SbatchSubmitter) Submit(ctx context.Context, scriptPath string) (Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Binary, scriptPath)
	cmd.Cancel = func() error {
		s.Logger.Warn("sbatch timed out, sending SIGTERM", "timeout", s.Timeout)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGracePeriod

	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	s.Logger.Debug("running sbatch", "binary", s.Binary, "script", scriptPath)

	err := cmd.Run()
	stderrStr := stderr.String()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Submission{}, fmt.Errorf("sbatch %s: %w", scriptPath, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Submission{}, &SubmitError{ExitCode: exitErr.ExitCode(), Stderr: stderrStr}
		}
		return Submission{}, fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}

	out := strings.TrimSpace(stdout.String())
	sub := Submission{Output: out}
	if id, ok := ParseJobID(out); ok {
		sub.JobID = id
	} else {
		s.Logger.Warn("sbatch output did not contain a job id", "stdout", out)
	}
	if stderrStr != "" {
		s.Logger.Debug("sbatch stderr", "stderr", stderrStr)
	}
	return sub, nil
}

// ParseJobID extracts the job id from "Submitted batch job <id>". Clusters
// running sbatch --parsable print the bare id, which is accepted too.
func ParseJobID(stdout string) (string, bool) {
	if m := jobIDPattern.FindStringSubmatch(stdout); m != nil {
		return m[1], true
	}
	fields := strings.Fields(stdout)
	if len(fields) == 1 {
		id, _, _ := strings.Cut(fields[0], ";")
		if id != "" && strings.Trim(id, "0123456789") == "" {
			return id, true
		}
	}
	return "", false
}

// cappedBuffer keeps the first max bytes written to it and discards the
// rest. Writes never fail, so the child is not killed by a broken pipe.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
