package planner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidWalltime is returned by ParseWalltime for malformed or
// non-positive time budgets.
var ErrInvalidWalltime = errors.New("invalid walltime")

// Overrides pins any of the three plan values. Zero values are derived.
type Overrides struct {
	Walltime time.Duration
	Memory   string
	Jobs     int
}

// Plan is the resource request handed to the scheduler.
type Plan struct {
	Items         int           `json:"items" yaml:"items"`
	Jobs          int           `json:"jobs" yaml:"jobs"`
	ItemsPerJob   int           `json:"items_per_job" yaml:"items_per_job"`
	Walltime      time.Duration `json:"-" yaml:"-"`
	Time          string        `json:"time" yaml:"time"`
	Memory        string        `json:"mem" yaml:"mem"`
	PolicyVersion string        `json:"policy_version" yaml:"policy_version"`
}

// Plan sizes a workload of n items. Overridden values are returned as given;
// the rest adapt to them:
//
//   - nothing pinned: the tier budget fixes items per job, jobs = n/budget
//   - time pinned: jobs = padded total work / time
//   - jobs pinned: items per job = n/jobs, time from that budget
//   - both pinned: no derivation
//
// Jobs is never below 1, including n == 0.
func (p Policy) Plan(n int, o Overrides) Plan {
	if n < 0 {
		n = 0
	}

	plan := Plan{
		Items:         n,
		Jobs:          o.Jobs,
		Walltime:      o.Walltime,
		Memory:        o.Memory,
		PolicyVersion: p.Version,
	}
	if plan.Memory == "" {
		plan.Memory = p.DefaultMemory
	}

	switch {
	case o.Walltime <= 0 && o.Jobs <= 0:
		plan.ItemsPerJob = p.ItemsPerJob(n)
		plan.Jobs = n / plan.ItemsPerJob
		plan.Walltime = p.Walltime(plan.ItemsPerJob)
	case o.Jobs <= 0:
		plan.Jobs = int(time.Duration(n) * p.throughput() / o.Walltime)
		plan.ItemsPerJob = n / max(plan.Jobs, 1)
	case o.Walltime <= 0:
		// Walltime is sized for n/jobs items. The last batch also takes the
		// remainder, so when n%jobs is large it can exceed this budget.
		plan.ItemsPerJob = max(n/o.Jobs, 1)
		plan.Walltime = p.Walltime(plan.ItemsPerJob)
	default:
		plan.ItemsPerJob = n / o.Jobs
	}

	plan.Jobs = max(plan.Jobs, 1)
	plan.Time = FormatWalltime(plan.Walltime)
	return plan
}

// ParseWalltime parses a SLURM style "[D-]H:MM:SS" time budget.
func ParseWalltime(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidWalltime)
	}

	var days int
	if d, rest, ok := strings.Cut(raw, "-"); ok {
		v, err := strconv.Atoi(d)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w %q: days must be a non-negative integer", ErrInvalidWalltime, s)
		}
		days = v
		raw = rest
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w %q: must be formatted hours:minutes:seconds", ErrInvalidWalltime, s)
	}

	var fields [3]int
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w %q: %q is not a non-negative integer", ErrInvalidWalltime, s, part)
		}
		fields[i] = v
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second
	if d <= 0 {
		return 0, fmt.Errorf("%w %q: must be positive", ErrInvalidWalltime, s)
	}
	return d, nil
}

// FormatWalltime renders d as "H:MM:SS", or "D-HH:MM:SS" from one day up.
// Sub-second precision is truncated.
func FormatWalltime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	h := (total % 86400) / 3600
	m := (total % 3600) / 60
	sec := total % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, h, m, sec)
	}
	return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
}
