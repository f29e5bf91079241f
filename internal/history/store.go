// Package history keeps an append-only record of planning runs. Planning never
// reads it back; it exists for inspect and for auditing what was submitted.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/nxslurm/internal/planner"
)

// Run statuses.
const (
	StatusPlanned   = "planned"
	StatusSubmitted = "submitted"
	StatusFailed    = "failed"
)

// Latest selects the most recent run in Get.
const Latest = "latest"

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrNotFound means no run matched the requested id.
	ErrNotFound = errors.New("run not found")

	// ErrAmbiguous means an id prefix matched more than one run.
	ErrAmbiguous = errors.New("run id prefix is ambiguous")
)

// Run is one invocation of the planner against an output directory.
type Run struct {
	ID             string       `json:"id"`
	CreatedAt      time.Time    `json:"created_at"`
	OutPath        string       `json:"out_path"`
	ConfigPath     string       `json:"config_path"`
	Account        string       `json:"account"`
	ItemsFound     int          `json:"items_found"`
	ItemsCompleted int          `json:"items_completed"`
	ItemsTodo      int          `json:"items_todo"`
	Regressors     int          `json:"regressors"`
	Plan           planner.Plan `json:"plan"`
	ScriptPath     string       `json:"script_path,omitempty"`
	Status         string       `json:"status"`
	SchedulerJobID string       `json:"scheduler_job_id,omitempty"`
	SubmittedAt    *time.Time   `json:"submitted_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	Batches        []Batch      `json:"batches,omitempty"`
}

// Batch summarizes one array task of a run.
type Batch struct {
	Index      int    `json:"index"`
	Items      int    `json:"items"`
	FirstItem  string `json:"first_item,omitempty"`
	LastItem   string `json:"last_item,omitempty"`
	ConfigPath string `json:"config_path"`
}

// NewBatches summarizes batches alongside their config paths.
func NewBatches(work [][]string, configPaths []string) []Batch {
	out := make([]Batch, 0, len(work))
	for i, items := range work {
		b := Batch{Index: i, Items: len(items)}
		if len(items) > 0 {
			b.FirstItem = items[0]
			b.LastItem = items[len(items)-1]
		}
		if i < len(configPaths) {
			b.ConfigPath = configPaths[i]
		}
		out = append(out, b)
	}
	return out
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Store persists runs in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// RecordRun inserts run and its batches. Missing ID, CreatedAt and Status
// are filled in on run.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	if run.Status == "" {
		run.Status = StatusPlanned
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(id, created_at, out_path, config_path, account, items_found, items_completed, items_todo,
                 regressors, jobs, items_per_job, walltime, mem, policy_version, script_path, status)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		run.ID,
		run.CreatedAt.UTC().Format(timeLayout),
		run.OutPath,
		run.ConfigPath,
		run.Account,
		run.ItemsFound,
		run.ItemsCompleted,
		run.ItemsTodo,
		run.Regressors,
		run.Plan.Jobs,
		run.Plan.ItemsPerJob,
		run.Plan.Time,
		run.Plan.Memory,
		run.Plan.PolicyVersion,
		nullString(run.ScriptPath),
		run.Status,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, b := range run.Batches {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO batches(run_id, batch_index, items, first_item, last_item, config_path)
VALUES(?, ?, ?, ?, ?, ?);`,
			run.ID, b.Index, b.Items, nullString(b.FirstItem), nullString(b.LastItem), b.ConfigPath,
		); err != nil {
			return fmt.Errorf("insert batch %d: %w", b.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkSubmitted records the scheduler's job id for a run.
func (s *Store) MarkSubmitted(ctx context.Context, id, schedulerJobID string) error {
	return s.setStatus(ctx, id, StatusSubmitted, schedulerJobID, "")
}

// MarkFailed records a failed submission.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.setStatus(ctx, id, StatusFailed, "", msg)
}

func (s *Store) setStatus(ctx context.Context, id, status, jobID, lastError string) error {
	var submittedAt any
	if status == StatusSubmitted {
		submittedAt = s.now().UTC().Format(timeLayout)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, scheduler_job_id = COALESCE(?, scheduler_job_id),
                submitted_at = COALESCE(?, submitted_at), last_error = ?
WHERE id = ?;`,
		status, nullString(jobID), submittedAt, nullString(lastError), id,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get loads a run and its batches. id may be a full id, a unique prefix, or
// Latest.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	fullID, err := s.resolveID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, created_at, out_path, config_path, account, items_found, items_completed, items_todo, regressors,
       jobs, items_per_job, walltime, mem, policy_version, script_path, status, scheduler_job_id,
       submitted_at, last_error
FROM runs WHERE id = ?;`, fullID)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT batch_index, items, first_item, last_item, config_path
FROM batches WHERE run_id = ? ORDER BY batch_index;`, fullID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b           Batch
			first, last sql.NullString
		)
		if err := rows.Scan(&b.Index, &b.Items, &first, &last, &b.ConfigPath); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.FirstItem, b.LastItem = first.String, last.String
		run.Batches = append(run.Batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return run, nil
}

// List returns the most recent runs, newest first, without batches.
func (s *Store) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, created_at, out_path, config_path, account, items_found, items_completed, items_todo, regressors,
       jobs, items_per_job, walltime, mem, policy_version, script_path, status, scheduler_job_id,
       submitted_at, last_error
FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) resolveID(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("run id is empty")
	}

	if id == Latest {
		var fullID string
		err := s.db.QueryRowContext(ctx, "SELECT id FROM runs ORDER BY created_at DESC LIMIT 1;").Scan(&fullID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: no runs recorded", ErrNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("query latest run: %w", err)
		}
		return fullID, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM runs WHERE id = ? OR id LIKE ? ESCAPE '\\' LIMIT 2;", id, escapeLike(id)+"%")
	if err != nil {
		return "", fmt.Errorf("query run id: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", fmt.Errorf("scan run id: %w", err)
		}
		if m == id {
			return m, nil
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate run ids: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguous, id)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                                   Run
		createdAt                             string
		scriptPath, jobID, submitted, lastErr sql.NullString
	)
	err := row.Scan(
		&run.ID, &createdAt, &run.OutPath, &run.ConfigPath, &run.Account,
		&run.ItemsFound, &run.ItemsCompleted, &run.ItemsTodo, &run.Regressors,
		&run.Plan.Jobs, &run.Plan.ItemsPerJob, &run.Plan.Time, &run.Plan.Memory, &run.Plan.PolicyVersion,
		&scriptPath, &run.Status, &jobID, &submitted, &lastErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Plan.Items = run.ItemsTodo
	if d, err := planner.ParseWalltime(run.Plan.Time); err == nil {
		run.Plan.Walltime = d
	}
	if run.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if submitted.Valid {
		ts, err := time.Parse(timeLayout, submitted.String)
		if err != nil {
			return nil, fmt.Errorf("parse submitted_at %q: %w", submitted.String, err)
		}
		run.SubmittedAt = &ts
	}
	run.ScriptPath = scriptPath.String
	run.SchedulerJobID = jobID.String
	run.LastError = lastErr.String
	return &run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
