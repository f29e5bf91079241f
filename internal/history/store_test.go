package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/nxslurm/internal/planner"
	"github.com/mattjoyce/nxslurm/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func sampleRun() *Run {
	work := [][]string{{"sub-1.nii.gz", "sub-2.nii.gz"}, {"sub-3.nii.gz"}}
	return &Run{
		OutPath:        "/scratch/out",
		ConfigPath:     "/home/u/extract.json",
		Account:        "def-lab",
		ItemsFound:     5,
		ItemsCompleted: 2,
		ItemsTodo:      3,
		Plan:           planner.DefaultPolicy().Plan(3, planner.Overrides{Jobs: 2}),
		ScriptPath:     "/scratch/out/logs/submit.sh",
		Batches:        NewBatches(work, []string{"/scratch/out/logs/config_0.json", "/scratch/out/logs/config_1.json"}),
	}
}

func TestRecordRunAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	run := sampleRun()
	require.NoError(t, s.RecordRun(context.Background(), run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StatusPlanned, run.Status)

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "def-lab", got.Account)
	assert.Equal(t, 3, got.ItemsTodo)
	assert.Equal(t, 2, got.Plan.Jobs)
	assert.Equal(t, run.Plan.Time, got.Plan.Time)
	assert.Equal(t, run.Plan.Walltime, got.Plan.Walltime)
	assert.Equal(t, "2021.1", got.Plan.PolicyVersion)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Microsecond)
	assert.Nil(t, got.SubmittedAt)

	require.Len(t, got.Batches, 2)
	assert.Equal(t, Batch{Index: 0, Items: 2, FirstItem: "sub-1.nii.gz", LastItem: "sub-2.nii.gz", ConfigPath: "/scratch/out/logs/config_0.json"}, got.Batches[0])
	assert.Equal(t, 1, got.Batches[1].Items)
}

func TestGetByPrefixAndLatest(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := sampleRun()
	first.ID = "aaaa-1111"
	first.CreatedAt = base
	second := sampleRun()
	second.ID = "aaab-2222"
	second.CreatedAt = base.Add(time.Minute)
	require.NoError(t, s.RecordRun(context.Background(), first))
	require.NoError(t, s.RecordRun(context.Background(), second))

	got, err := s.Get(context.Background(), "aaaa")
	require.NoError(t, err)
	assert.Equal(t, "aaaa-1111", got.ID)

	_, err = s.Get(context.Background(), "aaa")
	assert.ErrorIs(t, err, ErrAmbiguous)

	got, err = s.Get(context.Background(), Latest)
	require.NoError(t, err)
	assert.Equal(t, "aaab-2222", got.ID)

	_, err = s.Get(context.Background(), "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), "a_a%")
	assert.ErrorIs(t, err, ErrNotFound)

	runs, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "aaab-2222", runs[0].ID)
}

func TestLatestWithoutRuns(t *testing.T) {
	t.Parallel()

	_, err := newTestStore(t).Get(context.Background(), Latest)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkSubmittedAndFailed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	submittedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return submittedAt }

	run := sampleRun()
	require.NoError(t, s.RecordRun(context.Background(), run))
	require.NoError(t, s.MarkSubmitted(context.Background(), run.ID, "4242"))

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.Equal(t, "4242", got.SchedulerJobID)
	require.NotNil(t, got.SubmittedAt)
	assert.True(t, got.SubmittedAt.Equal(submittedAt))

	other := sampleRun()
	require.NoError(t, s.RecordRun(context.Background(), other))
	require.NoError(t, s.MarkFailed(context.Background(), other.ID, errors.New("sbatch exited with status 1")))

	got, err = s.Get(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "sbatch exited with status 1", got.LastError)
	assert.Empty(t, got.SchedulerJobID)

	assert.ErrorIs(t, s.MarkSubmitted(context.Background(), "missing", "1"), ErrNotFound)
}

func TestRecordRunRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	run := sampleRun()
	run.ID = "fixed"
	require.NoError(t, s.RecordRun(context.Background(), run))

	dup := sampleRun()
	dup.ID = "fixed"
	assert.Error(t, s.RecordRun(context.Background(), dup))
}

func TestNewBatches(t *testing.T) {
	t.Parallel()

	got := NewBatches([][]string{{}, {"a", "b", "c"}}, []string{"c0", "c1"})
	assert.Equal(t, []Batch{
		{Index: 0, Items: 0, ConfigPath: "c0"},
		{Index: 1, Items: 3, FirstItem: "a", LastItem: "c", ConfigPath: "c1"},
	}, got)
}

func TestNewRunIDIsUnique(t *testing.T) {
	t.Parallel()

	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
