package inspect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/nxslurm/internal/config"
	"github.com/mattjoyce/nxslurm/internal/history"
	"github.com/mattjoyce/nxslurm/internal/planner"
	"github.com/mattjoyce/nxslurm/internal/storage"
	"github.com/mattjoyce/nxslurm/internal/workspace"
)

type fixture struct {
	src Source
	run *history.Run
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	tmpDir := t.TempDir()
	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := history.NewStore(db)

	layout, err := workspace.NewFSLayout(filepath.Join(tmpDir, "out"))
	if err != nil {
		t.Fatalf("NewFSLayout: %v", err)
	}
	if err := layout.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	work := [][]string{{"/data/sub-1.nii.gz", "/data/sub-2.nii.gz"}, {"/data/sub-3.nii.gz"}}
	logPath, err := layout.WriteBatchLog(work)
	if err != nil {
		t.Fatalf("WriteBatchLog: %v", err)
	}
	var configs []string
	for i, items := range work {
		p, err := layout.WriteBatchConfig(i, map[string]any{"input_files": items})
		if err != nil {
			t.Fatalf("WriteBatchConfig: %v", err)
		}
		configs = append(configs, p)
	}

	run := &history.Run{
		OutPath:    layout.Root(),
		ConfigPath: "/home/u/extract.json",
		Account:    "def-lab",
		ItemsFound: 3,
		ItemsTodo:  3,
		Plan:       planner.DefaultPolicy().Plan(3, planner.Overrides{Jobs: 2}),
		Batches:    history.NewBatches(work, configs),
	}
	if err := store.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if _, err := config.WriteManifest(layout.LogsDir(), run.ID, append(configs, logPath)); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	// sub-1 finished.
	if err := os.WriteFile(filepath.Join(layout.Root(), "sub-1_timeseries.tsv"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	return fixture{
		src: Source{Store: store, Layout: layout, Suffixes: planner.DefaultSuffixes},
		run: run,
	}
}

func TestBuildReportRendersBatchesAndArtifacts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// batch 0 config consumed by SLURM
	if err := os.Remove(f.src.Layout.ConfigPath(0)); err != nil {
		t.Fatal(err)
	}

	out, err := BuildReport(context.Background(), f.src, f.run.ID)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Run ID      : " + f.run.ID,
		"Status      : planned",
		"Inputs      : 3 found, 0 completed, 3 planned (0 regressors)",
		"Plan        : 2 job(s)",
		"[0] 2 item(s), 1 done",
		"[1] 1 item(s), 0 done",
		"first  : /data/sub-1.nii.gz",
		"config_0.json",
		"missing",
		"file_to_job.json",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildReportForOverwrittenRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	older := &history.Run{OutPath: f.run.OutPath, ConfigPath: "c.json", Account: "a", Plan: f.run.Plan}
	if err := f.src.Store.RecordRun(context.Background(), older); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	out, err := BuildReport(context.Background(), f.src, older.ID)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "<overwritten by a later run>") {
		t.Fatalf("expected overwritten marker:\n%s", out)
	}
	if strings.Contains(out, "done") {
		t.Fatalf("progress should not be reported for an overwritten run:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := BuildJSONReport(context.Background(), f.src, history.Latest)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Run.ID != f.run.ID {
		t.Fatalf("run id = %q, want %q", report.Run.ID, f.run.ID)
	}
	if !report.Current {
		t.Fatal("expected current artifacts")
	}
	if len(report.Artifacts) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(report.Artifacts))
	}
	for _, a := range report.Artifacts {
		if a.State != config.ArtifactOK {
			t.Fatalf("%s: state %s, want ok", a.Name, a.State)
		}
	}
	if len(report.Progress) != 2 || report.Progress[0].Done != 1 || report.Progress[1].Done != 0 {
		t.Fatalf("unexpected progress: %+v", report.Progress)
	}
}

func TestBuildReportRequiresRunID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := BuildReport(context.Background(), f.src, " "); err == nil {
		t.Fatal("expected error for empty run id")
	}
	if _, err := BuildReport(context.Background(), f.src, "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown run id")
	}
}

func TestReadBatchLogRejectsSparseKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "file_to_job.json")
	if err := os.WriteFile(path, []byte(`{"0":["a"],"2":["b"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readBatchLog(path); err == nil {
		t.Fatal("expected error for sparse batch log")
	}
}

func TestBuildRunListNewestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	newer := &history.Run{OutPath: f.run.OutPath, ConfigPath: "c.json", Account: "a", Plan: f.run.Plan}
	if err := f.src.Store.RecordRun(ctx, newer); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := f.src.Store.MarkSubmitted(ctx, newer.ID, "4242"); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}

	out, err := BuildRunList(ctx, f.src.Store, 10)
	if err != nil {
		t.Fatalf("BuildRunList: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 runs:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], newer.ID) || !strings.Contains(lines[1], "4242") {
		t.Fatalf("newest run should come first with its SLURM job id:\n%s", out)
	}
	if !strings.HasPrefix(lines[2], f.run.ID) || !strings.Contains(lines[2], "planned") {
		t.Fatalf("older run should come second:\n%s", out)
	}

	out, err = BuildRunList(ctx, f.src.Store, 1)
	if err != nil {
		t.Fatalf("BuildRunList: %v", err)
	}
	if strings.Contains(out, f.run.ID) {
		t.Fatalf("limit 1 should only list the newest run:\n%s", out)
	}
}

func TestBuildJSONRunList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := BuildJSONRunList(context.Background(), f.src.Store, 0)
	if err != nil {
		t.Fatalf("BuildJSONRunList: %v", err)
	}

	var runs []history.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].ID != f.run.ID {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestBuildRunListEmpty(t *testing.T) {
	t.Parallel()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	out, err := BuildRunList(context.Background(), history.NewStore(db), 5)
	if err != nil {
		t.Fatalf("BuildRunList: %v", err)
	}
	if out != "No runs recorded.\n" {
		t.Fatalf("out = %q", out)
	}
}
