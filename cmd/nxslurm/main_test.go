package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/nxslurm/internal/planner"
	"github.com/mattjoyce/nxslurm/internal/runner"
	"github.com/mattjoyce/nxslurm/internal/slurm"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func captureRunCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int {
		return runCLI(args)
	})
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

type cliFixture struct {
	dir        string
	settings   string
	outPath    string
	configPath string
}

const submittedScript = "#!/bin/sh\necho \"Submitted batch job 77\"\n"

// newCLIFixture builds a settings file pointing at a fake extraction tool
// and a fake sbatch, plus an extraction config listing n inputs.
func newCLIFixture(t *testing.T, n int, sbatchScript string) *cliFixture {
	t.Helper()

	dir := t.TempDir()
	tool := writeExecutable(t, dir, "nixtract-nifti", "#!/bin/sh\nexit 0\n")
	sbatch := filepath.Join(dir, "sbatch")
	if sbatchScript != "" {
		sbatch = writeExecutable(t, dir, "sbatch", sbatchScript)
	}

	settings := filepath.Join(dir, "settings.yaml")
	content := fmt.Sprintf("log_level: error\ntool:\n  command: %s\nscheduler:\n  binary: %s\n", tool, sbatch)
	if err := os.WriteFile(settings, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	inputs := make([]string, n)
	for i := range inputs {
		inputs[i] = filepath.Join(dir, "data", fmt.Sprintf("sub-%03d.nii.gz", i+1))
	}
	data, err := json.Marshal(map[string]any{"input_files": inputs, "roi_file": "atlas.nii.gz"})
	if err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "extract.json")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	return &cliFixture{
		dir:        dir,
		settings:   settings,
		outPath:    filepath.Join(dir, "out"),
		configPath: configPath,
	}
}

func writeExecutable(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *cliFixture) args(verb string, extra ...string) []string {
	args := []string{}
	if verb != "" {
		args = append(args, verb)
	}
	args = append(args,
		"--out_path", f.outPath,
		"--config_path", f.configPath,
		"--settings", f.settings,
	)
	return append(args, extra...)
}

func TestRunCLIWithoutArgs(t *testing.T) {
	code, stdout, _ := captureRunCLI(t)
	if code != exitConfig {
		t.Fatalf("exit code = %d, want %d", code, exitConfig)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("stdout missing usage: %q", stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureRunCLI(t, "launch")
	if code != exitConfig {
		t.Fatalf("exit code = %d, want %d", code, exitConfig)
	}
	if !strings.Contains(stderr, "Unknown command: launch") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-03-01T10:00:00+02:00")

	code, stdout, stderr := captureRunCLI(t, "version", "--json")
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	want := versionInfo{Version: "1.2.3", Commit: "0123456789ab", BuildTime: "2026-03-01T08:00:00Z"}
	if info != want {
		t.Fatalf("version = %+v, want %+v", info, want)
	}
}

func TestRunVersionRejectsArgs(t *testing.T) {
	code, _, _ := captureRunCLI(t, "version", "extra")
	if code != exitConfig {
		t.Fatalf("exit code = %d, want %d", code, exitConfig)
	}
}

func TestPlanJSONWritesNothing(t *testing.T) {
	f := newCLIFixture(t, 10, "")

	code, stdout, stderr := captureRunCLI(t, f.args("plan", "--format", "json")...)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}

	var res runner.Result
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if res.Plan.Jobs != 1 || res.Plan.Time != "0:08:20" || res.Plan.Memory != "1G" {
		t.Fatalf("plan = %+v, want 1 job, 0:08:20, 1G", res.Plan)
	}
	if _, err := os.Stat(f.outPath); !os.IsNotExist(err) {
		t.Fatalf("plan must not create %s", f.outPath)
	}
}

func TestPlanYAML(t *testing.T) {
	f := newCLIFixture(t, 2000, "")

	code, stdout, stderr := captureRunCLI(t, f.args("plan", "--format", "yaml", "--n_jobs", "20")...)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}

	var got struct {
		Plan       planner.Plan `yaml:"plan"`
		BatchSizes []int        `yaml:"batch_sizes"`
	}
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("invalid YAML: %v\n%s", err, stdout)
	}
	if got.Plan.Jobs != 20 {
		t.Fatalf("jobs = %d, want 20", got.Plan.Jobs)
	}
	if len(got.BatchSizes) != 20 || got.BatchSizes[0] != 100 {
		t.Fatalf("batch sizes = %v", got.BatchSizes)
	}
}

func TestPlanTextSummary(t *testing.T) {
	f := newCLIFixture(t, 3, "")

	code, stdout, stderr := captureRunCLI(t, f.args("plan")...)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	for _, want := range []string{"nxslurm plan", "plan only", "2021.1"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("summary missing %q:\n%s", want, stdout)
		}
	}
}

func TestPlanUnknownFormat(t *testing.T) {
	f := newCLIFixture(t, 1, "")

	code, _, stderr := captureRunCLI(t, f.args("plan", "--format", "toml")...)
	if code != exitConfig {
		t.Fatalf("exit code = %d, want %d", code, exitConfig)
	}
	if !strings.Contains(stderr, "Unknown format") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestSubmitDryRun(t *testing.T) {
	f := newCLIFixture(t, 4, "")

	code, stdout, stderr := captureRunCLI(t, f.args("submit", "--account", "def-lab", "--dry-run", "--n_jobs", "2")...)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "not submitted") {
		t.Errorf("summary should say artifacts were not submitted:\n%s", stdout)
	}

	for _, name := range []string{"submit.sh", "file_to_job.json", "config_0.json", "config_1.json", "manifest.yaml"} {
		if _, err := os.Stat(filepath.Join(f.outPath, "logs", name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}
}

func TestSubmitRunsSbatch(t *testing.T) {
	f := newCLIFixture(t, 3, submittedScript)

	code, stdout, stderr := captureRunCLI(t, f.args("submit", "--account", "def-lab", "--json")...)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}

	var res runner.Result
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if !res.Submitted || res.Submission.JobID != "77" {
		t.Fatalf("submission = %+v, want job 77", res.Submission)
	}
}

func TestSubmitRelaysSbatchExitCode(t *testing.T) {
	f := newCLIFixture(t, 3, "#!/bin/sh\necho 'sbatch: error: Invalid account' >&2\nexit 7\n")

	code, _, stderr := captureRunCLI(t, f.args("submit", "--account", "nope")...)
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
	if !strings.Contains(stderr, "Invalid account") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestSubmitWithoutScheduler(t *testing.T) {
	f := newCLIFixture(t, 3, "")

	code, _, _ := captureRunCLI(t, f.args("submit", "--account", "def-lab")...)
	if code != exitScheduler {
		t.Fatalf("exit code = %d, want %d", code, exitScheduler)
	}
	if _, err := os.Stat(f.outPath); !os.IsNotExist(err) {
		t.Fatal("nothing should be written when sbatch is missing")
	}
}

func TestSubmitMismatchedRegressors(t *testing.T) {
	f := newCLIFixture(t, 0, submittedScript)
	data := `{"input_files": ["a.nii.gz", "b.nii.gz"], "regressor_files": ["a_conf.tsv"]}`
	if err := os.WriteFile(f.configPath, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureRunCLI(t, f.args("submit", "--account", "def-lab")...)
	if code != exitConfig {
		t.Fatalf("exit code = %d, want %d", code, exitConfig)
	}
	if !strings.Contains(stderr, "regressor files") {
		t.Fatalf("stderr = %q", stderr)
	}
	if _, err := os.Stat(f.outPath); !os.IsNotExist(err) {
		t.Fatal("no artifact may be written on a configuration error")
	}
}

func TestSubmitToolMissing(t *testing.T) {
	f := newCLIFixture(t, 1, submittedScript)
	if err := os.Remove(filepath.Join(f.dir, "nixtract-nifti")); err != nil {
		t.Fatal(err)
	}

	code, _, _ := captureRunCLI(t, f.args("submit", "--account", "def-lab")...)
	if code != exitTool {
		t.Fatalf("exit code = %d, want %d", code, exitTool)
	}
}

func TestLegacyFlagsOnlyInvocation(t *testing.T) {
	f := newCLIFixture(t, 2, submittedScript)

	code, stdout, stderr := captureRunCLI(t, f.args("", "--account", "def-lab", "--time", "1:00:00", "--mem", "2G")...)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "submitted as job 77") {
		t.Fatalf("stdout = %q", stdout)
	}

	script, err := os.ReadFile(filepath.Join(f.outPath, "logs", "submit.sh"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"#SBATCH --time=1:00:00", "#SBATCH --mem=2G", "#SBATCH --account=def-lab"} {
		if !strings.Contains(string(script), want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestInspectAfterDryRun(t *testing.T) {
	f := newCLIFixture(t, 4, "")

	code, _, stderr := captureRunCLI(t, f.args("submit", "--account", "def-lab", "--dry-run")...)
	if code != exitOK {
		t.Fatalf("submit exit code = %d, stderr = %s", code, stderr)
	}

	code, stdout, stderr := captureRunCLI(t, "inspect", "latest", "--out_path", f.outPath, "--settings", f.settings, "--json")
	if code != exitOK {
		t.Fatalf("inspect exit code = %d, stderr = %s", code, stderr)
	}

	var report struct {
		Run struct {
			Status string `json:"status"`
		} `json:"run"`
		Current bool `json:"current"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if report.Run.Status != "planned" || !report.Current {
		t.Fatalf("report = %+v", report)
	}
}

func TestInspectListRuns(t *testing.T) {
	f := newCLIFixture(t, 2, "")

	for i := 0; i < 2; i++ {
		code, _, stderr := captureRunCLI(t, f.args("submit", "--account", "def-lab", "--dry-run")...)
		if code != exitOK {
			t.Fatalf("submit exit code = %d, stderr = %s", code, stderr)
		}
	}

	code, stdout, stderr := captureRunCLI(t, "inspect", "--list", "--out_path", f.outPath, "--settings", f.settings)
	if code != exitOK {
		t.Fatalf("inspect exit code = %d, stderr = %s", code, stderr)
	}
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "RUN ID") {
		t.Fatalf("want header + 2 runs, got:\n%s", stdout)
	}

	code, stdout, stderr = captureRunCLI(t, "inspect", "--list", "--limit", "1", "--json", "--out_path", f.outPath, "--settings", f.settings)
	if code != exitOK {
		t.Fatalf("inspect exit code = %d, stderr = %s", code, stderr)
	}
	var runs []map[string]any
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
}

func TestRejectsUnknownLogLevel(t *testing.T) {
	f := newCLIFixture(t, 2, "")

	code, stdout, stderr := captureRunCLI(t, f.args("plan", "--log-level", "bogus")...)
	if code != exitConfig {
		t.Fatalf("exit code = %d, want %d", code, exitConfig)
	}
	if stdout != "" {
		t.Fatalf("nothing should be planned, stdout = %q", stdout)
	}
	if !strings.Contains(stderr, "--log-level") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestInspectWithoutHistory(t *testing.T) {
	code, _, stderr := captureRunCLI(t, "inspect", "--out_path", t.TempDir())
	if code != exitFilesystem {
		t.Fatalf("exit code = %d, want %d", code, exitFilesystem)
	}
	if !strings.Contains(stderr, "No run history") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestDoctorReportsMissingTool(t *testing.T) {
	f := newCLIFixture(t, 0, "")
	if err := os.Remove(filepath.Join(f.dir, "nixtract-nifti")); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureRunCLI(t, "doctor", "--settings", f.settings)
	if code != exitTool {
		t.Fatalf("exit code = %d, want %d", code, exitTool)
	}
	if !strings.Contains(stdout, "Configuration invalid") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"config", fmt.Errorf("%w: bad", runner.ErrConfig), exitConfig},
		{"filesystem", fmt.Errorf("%w: disk", runner.ErrFilesystem), exitFilesystem},
		{"tool", fmt.Errorf("%w: gone", runner.ErrToolMissing), exitTool},
		{"scheduler", fmt.Errorf("%w: %w", runner.ErrSubmit, slurm.ErrSchedulerUnavailable), exitScheduler},
		{"sbatch status", fmt.Errorf("%w: %w", runner.ErrSubmit, &slurm.SubmitError{ExitCode: 5}), 5},
		{"unknown", errors.New("boom"), exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Fatalf("exitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
