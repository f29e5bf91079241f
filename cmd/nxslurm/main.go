package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/nxslurm/internal/config"
	"github.com/mattjoyce/nxslurm/internal/doctor"
	"github.com/mattjoyce/nxslurm/internal/history"
	"github.com/mattjoyce/nxslurm/internal/inspect"
	"github.com/mattjoyce/nxslurm/internal/log"
	"github.com/mattjoyce/nxslurm/internal/runner"
	"github.com/mattjoyce/nxslurm/internal/slurm"
	"github.com/mattjoyce/nxslurm/internal/storage"
	"github.com/mattjoyce/nxslurm/internal/tui"
	"github.com/mattjoyce/nxslurm/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit statuses. A failed sbatch run exits with sbatch's own status.
const (
	exitOK         = 0
	exitConfig     = 1
	exitFilesystem = 2
	exitTool       = 3
	exitScheduler  = 4
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitConfig
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "submit":
		return runSubmit(args)
	case "plan":
		return runPlan(args)
	case "doctor":
		return runDoctor(args)
	case "inspect":
		return runInspect(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	}

	// Legacy invocation: flags only, no verb.
	if strings.HasPrefix(cmd, "-") {
		return runSubmit(cliArgs)
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
	printUsage()
	return exitConfig
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitConfig
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: nxslurm version [--json]")
		return exitConfig
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitConfig
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("nxslurm %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`nxslurm - Plan and submit per-subject extraction as a SLURM job array

Usage:
  nxslurm <command> [flags]

Commands:
  submit     Plan, write batch configs and submit.sh, then run sbatch
  plan       Show the plan without writing or submitting anything
  doctor     Validate settings and check for the extraction tool and sbatch
  inspect    Show a recorded run and its artifacts, or --list recent runs
  version    Show version information
  help       Show this help message

Submit flags:
  --out_path PATH       Output directory of the extraction tool (required)
  --config_path PATH    Extraction config JSON (required)
  --account NAME        SLURM account to charge (required)
  --time H:MM:SS        Walltime per job
  --mem SIZE            Memory per job, e.g. 4G
  --n_jobs N            Number of array jobs
  --rerun_completed     Process inputs whose outputs already exist
  --dry-run             Write all artifacts but do not call sbatch
  --settings FILE       Settings YAML (default: $NXSLURM_SETTINGS, ~/.config/nxslurm/settings.yaml)
  --log-level LEVEL     debug, info, warn or error
  --json                Print the result as JSON

Invoking nxslurm with flags only runs submit.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// runFlags are shared by submit and plan.
type runFlags struct {
	opts     runner.Options
	settings string
	logLevel string
	jsonOut  bool
}

func bindRunFlags(fs *flag.FlagSet, f *runFlags) {
	fs.StringVar(&f.opts.OutPath, "out_path", "", "Output directory of the extraction tool")
	fs.StringVar(&f.opts.ConfigPath, "config_path", "", "Extraction config JSON")
	fs.StringVar(&f.opts.Account, "account", "", "SLURM account to charge")
	fs.StringVar(&f.opts.Time, "time", "", "Walltime per job (H:MM:SS)")
	fs.StringVar(&f.opts.Memory, "mem", "", "Memory per job")
	fs.IntVar(&f.opts.Jobs, "n_jobs", 0, "Number of array jobs")
	fs.BoolVar(&f.opts.RerunCompleted, "rerun_completed", false, "Process inputs whose outputs already exist")
	fs.StringVar(&f.settings, "settings", "", "Settings YAML")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level override")
	fs.BoolVar(&f.jsonOut, "json", false, "Output result as JSON")
}

// loadSettings resolves settings and configures logging.
func loadSettings(path, logLevel string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if !log.ValidLevel(logLevel) {
			return nil, fmt.Errorf("--log-level must be one of: debug, info, warn, error (got %q)", logLevel)
		}
		cfg.LogLevel = logLevel
	}
	log.Setup(cfg.LogLevel)
	if cfg.SourceFile != "" {
		log.Debug("loaded settings", "path", cfg.SourceFile)
	}
	return cfg, nil
}

func runSubmit(args []string) int {
	if hasHelpFlag(args) {
		printUsage()
		return exitOK
	}

	var f runFlags
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	bindRunFlags(fs, &f)
	fs.BoolVar(&f.opts.DryRun, "dry-run", false, "Write artifacts without submitting")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitConfig
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return exitConfig
	}

	cfg, err := loadSettings(f.settings, f.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Settings error: %v\n", err)
		return exitConfig
	}

	submitter := slurm.NewSbatchSubmitter(cfg.Scheduler.Binary, cfg.Scheduler.SubmitTimeout, log.WithComponent("sbatch"))
	if !f.opts.DryRun {
		if _, err := submitter.Available(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitScheduler
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.New(cfg, submitter).Run(ctx, f.opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}

	if f.jsonOut {
		return printJSON(res)
	}
	title := "nxslurm submit"
	if f.opts.DryRun {
		title = "nxslurm submit (dry run)"
	}
	fmt.Print(tui.RenderSummary(tui.NewDefaultTheme(), title, res))
	return exitOK
}

func runPlan(args []string) int {
	if hasHelpFlag(args) {
		printUsage()
		return exitOK
	}

	var f runFlags
	var format string
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	bindRunFlags(fs, &f)
	fs.StringVar(&format, "format", "text", "Output format (text, json, yaml)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitConfig
	}
	if f.jsonOut {
		format = "json"
	}
	switch format {
	case "text", "json", "yaml":
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s (want text, json or yaml)\n", format)
		return exitConfig
	}

	cfg, err := loadSettings(f.settings, f.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Settings error: %v\n", err)
		return exitConfig
	}

	f.opts.PlanOnly = true
	res, err := runner.New(cfg, nil).Run(context.Background(), f.opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}

	switch format {
	case "json":
		return printJSON(res)
	case "yaml":
		data, err := yaml.Marshal(res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "YAML format error: %v\n", err)
			return exitConfig
		}
		fmt.Print(string(data))
	default:
		fmt.Print(tui.RenderSummary(tui.NewDefaultTheme(), "nxslurm plan", res))
	}
	return exitOK
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return exitConfig
	}
	fmt.Println(string(data))
	return exitOK
}

// exitCodeFor maps a run error to the process exit status.
func exitCodeFor(err error) int {
	var subErr *slurm.SubmitError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &subErr) && subErr.ExitCode > 0:
		return subErr.ExitCode
	case errors.Is(err, runner.ErrSubmit), errors.Is(err, slurm.ErrSchedulerUnavailable):
		return exitScheduler
	case errors.Is(err, runner.ErrToolMissing):
		return exitTool
	case errors.Is(err, runner.ErrFilesystem):
		return exitFilesystem
	default:
		return exitConfig
	}
}

func runDoctor(args []string) int {
	var settings string
	var jsonOut bool

	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.StringVar(&settings, "settings", "", "Settings YAML")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitConfig
	}

	cfg, err := config.LoadOrDefault(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Settings error: %v\n", err)
		return exitConfig
	}

	result := doctor.New(cfg).Validate()
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return exitConfig
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case result.Valid:
		return exitOK
	case result.HasError("tool"):
		return exitTool
	default:
		return exitConfig
	}
}

func runInspect(args []string) int {
	if len(args) > 0 && isHelpToken(args[0]) {
		fmt.Println("Usage: nxslurm inspect [<run_id|latest> | --list [--limit N]] --out_path PATH [--settings FILE] [--json]")
		return exitOK
	}

	var outPath, settings string
	var jsonOut, list bool
	var limit int
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&outPath, "out_path", "", "Output directory of the run")
	fs.StringVar(&settings, "settings", "", "Settings YAML")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")
	fs.BoolVar(&list, "list", false, "List recent runs instead of reporting one")
	fs.IntVar(&limit, "limit", 20, "Number of runs to list")

	// The run id may come before or after the flags.
	var runID string
	var remaining []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && runID == "" && !expectsValue(remaining) {
			runID = arg
		} else {
			remaining = append(remaining, arg)
		}
	}
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitConfig
	}
	if runID == "" {
		runID = history.Latest
	}
	if outPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: nxslurm inspect [<run_id|latest> | --list [--limit N]] --out_path PATH [--settings FILE] [--json]")
		return exitConfig
	}

	cfg, err := config.LoadOrDefault(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Settings error: %v\n", err)
		return exitConfig
	}
	layout, err := workspace.NewFSLayout(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	dbPath := cfg.History.Path
	if dbPath == "" {
		dbPath = filepath.Join(layout.LogsDir(), workspace.HistoryName)
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "No run history at %s\n", dbPath)
		return exitFilesystem
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return exitFilesystem
	}
	defer db.Close()

	store := history.NewStore(db)
	if list {
		var out string
		if jsonOut {
			out, err = inspect.BuildJSONRunList(ctx, store, limit)
			out += "\n"
		} else {
			out, err = inspect.BuildRunList(ctx, store, limit)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
			return exitConfig
		}
		fmt.Print(out)
		return exitOK
	}

	src := inspect.Source{
		Store:    store,
		Layout:   layout,
		Suffixes: cfg.Suffixes(),
	}
	if jsonOut {
		report, err := inspect.BuildJSONReport(ctx, src, runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
			return exitConfig
		}
		fmt.Println(report)
		return exitOK
	}

	report, err := inspect.BuildReport(ctx, src, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return exitConfig
	}
	fmt.Print(report)
	return exitOK
}

// expectsValue reports whether the last collected flag still needs its value.
func expectsValue(collected []string) bool {
	if len(collected) == 0 {
		return false
	}
	last := strings.TrimLeft(collected[len(collected)-1], "-")
	return last == "out_path" || last == "settings" || last == "limit"
}
