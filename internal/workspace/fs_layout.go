package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// fsLayout writes artifacts under a local output directory.
type fsLayout struct {
	root string
}

var _ Layout = (*fsLayout)(nil)

// NewFSLayout creates a layout rooted at outPath. The path is made absolute
// so that rendered scripts work from any submit directory.
func NewFSLayout(outPath string) (*fsLayout, error) {
	trimmed := strings.TrimSpace(outPath)
	if trimmed == "" {
		return nil, fmt.Errorf("output directory is empty")
	}

	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory %q: %w", outPath, err)
	}
	return &fsLayout{root: abs}, nil
}

func (l *fsLayout) Root() string           { return l.root }
func (l *fsLayout) LogsDir() string        { return filepath.Join(l.root, LogsDirName) }
func (l *fsLayout) SlurmOutputDir() string { return filepath.Join(l.LogsDir(), SlurmOutputDirName) }
func (l *fsLayout) ScriptPath() string     { return filepath.Join(l.LogsDir(), ScriptName) }

// ConfigPath returns logs/config_{index}.json.
func (l *fsLayout) ConfigPath(index int) string {
	return filepath.Join(l.LogsDir(), configName(index))
}

// Prepare creates <out>/logs/slurm_output, including any missing parents.
func (l *fsLayout) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if info, err := os.Stat(l.root); err == nil && !info.IsDir() {
		return fmt.Errorf("output path %q is not a directory", l.root)
	}
	if err := os.MkdirAll(l.SlurmOutputDir(), 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	return nil
}

// WriteBatchLog writes the batch index to input list mapping, keyed "0", "1", ...
func (l *fsLayout) WriteBatchLog(batches [][]string) (string, error) {
	mapping := make(map[string][]string, len(batches))
	for i, batch := range batches {
		if batch == nil {
			batch = []string{}
		}
		mapping[strconv.Itoa(i)] = batch
	}

	path := filepath.Join(l.LogsDir(), BatchLogName)
	if err := writeJSON(path, mapping); err != nil {
		return "", fmt.Errorf("write %s: %w", BatchLogName, err)
	}
	return path, nil
}

// WriteBatchConfig serializes cfg to logs/config_{index}.json.
func (l *fsLayout) WriteBatchConfig(index int, cfg any) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("batch index %d is negative", index)
	}
	path := l.ConfigPath(index)
	if err := writeJSON(path, cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// WriteScript writes logs/submit.sh with the executable bit set.
func (l *fsLayout) WriteScript(content string) (string, error) {
	path := l.ScriptPath()
	if err := writeFileAtomic(path, []byte(content), 0o755); err != nil {
		return "", fmt.Errorf("write %s: %w", ScriptName, err)
	}
	return path, nil
}

// RemoveStaleConfigs deletes config_{i}.json with i >= jobs.
func (l *fsLayout) RemoveStaleConfigs(ctx context.Context, jobs int) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}

	entries, err := os.ReadDir(l.LogsDir())
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read logs directory: %w", err)
	}

	report := CleanupReport{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, ok := parseConfigName(entry.Name())
		if !ok || index < jobs {
			continue
		}
		if err := os.Remove(filepath.Join(l.LogsDir(), entry.Name())); err != nil && !os.IsNotExist(err) {
			return report, fmt.Errorf("remove stale config %q: %w", entry.Name(), err)
		}
		report.DeletedFiles++
	}
	return report, nil
}

func configName(index int) string {
	return "config_" + strconv.Itoa(index) + ".json"
}

// parseConfigName reports the batch index of a config_{i}.json file name.
func parseConfigName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "config_")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".json")
	if !ok || digits == "" {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 || configName(index) != name {
		return 0, false
	}
	return index, true
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}

// writeFileAtomic writes through a temp file in the same directory so a
// reader never observes a partial artifact.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
