package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"

	"github.com/maruel/natural"

	"github.com/mattjoyce/nxslurm/internal/planner"
)

const (
	inputFilesKey     = "input_files"
	regressorFilesKey = "regressor_files"
)

// ErrInvalidExtraction marks a malformed extraction config.
var ErrInvalidExtraction = errors.New("invalid extraction config")

// FileSource is either a glob pattern or an explicit, already ordered list of
// files. JSON null decodes to an empty list.
type FileSource struct {
	Pattern string
	List    []string
	glob    bool
}

// Glob returns a pattern source.
func Glob(pattern string) FileSource { return FileSource{Pattern: pattern, glob: true} }

// List returns an explicit list source.
func List(files ...string) FileSource { return FileSource{List: files} }

// IsGlob reports whether the source is a pattern.
func (f FileSource) IsGlob() bool { return f.glob }

// UnmarshalJSON accepts a string pattern, an array of strings, or null.
func (f *FileSource) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*f = List()
		return nil
	case len(trimmed) > 0 && trimmed[0] == '"':
		var pattern string
		if err := json.Unmarshal(trimmed, &pattern); err != nil {
			return err
		}
		*f = Glob(pattern)
		return nil
	case len(trimmed) > 0 && trimmed[0] == '[':
		var files []string
		if err := json.Unmarshal(trimmed, &files); err != nil {
			return fmt.Errorf("files must be a string or list of strings: %w", err)
		}
		*f = List(files...)
		return nil
	default:
		return fmt.Errorf("files must be a string or list of strings, got %s", trimmed)
	}
}

// MarshalJSON writes the pattern or the list.
func (f FileSource) MarshalJSON() ([]byte, error) {
	if f.glob {
		return json.Marshal(f.Pattern)
	}
	if f.List == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f.List)
}

// Resolve expands a pattern or copies the list.
func (f FileSource) Resolve() ([]string, error) {
	if f.glob {
		return ExpandGlob(f.Pattern)
	}
	out := make([]string, len(f.List))
	copy(out, f.List)
	return out, nil
}

// ExpandGlob expands pattern and sorts matches naturally, so sub-2 precedes
// sub-10. A pattern with no matches yields an empty list.
func ExpandGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: bad glob pattern %q: %v", ErrInvalidExtraction, pattern, err)
	}
	if matches == nil {
		return []string{}, nil
	}
	sort.Slice(matches, func(i, j int) bool { return natural.Less(matches[i], matches[j]) })
	return matches, nil
}

// Extraction is the configuration consumed by the extraction tool. The input
// and regressor lists are resolved; every other key is carried verbatim.
type Extraction struct {
	InputFiles     []string
	RegressorFiles []string
	Params         map[string]json.RawMessage
}

var _ planner.Params = (*Extraction)(nil)

// ReadExtraction reads a JSON extraction config, resolves both file sources
// and enforces the regressor pairing rule.
func ReadExtraction(path string) (*Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read extraction config: %w", err)
	}
	return ParseExtraction(data)
}

// ParseExtraction is ReadExtraction on in-memory JSON.
func ParseExtraction(data []byte) (*Extraction, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidExtraction)
	}

	inputRaw, ok := raw[inputFilesKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidExtraction, inputFilesKey)
	}
	inputs, err := resolveSource(inputFilesKey, inputRaw)
	if err != nil {
		return nil, err
	}

	regressors := []string{}
	if regRaw, ok := raw[regressorFilesKey]; ok {
		if regressors, err = resolveSource(regressorFilesKey, regRaw); err != nil {
			return nil, err
		}
	}

	if err := planner.CheckPairing(inputs, regressors); err != nil {
		return nil, err
	}

	delete(raw, inputFilesKey)
	delete(raw, regressorFilesKey)
	return &Extraction{InputFiles: inputs, RegressorFiles: regressors, Params: raw}, nil
}

func resolveSource(key string, raw json.RawMessage) ([]string, error) {
	var src FileSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidExtraction, key, err)
	}
	files, err := src.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return files, nil
}

// ForBatch returns a copy carrying only one batch's files.
func (e *Extraction) ForBatch(inputs, regressors []string) any {
	return e.WithFiles(inputs, regressors)
}

// WithFiles returns a copy of e with its file lists replaced.
func (e *Extraction) WithFiles(inputs, regressors []string) *Extraction {
	if inputs == nil {
		inputs = []string{}
	}
	if regressors == nil {
		regressors = []string{}
	}
	return &Extraction{
		InputFiles:     inputs,
		RegressorFiles: regressors,
		Params:         maps.Clone(e.Params),
	}
}

// MarshalJSON writes the passthrough keys plus both resolved file lists.
// Keys are emitted in sorted order.
func (e *Extraction) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Params)+2)
	for k, v := range e.Params {
		out[k] = v
	}
	inputs, regressors := e.InputFiles, e.RegressorFiles
	if inputs == nil {
		inputs = []string{}
	}
	if regressors == nil {
		regressors = []string{}
	}
	out[inputFilesKey] = inputs
	out[regressorFilesKey] = regressors
	return json.Marshal(out)
}
