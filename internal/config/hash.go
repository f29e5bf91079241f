package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the artifact manifest inside the logs directory.
const ManifestFile = "manifest.yaml"

// Artifact states reported by VerifyManifest.
const (
	ArtifactOK       = "ok"
	ArtifactModified = "modified"
	ArtifactMissing  = "missing"
)

// Manifest records the BLAKE3 hash of every artifact generated by one run.
// Keys of Hashes are file names relative to the manifest directory.
type Manifest struct {
	Version     int               `yaml:"version"`
	RunID       string            `yaml:"run_id"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ArtifactStatus is the verification outcome for a single artifact.
type ArtifactStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteManifest hashes files (paths inside dir) and writes dir/manifest.yaml.
func WriteManifest(dir, runID string, files []string) (*Manifest, error) {
	manifest := &Manifest{
		Version:     1,
		RunID:       runID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}

	for _, file := range files {
		rel, err := filepath.Rel(dir, file)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("artifact %s is outside %s", file, dir)
		}
		hash, err := ComputeBlake3Hash(file)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		manifest.Hashes[filepath.ToSlash(rel)] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return manifest, nil
}

// LoadManifest reads dir/manifest.yaml.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("manifest not found in %s", dir)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported manifest version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyManifest checks every recorded artifact against its hash. A missing
// batch config usually means the array already ran and cleaned up after
// itself. Results are sorted by name.
func VerifyManifest(dir string, manifest *Manifest) []ArtifactStatus {
	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ArtifactStatus, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, filepath.FromSlash(name))
		state := ArtifactOK
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			state = ArtifactMissing
		} else if err := VerifyFileHash(path, manifest.Hashes[name]); err != nil {
			state = ArtifactModified
		}
		out = append(out, ArtifactStatus{Name: name, State: state})
	}
	return out
}
