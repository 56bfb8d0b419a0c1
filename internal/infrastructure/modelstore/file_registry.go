package modelstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/service/model"
)

// ManifestFile is the manifest name inside each version directory
const ManifestFile = "manifest.yaml"

// FileRegistry reads artifacts laid out as <dir>/<version>/manifest.yaml
// plus the artifact file the manifest names.
type FileRegistry struct {
	dir    string
	logger *zap.Logger
}

func NewFileRegistry(dir string, logger *zap.Logger) *FileRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRegistry{dir: dir, logger: logger}
}

func (r *FileRegistry) Fetch(_ context.Context, version string) (*model.Artifact, error) {
	if version == "" || filepath.Base(version) != version {
		return nil, fmt.Errorf("invalid model version %q", version)
	}
	versionDir := filepath.Join(r.dir, version)

	raw, err := os.ReadFile(filepath.Join(versionDir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest for %s: %w", version, err)
	}
	manifest, err := model.ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", version, err)
	}
	if manifest.Version != version {
		return nil, fmt.Errorf("directory %s holds manifest for %s", version, manifest.Version)
	}

	artifactPath := filepath.Join(versionDir, filepath.Base(manifest.Artifact))
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("reading artifact for %s: %w", version, err)
	}

	a, err := manifest.Open(data)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", version, err)
	}
	r.logger.Debug("model artifact read",
		zap.String("model_version", version),
		zap.String("path", artifactPath),
		zap.Int("bytes", len(data)))
	return a, nil
}

// Versions lists the version directories that carry a manifest
func (r *FileRegistry) Versions() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("listing model registry %s: %w", r.dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.dir, e.Name(), ManifestFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
