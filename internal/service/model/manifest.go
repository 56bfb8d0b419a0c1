package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes one artifact version in a registry
type Manifest struct {
	Version     string   `yaml:"version"`
	Artifact    string   `yaml:"artifact"`
	SHA256      string   `yaml:"sha256"`
	Features    []string `yaml:"features"`
	TrainedAt   string   `yaml:"trained_at,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest has no version")
	}
	if m.Artifact == "" {
		m.Artifact = "ensemble.json"
	}
	return &m, nil
}

// Open verifies the artifact bytes against the manifest and decodes them
func (m *Manifest) Open(data []byte) (*Artifact, error) {
	if m.SHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, m.SHA256) {
			return nil, fmt.Errorf("artifact %s checksum %s does not match manifest %s", m.Version, got, m.SHA256)
		}
	}

	a, err := ParseArtifact(data)
	if err != nil {
		return nil, err
	}
	if a.Version != m.Version {
		return nil, fmt.Errorf("manifest %s points at artifact %s", m.Version, a.Version)
	}
	if !slices.Equal(a.Features, m.Features) {
		return nil, fmt.Errorf("manifest %s features differ from its artifact", m.Version)
	}
	return a, nil
}
