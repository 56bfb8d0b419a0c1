package refdata

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
)

// Loader produces the authoritative reference data
type Loader func(ctx context.Context) (reference.SnapshotData, error)

// SeedFile loads reference data from a YAML seed on every call
func SeedFile(path string) Loader {
	return func(context.Context) (reference.SnapshotData, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return reference.SnapshotData{}, fmt.Errorf("reading reference seed: %w", err)
		}
		return ParseSeed(raw)
	}
}

// ParseSeed decodes and validates a YAML seed. Unknown keys are rejected.
func ParseSeed(raw []byte) (reference.SnapshotData, error) {
	var data reference.SnapshotData
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&data); err != nil {
		return reference.SnapshotData{}, fmt.Errorf("decoding reference seed: %w", err)
	}
	if err := validateSeed(data); err != nil {
		return reference.SnapshotData{}, err
	}
	return data, nil
}

func validateSeed(data reference.SnapshotData) error {
	if data.Version == "" {
		return fmt.Errorf("reference seed has no version")
	}
	if data.TakenAt.IsZero() {
		return fmt.Errorf("reference seed %s has no taken_at", data.Version)
	}

	seen := make(map[string]struct{})
	check := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("reference seed %s: %s with empty id", data.Version, kind)
		}
		key := kind + ":" + id
		if _, dup := seen[key]; dup {
			return fmt.Errorf("reference seed %s: duplicate %s %s", data.Version, kind, id)
		}
		seen[key] = struct{}{}
		return nil
	}

	for _, p := range data.Patients {
		if err := check("patient", p.ID); err != nil {
			return err
		}
		for _, e := range p.Enrollments {
			if e.End != nil && e.End.Before(e.Start) {
				return fmt.Errorf("reference seed %s: patient %s enrollment ends before it starts", data.Version, p.ID)
			}
		}
	}
	for _, p := range data.Providers {
		if err := check("provider", p.ID); err != nil {
			return err
		}
	}
	for _, p := range data.Procedures {
		if err := check("procedure", p.Code); err != nil {
			return err
		}
	}
	for _, d := range data.Diagnoses {
		if err := check("diagnosis", d.Code); err != nil {
			return err
		}
	}
	return nil
}
