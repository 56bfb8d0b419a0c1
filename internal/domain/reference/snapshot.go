package reference

import (
	"context"
	"sort"
	"time"
)

// CodeDictionary resolves procedure and diagnosis codes
type CodeDictionary struct {
	procedures map[string]ProcedureCode
	diagnoses  map[string]DiagnosisCode
}

func NewCodeDictionary(procedures []ProcedureCode, diagnoses []DiagnosisCode) *CodeDictionary {
	d := &CodeDictionary{
		procedures: make(map[string]ProcedureCode, len(procedures)),
		diagnoses:  make(map[string]DiagnosisCode, len(diagnoses)),
	}
	for _, p := range procedures {
		d.procedures[p.Code] = p
	}
	for _, dx := range diagnoses {
		d.diagnoses[dx.Code] = dx
	}
	return d
}

func (d *CodeDictionary) Procedure(code string) (ProcedureCode, bool) {
	p, ok := d.procedures[code]
	return p, ok
}

func (d *CodeDictionary) Diagnosis(code string) (DiagnosisCode, bool) {
	dx, ok := d.diagnoses[code]
	return dx, ok
}

// SnapshotData is the serialized form of a snapshot (seed files, cache)
type SnapshotData struct {
	Version    string          `json:"version" yaml:"version"`
	TakenAt    time.Time       `json:"taken_at" yaml:"taken_at"`
	Patients   []Patient       `json:"patients" yaml:"patients"`
	Providers  []Provider      `json:"providers" yaml:"providers"`
	Procedures []ProcedureCode `json:"procedures" yaml:"procedures"`
	Diagnoses  []DiagnosisCode `json:"diagnoses" yaml:"diagnoses"`
}

// Snapshot is a read-only, possibly stale view of reference data
type Snapshot struct {
	data      SnapshotData
	patients  map[string]Patient
	providers map[string]Provider
	codes     *CodeDictionary
}

func NewSnapshot(data SnapshotData) *Snapshot {
	s := &Snapshot{
		data:      data,
		patients:  make(map[string]Patient, len(data.Patients)),
		providers: make(map[string]Provider, len(data.Providers)),
		codes:     NewCodeDictionary(data.Procedures, data.Diagnoses),
	}
	for _, p := range data.Patients {
		s.patients[p.ID] = p
	}
	for _, p := range data.Providers {
		s.providers[p.ID] = p
	}
	return s
}

func (s *Snapshot) Version() string { return s.data.Version }
func (s *Snapshot) TakenAt() time.Time { return s.data.TakenAt }
func (s *Snapshot) Codes() *CodeDictionary { return s.codes }
func (s *Snapshot) Data() SnapshotData { return s.data }

func (s *Snapshot) Patient(id string) (Patient, bool) {
	p, ok := s.patients[id]
	return p, ok
}

func (s *Snapshot) Provider(id string) (Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// ProvidersBySpecialty returns providers of a specialty ordered by ID
func (s *Snapshot) ProvidersBySpecialty(specialty string) []Provider {
	var out []Provider
	for _, p := range s.providers {
		if p.Specialty == specialty {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Age returns how old the snapshot is at now
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.data.TakenAt)
}

// IsStale reports whether the snapshot is older than maxAge
func (s *Snapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && s.Age(now) > maxAge
}

// Source supplies the current reference snapshot
type Source interface {
	Current(ctx context.Context) (*Snapshot, error)
}

// StaticSource always returns the same snapshot
type StaticSource struct {
	Snapshot *Snapshot
}

func (s StaticSource) Current(context.Context) (*Snapshot, error) {
	return s.Snapshot, nil
}
