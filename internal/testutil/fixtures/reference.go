package fixtures

import (
	"testing"
	"time"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
)

// Procedure codes used across tests
var DefaultProcedures = []reference.ProcedureCode{
	{Code: "CONS01", Description: "General consultation", Tier: 1},
	{Code: "CONS02", Description: "Specialist consultation", Tier: 2},
	{Code: "LAB01", Description: "Full blood count", Tier: 1},
	{Code: "IMG10", Description: "Abdominal ultrasound", Tier: 2},
	{Code: "SURG20", Description: "Appendectomy", Tier: 3, Prerequisites: []string{"IMG10"}},
	{Code: "WARD01", Description: "General ward day", Tier: 2, InpatientOnly: true},
	{Code: "ICU01", Description: "Intensive care day", Tier: 3, InpatientOnly: true},
	{Code: "OLD01", Description: "Legacy consultation", Tier: 1, Deprecated: true, Replacement: "CONS01"},
}

// Diagnosis codes used across tests
var DefaultDiagnoses = []reference.DiagnosisCode{
	{Code: "A09", Description: "Infectious gastroenteritis"},
	{Code: "J18.9", Description: "Pneumonia, unspecified"},
	{Code: "K35.8", Description: "Acute appendicitis"},
	{Code: "Z00.0", Description: "General examination"},
}

// SnapshotBuilder builds reference snapshots
type SnapshotBuilder struct {
	t    *testing.T
	data reference.SnapshotData
}

// NewSnapshotBuilder starts from the default code set, patient PAT-001
// enrolled since 2023 and provider PRV-001.
func NewSnapshotBuilder(t *testing.T) *SnapshotBuilder {
	t.Helper()
	return &SnapshotBuilder{
		t: t,
		data: reference.SnapshotData{
			Version:    "ref-test",
			TakenAt:    ServiceDay,
			Procedures: append([]reference.ProcedureCode(nil), DefaultProcedures...),
			Diagnoses:  append([]reference.DiagnosisCode(nil), DefaultDiagnoses...),
			Patients: []reference.Patient{
				EnrolledPatient("PAT-001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)),
			},
			Providers: []reference.Provider{
				DefaultProvider("PRV-001"),
			},
		},
	}
}

func (b *SnapshotBuilder) WithTakenAt(at time.Time) *SnapshotBuilder {
	b.data.TakenAt = at
	return b
}

func (b *SnapshotBuilder) WithPatient(p reference.Patient) *SnapshotBuilder {
	b.data.Patients = append(b.data.Patients, p)
	return b
}

func (b *SnapshotBuilder) WithProvider(p reference.Provider) *SnapshotBuilder {
	b.data.Providers = append(b.data.Providers, p)
	return b
}

func (b *SnapshotBuilder) WithProcedure(p reference.ProcedureCode) *SnapshotBuilder {
	b.data.Procedures = append(b.data.Procedures, p)
	return b
}

// WithoutPatients drops all patients, including the default one
func (b *SnapshotBuilder) WithoutPatients() *SnapshotBuilder {
	b.data.Patients = nil
	return b
}

// WithoutProviders drops all providers, including the default one
func (b *SnapshotBuilder) WithoutProviders() *SnapshotBuilder {
	b.data.Providers = nil
	return b
}

func (b *SnapshotBuilder) Build() *reference.Snapshot {
	b.t.Helper()
	return reference.NewSnapshot(b.data)
}

// EnrolledPatient is a patient with one open-ended enrollment
func EnrolledPatient(id string, since time.Time) reference.Patient {
	return reference.Patient{
		ID:          id,
		Enrollments: []reference.Enrollment{{Start: since}},
	}
}

// DefaultProvider is a general practice with a 1,200 +/- 400 KES claim
// amount baseline
func DefaultProvider(id string) reference.Provider {
	return reference.Provider{
		ID:            id,
		Name:          "Provider " + id,
		Specialty:     "general_practice",
		RiskLevel:     reference.RiskLow,
		ClaimCount:    200,
		RejectedCount: 10,
		Amounts:       reference.AmountStats{Mean: 1200, StdDev: 400, Count: 200},
	}
}
