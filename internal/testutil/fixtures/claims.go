package fixtures

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
)

// ServiceDay is the default service date used by fixtures
var ServiceDay = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

// ClaimBuilder builds test Claim entities
type ClaimBuilder struct {
	t           *testing.T
	id          uuid.UUID
	groupID     uuid.UUID
	number      string
	patientID   string
	providerID  string
	status      claim.Status
	visitType   claim.VisitType
	admission   *time.Time
	discharge   *time.Time
	diagnoses   []string
	serviceDay  time.Time
	submittedAt time.Time
	lines       []claim.LineItem
	billed      *float64
	preauth     string
}

// NewClaimBuilder creates a new ClaimBuilder with defaults
func NewClaimBuilder(t *testing.T) *ClaimBuilder {
	t.Helper()
	return &ClaimBuilder{
		t:           t,
		id:          uuid.New(),
		groupID:     uuid.New(),
		number:      "CLM-" + uuid.New().String()[:8],
		patientID:   "PAT-001",
		providerID:  "PRV-001",
		status:      claim.StatusSubmitted,
		visitType:   claim.VisitOutpatient,
		serviceDay:  ServiceDay,
		submittedAt: ServiceDay.Add(10 * time.Hour),
	}
}

// WithID sets the claim surrogate ID
func (b *ClaimBuilder) WithID(id uuid.UUID) *ClaimBuilder {
	b.id = id
	return b
}

// WithGroup sets the claim group
func (b *ClaimBuilder) WithGroup(groupID uuid.UUID) *ClaimBuilder {
	b.groupID = groupID
	return b
}

func (b *ClaimBuilder) WithNumber(number string) *ClaimBuilder {
	b.number = number
	return b
}

func (b *ClaimBuilder) WithPatient(patientID string) *ClaimBuilder {
	b.patientID = patientID
	return b
}

func (b *ClaimBuilder) WithProvider(providerID string) *ClaimBuilder {
	b.providerID = providerID
	return b
}

func (b *ClaimBuilder) WithStatus(status claim.Status) *ClaimBuilder {
	b.status = status
	return b
}

// WithServiceDay sets the day used by lines added afterwards
func (b *ClaimBuilder) WithServiceDay(day time.Time) *ClaimBuilder {
	b.serviceDay = day
	b.submittedAt = day.Add(10 * time.Hour)
	return b
}

func (b *ClaimBuilder) WithSubmittedAt(at time.Time) *ClaimBuilder {
	b.submittedAt = at
	return b
}

// WithLine adds a line on the current service day
func (b *ClaimBuilder) WithLine(code string, qty int, unitAmount float64) *ClaimBuilder {
	return b.WithLineOn(code, qty, unitAmount, b.serviceDay)
}

// WithLineOn adds a line on a specific day
func (b *ClaimBuilder) WithLineOn(code string, qty int, unitAmount float64, day time.Time) *ClaimBuilder {
	b.lines = append(b.lines, claim.LineItem{
		ProcedureCode: code,
		Quantity:      qty,
		UnitAmount:    values.MustNewMoneyFromFloat(unitAmount, values.KES),
		ServiceDate:   day,
	})
	return b
}

// WithBilledAmount sets the hospital bill amount on every line
func (b *ClaimBuilder) WithBilledAmount(amount float64) *ClaimBuilder {
	b.billed = &amount
	return b
}

// WithPreauth sets the preauthorisation number on every line
func (b *ClaimBuilder) WithPreauth(number string) *ClaimBuilder {
	b.preauth = number
	return b
}

func (b *ClaimBuilder) WithDiagnoses(codes ...string) *ClaimBuilder {
	b.diagnoses = codes
	return b
}

func (b *ClaimBuilder) Outpatient() *ClaimBuilder {
	b.visitType = claim.VisitOutpatient
	b.admission, b.discharge = nil, nil
	return b
}

// Inpatient marks the claim as an admission between the two days
func (b *ClaimBuilder) Inpatient(admit, discharge time.Time) *ClaimBuilder {
	b.visitType = claim.VisitInpatient
	b.admission, b.discharge = &admit, &discharge
	return b
}

// Build creates the Claim. A consultation line is added when none was set.
func (b *ClaimBuilder) Build() *claim.Claim {
	b.t.Helper()

	lines := append([]claim.LineItem(nil), b.lines...)
	if len(lines) == 0 {
		lines = append(lines, claim.LineItem{
			ProcedureCode: "CONS01",
			Quantity:      1,
			UnitAmount:    values.MustNewMoneyFromFloat(1500, values.KES),
			ServiceDate:   b.serviceDay,
		})
	}
	for i := range lines {
		if b.billed != nil {
			m := values.MustNewMoneyFromFloat(*b.billed, values.KES)
			lines[i].BilledAmount = &m
		}
		if b.preauth != "" {
			lines[i].PreauthNumber = b.preauth
		}
	}

	c := &claim.Claim{
		ID:             b.id,
		GroupID:        b.groupID,
		ClaimNumber:    b.number,
		PatientID:      b.patientID,
		ProviderID:     b.providerID,
		Status:         b.status,
		Currency:       values.KES,
		VisitType:      b.visitType,
		AdmissionDate:  b.admission,
		DischargeDate:  b.discharge,
		DiagnosisCodes: b.diagnoses,
		Lines:          lines,
		SubmittedAt:    b.submittedAt,
	}
	require.NoError(b.t, c.Validate(), "fixture claim must be valid")
	return c
}

// NumberedClaims builds n distinct claims for one patient and provider on
// consecutive days starting at from
func NumberedClaims(t *testing.T, n int, patientID, providerID string, from time.Time, unitAmount float64) []*claim.Claim {
	t.Helper()
	out := make([]*claim.Claim, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, NewClaimBuilder(t).
			WithNumber(fmt.Sprintf("CLM-%04d", i)).
			WithPatient(patientID).
			WithProvider(providerID).
			WithServiceDay(from.AddDate(0, 0, i)).
			WithLine("CONS01", 1, unitAmount).
			Build())
	}
	return out
}
