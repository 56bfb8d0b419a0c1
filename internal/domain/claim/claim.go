package claim

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
)

// Claim is one accepted version of a provider claim. Versions are never
// mutated; corrections and reversals are new versions sharing GroupID.
type Claim struct {
	ID          uuid.UUID `json:"id"`
	GroupID     uuid.UUID `json:"group_id"`
	Version     uint64    `json:"version"`
	ClaimNumber string    `json:"claim_number"`
	PatientID   string    `json:"patient_id"`
	ProviderID  string    `json:"provider_id"`
	Status      Status    `json:"status"`
	Currency    string    `json:"currency"`

	VisitType      VisitType  `json:"visit_type,omitempty"`
	AdmissionDate  *time.Time `json:"admission_date,omitempty"`
	DischargeDate  *time.Time `json:"discharge_date,omitempty"`
	DiagnosisCodes []string   `json:"diagnosis_codes,omitempty"`
	Accommodation  string     `json:"accommodation,omitempty"`

	Lines       []LineItem `json:"lines"`
	SubmittedAt time.Time  `json:"submitted_at"`

	Warnings []DeprecatedCodeWarning `json:"warnings,omitempty"`
}

// LineItem is a single billed procedure
type LineItem struct {
	ProcedureCode string        `json:"procedure_code"`
	Quantity      int           `json:"quantity"`
	UnitAmount    values.Money  `json:"unit_amount"`
	BilledAmount  *values.Money `json:"billed_amount,omitempty"`
	ServiceDate   time.Time     `json:"service_date"`
	PreauthNumber string        `json:"preauth_number,omitempty"`
}

// DeprecatedCodeWarning marks a line that used a retired procedure code
type DeprecatedCodeWarning struct {
	LineIndex   int    `json:"line_index"`
	Code        string `json:"code"`
	Replacement string `json:"replacement,omitempty"`
}

func (w DeprecatedCodeWarning) String() string {
	if w.Replacement != "" {
		return fmt.Sprintf("line %d: code %s is deprecated, use %s", w.LineIndex, w.Code, w.Replacement)
	}
	return fmt.Sprintf("line %d: code %s is deprecated", w.LineIndex, w.Code)
}

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusCorrected Status = "corrected"
	StatusReversed  Status = "reversed"
	StatusFinalized Status = "finalized"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusCorrected, StatusReversed, StatusFinalized:
		return true
	}
	return false
}

// CanFollow reports whether a version with status s may supersede a group
// head with status prev. Reversed is terminal.
func (s Status) CanFollow(prev Status) bool {
	switch prev {
	case StatusSubmitted, StatusCorrected, StatusFinalized:
		return s == StatusCorrected || s == StatusReversed || s == StatusFinalized
	default:
		return false
	}
}

// CanStartGroup reports whether s is a valid status for the first version
func (s Status) CanStartGroup() bool {
	return s == StatusSubmitted || s == StatusFinalized
}

type VisitType string

const (
	VisitUnspecified VisitType = ""
	VisitInpatient   VisitType = "inpatient"
	VisitOutpatient  VisitType = "outpatient"
	VisitDaycare     VisitType = "daycare"
)

func (v VisitType) Valid() bool {
	switch v {
	case VisitUnspecified, VisitInpatient, VisitOutpatient, VisitDaycare:
		return true
	}
	return false
}

// New creates a first version of a claim group
func New(claimNumber, patientID, providerID string, lines []LineItem, submittedAt time.Time) (*Claim, error) {
	c := &Claim{
		ID:          uuid.New(),
		GroupID:     uuid.New(),
		ClaimNumber: claimNumber,
		PatientID:   patientID,
		ProviderID:  providerID,
		Status:      StatusSubmitted,
		Currency:    values.DefaultCurrency,
		Lines:       lines,
		SubmittedAt: submittedAt.UTC(),
	}
	if submittedAt.IsZero() {
		return nil, invalid("submission time is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks structural invariants. It does not touch reference data.
func (c *Claim) Validate() error {
	if c.ID == uuid.Nil {
		return invalid("claim id is required")
	}
	if c.GroupID == uuid.Nil {
		return invalid("claim group id is required")
	}
	if c.ClaimNumber == "" {
		return invalid("claim number is required")
	}
	if c.PatientID == "" {
		return invalid("patient id is required")
	}
	if c.ProviderID == "" {
		return invalid("provider id is required")
	}
	if _, err := values.NewMoneyFromString("0", c.Currency); err != nil {
		return invalid(fmt.Sprintf("invalid claim currency: %v", err))
	}
	if !c.Status.Valid() {
		return invalid(fmt.Sprintf("invalid claim status %q", c.Status))
	}
	if !c.VisitType.Valid() {
		return invalid(fmt.Sprintf("invalid visit type %q", c.VisitType))
	}
	if len(c.Lines) == 0 {
		return invalid("claim must have at least one line item")
	}
	if c.AdmissionDate != nil && c.DischargeDate != nil && c.DischargeDate.Before(*c.AdmissionDate) {
		return invalid("discharge date before admission date")
	}

	for i, l := range c.Lines {
		if l.ProcedureCode == "" {
			return invalid(fmt.Sprintf("line %d: procedure code is required", i))
		}
		if l.Quantity < 1 {
			return invalid(fmt.Sprintf("line %d: quantity must be positive", i))
		}
		if l.UnitAmount.IsNegative() {
			return invalid(fmt.Sprintf("line %d: unit amount cannot be negative", i))
		}
		if l.UnitAmount.Currency() != c.Currency {
			return invalid(fmt.Sprintf("line %d: currency %s does not match claim currency %s",
				i, l.UnitAmount.Currency(), c.Currency))
		}
		if l.ServiceDate.IsZero() {
			return invalid(fmt.Sprintf("line %d: service date is required", i))
		}
	}
	return nil
}

func zeroFor(currency string) values.Money {
	m, err := values.NewMoneyFromString("0", currency)
	if err != nil {
		return values.Zero(values.DefaultCurrency)
	}
	return m
}

func invalid(msg string) error {
	return errors.NewValidationError(errors.CodeInvalidClaim, msg)
}

// Supersede returns a new version of the group with the given status,
// received at. The caller fills in changed fields before appending it.
func (c *Claim) Supersede(status Status, at time.Time) *Claim {
	next := c.Clone()
	next.ID = uuid.New()
	next.Version = 0
	next.Status = status
	next.SubmittedAt = at.UTC()
	return next
}

// Clone returns a deep copy
func (c *Claim) Clone() *Claim {
	cp := *c
	cp.Lines = make([]LineItem, len(c.Lines))
	copy(cp.Lines, c.Lines)
	cp.DiagnosisCodes = append([]string(nil), c.DiagnosisCodes...)
	cp.Warnings = append([]DeprecatedCodeWarning(nil), c.Warnings...)
	if c.AdmissionDate != nil {
		t := *c.AdmissionDate
		cp.AdmissionDate = &t
	}
	if c.DischargeDate != nil {
		t := *c.DischargeDate
		cp.DischargeDate = &t
	}
	return &cp
}

// WithVersion returns a copy carrying the index-assigned version
func (c *Claim) WithVersion(v uint64) *Claim {
	cp := c.Clone()
	cp.Version = v
	return cp
}

// Total returns the sum of quantity * unit amount across lines
func (c *Claim) Total() values.Money {
	total := zeroFor(c.Currency)
	for _, l := range c.Lines {
		total, _ = total.Add(l.Total())
	}
	return total
}

// BilledTotal sums per-line billed amounts; ok is false if any line lacks one
func (c *Claim) BilledTotal() (values.Money, bool) {
	total := zeroFor(c.Currency)
	for _, l := range c.Lines {
		if l.BilledAmount == nil {
			return values.Money{}, false
		}
		total, _ = total.Add(*l.BilledAmount)
	}
	return total, true
}

// ProcedureCodes returns the sorted distinct procedure codes
func (c *Claim) ProcedureCodes() []string {
	seen := make(map[string]struct{}, len(c.Lines))
	codes := make([]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		if _, ok := seen[l.ProcedureCode]; ok {
			continue
		}
		seen[l.ProcedureCode] = struct{}{}
		codes = append(codes, l.ProcedureCode)
	}
	sort.Strings(codes)
	return codes
}

// HasProcedure reports whether any line bills code
func (c *Claim) HasProcedure(code string) bool {
	for _, l := range c.Lines {
		if l.ProcedureCode == code {
			return true
		}
	}
	return false
}

// ServiceDays returns the distinct service days in ascending order
func (c *Claim) ServiceDays() []time.Time {
	seen := make(map[time.Time]struct{}, len(c.Lines))
	days := make([]time.Time, 0, len(c.Lines))
	for _, l := range c.Lines {
		d := values.Day(l.ServiceDate)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// FirstServiceDate returns the earliest line service day
func (c *Claim) FirstServiceDate() time.Time {
	days := c.ServiceDays()
	if len(days) == 0 {
		return time.Time{}
	}
	return days[0]
}

// ServicePeriod spans the first to last service day, widened to the stay
// for inpatient claims
func (c *Claim) ServicePeriod() values.DateRange {
	days := c.ServiceDays()
	if len(days) == 0 {
		return values.DateRange{}
	}
	r := values.DateRange{From: days[0], To: days[len(days)-1]}
	if stay, ok := c.Stay(); ok {
		if stay.From.Before(r.From) {
			r.From = stay.From
		}
		if stay.To.After(r.To) {
			r.To = stay.To
		}
	}
	return r
}

func (c *Claim) IsInpatient() bool {
	return c.VisitType == VisitInpatient
}

func (c *Claim) IsOutpatient() bool {
	return c.VisitType == VisitOutpatient || c.VisitType == VisitDaycare
}

// Stay returns the admission period of an inpatient claim
func (c *Claim) Stay() (values.DateRange, bool) {
	if !c.IsInpatient() || c.AdmissionDate == nil {
		return values.DateRange{}, false
	}
	end := *c.AdmissionDate
	if c.DischargeDate != nil {
		end = *c.DischargeDate
	}
	r, err := values.NewDateRange(*c.AdmissionDate, end)
	if err != nil {
		return values.DateRange{}, false
	}
	return r, true
}

// LengthOfStay is the number of nights for inpatient claims, else 0
func (c *Claim) LengthOfStay() int {
	stay, ok := c.Stay()
	if !ok {
		return 0
	}
	return stay.Days() - 1
}

// AllLinesPreauthorized reports whether every line carries a preauth number
func (c *Claim) AllLinesPreauthorized() bool {
	for _, l := range c.Lines {
		if l.PreauthNumber == "" {
			return false
		}
	}
	return true
}

// PreauthNumbers returns the distinct preauthorisation numbers on the claim
func (c *Claim) PreauthNumbers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range c.Lines {
		if l.PreauthNumber == "" {
			continue
		}
		if _, ok := seen[l.PreauthNumber]; ok {
			continue
		}
		seen[l.PreauthNumber] = struct{}{}
		out = append(out, l.PreauthNumber)
	}
	sort.Strings(out)
	return out
}

// Total returns quantity * unit amount
func (l LineItem) Total() values.Money {
	return l.UnitAmount.MulInt(l.Quantity)
}

// SameBilling reports whether two lines bill identical fields
func (l LineItem) SameBilling(other LineItem) bool {
	return l.ProcedureCode == other.ProcedureCode &&
		l.Quantity == other.Quantity &&
		l.UnitAmount.Equal(other.UnitAmount) &&
		values.Day(l.ServiceDate).Equal(values.Day(other.ServiceDate))
}
