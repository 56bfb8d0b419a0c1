package normalizer

// RawClaim is a submitted claim payload before validation
type RawClaim struct {
	ClaimID        string    `json:"claim_id" validate:"omitempty,uuid"`
	GroupID        string    `json:"group_id" validate:"omitempty,uuid"`
	ClaimNumber    string    `json:"claim_number" validate:"required,max=64"`
	PatientID      string    `json:"patient_id" validate:"required,max=64"`
	ProviderID     string    `json:"provider_id" validate:"required,max=64"`
	Status         string    `json:"status" validate:"omitempty,oneof=submitted corrected reversed finalized"`
	Currency       string    `json:"currency" validate:"omitempty,len=3,alpha"`
	VisitType      string    `json:"visit_type" validate:"omitempty,oneof=inpatient outpatient daycare"`
	AdmissionDate  string    `json:"admission_date,omitempty"`
	DischargeDate  string    `json:"discharge_date,omitempty"`
	DiagnosisCodes []string  `json:"diagnosis_codes" validate:"dive,required,max=16"`
	Accommodation  string    `json:"accommodation,omitempty" validate:"max=64"`
	SubmittedAt    string    `json:"submitted_at,omitempty"`
	Lines          []RawLine `json:"lines" validate:"required,min=1,max=500,dive"`
}

// RawLine is one submitted line item
type RawLine struct {
	ProcedureCode string `json:"procedure_code" validate:"required,max=16"`
	Quantity      int    `json:"quantity" validate:"required,min=1,max=10000"`
	UnitAmount    string `json:"unit_amount" validate:"required,numeric"`
	BilledAmount  string `json:"billed_amount,omitempty" validate:"omitempty,numeric"`
	ServiceDate   string `json:"service_date" validate:"required"`
	PreauthNumber string `json:"preauth_number,omitempty" validate:"max=64"`
}
