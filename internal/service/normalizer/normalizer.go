package normalizer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
)

// claimNamespace scopes IDs derived from provider claim numbers
var claimNamespace = uuid.MustParse("8f3a51e2-7c0b-4b7e-a4f6-0d9b2c1e6a37")

// Result is a canonical claim plus what normalization learned about it
type Result struct {
	Claim        *claim.Claim
	Snapshot     *reference.Snapshot
	Warnings     []claim.DeprecatedCodeWarning
	PatientKnown bool
	Stale        bool
}

// Normalizer validates raw payloads and resolves them against reference data
type Normalizer struct {
	clock        claim.Clock
	validate     *validator.Validate
	maxStaleness time.Duration
	metrics      *metrics.Registry
	logger       *zap.Logger
}

// New builds a normalizer. clock stamps claims received without a
// submission time and judges snapshot staleness; nil means SystemClock.
func New(cfg config.ReferenceConfig, clock claim.Clock, reg *metrics.Registry, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		clock:        claim.OrSystem(clock),
		validate:     validator.New(),
		maxStaleness: cfg.MaxStaleness,
		metrics:      reg,
		logger:       logger,
	}
}

// Normalize validates raw, canonicalizes it and resolves reference codes
// against snap. An unknown patient is not an error: the claim is passed on
// so patient checks can flag it.
func (n *Normalizer) Normalize(ctx context.Context, raw RawClaim, snap *reference.Snapshot) (*Result, error) {
	if err := n.validate.Struct(raw); err != nil {
		return nil, formatValidationError(err)
	}

	now := n.clock.Now()
	c, err := canonicalize(raw, now)
	if err != nil {
		return nil, err
	}

	if snap == nil {
		return nil, errors.NewReferenceDataError("REFERENCE_UNAVAILABLE", "no reference snapshot supplied")
	}

	logger := telemetry.WithTrace(ctx, n.logger).With(
		zap.String("claim_number", c.ClaimNumber),
		zap.String("provider_id", c.ProviderID))

	res := &Result{Claim: c, Snapshot: snap}
	if snap.IsStale(now, n.maxStaleness) {
		res.Stale = true
		n.metrics.RecordStaleReference(ctx)
		logger.Warn("reference snapshot is stale",
			zap.String("snapshot_version", snap.Version()),
			zap.Time("taken_at", snap.TakenAt()),
			zap.Duration("max_staleness", n.maxStaleness))
	}

	if _, ok := snap.Provider(c.ProviderID); !ok {
		return nil, errors.NewReferenceDataError(errors.CodeUnknownProvider,
			fmt.Sprintf("provider %s not found in reference snapshot %s", c.ProviderID, snap.Version()))
	}

	_, res.PatientKnown = snap.Patient(c.PatientID)
	if !res.PatientKnown {
		logger.Info("patient not found in reference snapshot", zap.String("patient_id", c.PatientID))
	}

	codes := snap.Codes()
	for i, l := range c.Lines {
		proc, ok := codes.Procedure(l.ProcedureCode)
		if !ok {
			return nil, errors.NewUnknownCodeError("procedure", l.ProcedureCode)
		}
		if proc.Deprecated {
			w := claim.DeprecatedCodeWarning{LineIndex: i, Code: proc.Code, Replacement: proc.Replacement}
			res.Warnings = append(res.Warnings, w)
			n.metrics.RecordDeprecatedCode(ctx, proc.Code)
			logger.Warn("deprecated procedure code", zap.String("warning", w.String()))
		}
	}
	for _, dx := range c.DiagnosisCodes {
		if _, ok := codes.Diagnosis(dx); !ok {
			return nil, errors.NewUnknownCodeError("diagnosis", dx)
		}
	}

	c.Warnings = res.Warnings
	return res, nil
}

// canonicalize builds the claim; receivedAt stands in for a missing
// submitted_at
func canonicalize(raw RawClaim, receivedAt time.Time) (*claim.Claim, error) {
	currency := values.DefaultCurrency
	if raw.Currency != "" {
		currency = strings.ToUpper(raw.Currency)
	}

	status := claim.StatusSubmitted
	if raw.Status != "" {
		status = claim.Status(raw.Status)
	}

	c := &claim.Claim{
		ClaimNumber:   text(raw.ClaimNumber),
		PatientID:     text(raw.PatientID),
		ProviderID:    text(raw.ProviderID),
		Status:        status,
		Currency:      currency,
		VisitType:     claim.VisitType(raw.VisitType),
		Accommodation: text(raw.Accommodation),
	}

	// without an explicit group, every version of a provider claim number
	// lands in the same group
	var err error
	if c.GroupID, err = resolveID(raw.GroupID, c.ProviderID, c.ClaimNumber); err != nil {
		return nil, err
	}

	if raw.AdmissionDate != "" {
		d, err := parseDate(raw.AdmissionDate)
		if err != nil {
			return nil, invalid(fmt.Sprintf("admission_date: %v", err))
		}
		c.AdmissionDate = &d
	}
	if raw.DischargeDate != "" {
		d, err := parseDate(raw.DischargeDate)
		if err != nil {
			return nil, invalid(fmt.Sprintf("discharge_date: %v", err))
		}
		c.DischargeDate = &d
	}

	c.DiagnosisCodes = canonicalCodes(raw.DiagnosisCodes)

	c.Lines = make([]claim.LineItem, 0, len(raw.Lines))
	for i, rl := range raw.Lines {
		l, err := canonicalLine(rl, currency)
		if err != nil {
			return nil, invalid(fmt.Sprintf("line %d: %v", i, err))
		}
		c.Lines = append(c.Lines, l)
	}

	// a resubmitted payload without submitted_at must map to the same claim,
	// so its id hangs off the content rather than the receipt time
	var idKey string
	if raw.SubmittedAt != "" {
		if c.SubmittedAt, err = parseTimestamp(raw.SubmittedAt); err != nil {
			return nil, invalid(fmt.Sprintf("submitted_at: %v", err))
		}
		idKey = c.SubmittedAt.Format(time.RFC3339Nano)
	} else {
		if idKey, err = contentKey(c); err != nil {
			return nil, err
		}
		c.SubmittedAt = receivedAt.UTC()
	}
	if c.ID, err = resolveID(raw.ClaimID, c.ProviderID, c.ClaimNumber, string(status), idKey); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func canonicalLine(rl RawLine, currency string) (claim.LineItem, error) {
	unit, err := values.NewMoneyFromString(rl.UnitAmount, currency)
	if err != nil {
		return claim.LineItem{}, fmt.Errorf("unit_amount: %w", err)
	}
	day, err := parseDate(rl.ServiceDate)
	if err != nil {
		return claim.LineItem{}, fmt.Errorf("service_date: %w", err)
	}

	l := claim.LineItem{
		ProcedureCode: code(rl.ProcedureCode),
		Quantity:      rl.Quantity,
		UnitAmount:    unit,
		ServiceDate:   day,
		PreauthNumber: code(rl.PreauthNumber),
	}
	if rl.BilledAmount != "" {
		billed, err := values.NewMoneyFromString(rl.BilledAmount, currency)
		if err != nil {
			return claim.LineItem{}, fmt.Errorf("billed_amount: %w", err)
		}
		l.BilledAmount = &billed
	}
	return l, nil
}

// contentKey fingerprints the canonical claim without its identity and
// receipt time
func contentKey(c *claim.Claim) (string, error) {
	body := c.Clone()
	body.ID = uuid.Nil
	body.SubmittedAt = time.Time{}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("fingerprinting claim: %w", err)
	}
	h, err := values.ComputeHashValue(data)
	if err != nil {
		return "", err
	}
	return "content:" + h.String(), nil
}

// resolveID parses explicit, or derives a stable name-based UUID from parts
func resolveID(explicit string, parts ...string) (uuid.UUID, error) {
	if explicit != "" {
		id, err := uuid.Parse(strings.TrimSpace(explicit))
		if err != nil {
			return uuid.Nil, invalid(fmt.Sprintf("invalid id %q", explicit))
		}
		return id, nil
	}
	return uuid.NewSHA1(claimNamespace, []byte(strings.Join(parts, "\x1f"))), nil
}

func canonicalCodes(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		c := code(r)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func text(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func code(s string) string {
	return strings.ToUpper(text(s))
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", s)
	}
	return values.Day(t), nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		d, dErr := time.Parse(time.DateOnly, s)
		if dErr != nil {
			return time.Time{}, fmt.Errorf("expected RFC3339 timestamp, got %q", s)
		}
		return d, nil
	}
	return t.UTC(), nil
}

func invalid(msg string) *errors.AppError {
	return errors.NewValidationError(errors.CodeInvalidClaim, msg)
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return invalid(err.Error())
	}

	fields := make(map[string]interface{}, len(validationErrors))
	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "min":
			msg = fmt.Sprintf("must be at least %s", fe.Param())
		case "max":
			msg = fmt.Sprintf("must be at most %s", fe.Param())
		case "oneof":
			msg = fmt.Sprintf("must be one of: %s", fe.Param())
		case "uuid":
			msg = "must be a valid UUID"
		case "numeric":
			msg = "must be a decimal number"
		default:
			msg = fmt.Sprintf("failed %s validation", fe.Tag())
		}
		fields[fe.Namespace()] = msg
		msgs = append(msgs, fe.Namespace()+" "+msg)
	}
	sort.Strings(msgs)
	return invalid(strings.Join(msgs, "; ")).WithDetails(fields)
}
