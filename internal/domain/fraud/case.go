package fraud

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
)

type CaseStatus string

const (
	CaseOpen           CaseStatus = "open"
	CaseConfirmedFraud CaseStatus = "confirmed_fraud"
	CaseDismissed      CaseStatus = "dismissed"
)

func (s CaseStatus) Terminal() bool {
	return s == CaseConfirmedFraud || s == CaseDismissed
}

// Case is the review unit for a claim group
type Case struct {
	ID             uuid.UUID        `json:"id"`
	GroupID        uuid.UUID        `json:"group_id"`
	ClaimID        uuid.UUID        `json:"claim_id"`
	Status         CaseStatus       `json:"status"`
	Tier           Tier             `json:"tier"`
	OpenedTier     Tier             `json:"opened_tier"`
	VerdictID      uuid.UUID        `json:"verdict_id"`
	ContentHash    values.HashValue `json:"content_hash"`
	VerdictIDs     []uuid.UUID      `json:"verdict_ids"`
	Escalations    int              `json:"escalations"`
	OpenedAt       time.Time        `json:"opened_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNote string           `json:"resolution_note,omitempty"`
}

// NewCase opens a case from a verdict at now
func NewCase(v *Verdict, now time.Time) (*Case, error) {
	if v == nil {
		return nil, errors.NewValidationError("INVALID_VERDICT", "verdict is required")
	}
	if v.GroupID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_VERDICT", "verdict has no claim group")
	}
	if !v.Tier.Valid() {
		return nil, errors.NewValidationError("INVALID_VERDICT", fmt.Sprintf("invalid verdict tier %q", v.Tier))
	}

	now = now.UTC()
	return &Case{
		ID:          uuid.New(),
		GroupID:     v.GroupID,
		ClaimID:     v.ClaimID,
		Status:      CaseOpen,
		Tier:        v.Tier,
		OpenedTier:  v.Tier,
		VerdictID:   v.ID,
		ContentHash: v.ContentHash,
		VerdictIDs:  []uuid.UUID{v.ID},
		OpenedAt:    now,
		UpdatedAt:   now,
	}, nil
}

func (c *Case) IsOpen() bool {
	return c.Status == CaseOpen
}

// Escalate moves an open case to the verdict's strictly higher tier
func (c *Case) Escalate(v *Verdict, now time.Time) error {
	if !c.IsOpen() {
		return errors.NewConflictError(fmt.Sprintf("case %s is %s", c.ID, c.Status))
	}
	if v.GroupID != c.GroupID {
		return errors.NewValidationError("GROUP_MISMATCH",
			fmt.Sprintf("verdict group %s does not match case group %s", v.GroupID, c.GroupID))
	}
	if !v.Tier.HigherThan(c.Tier) {
		return errors.NewConflictError(fmt.Sprintf("tier %s does not exceed case tier %s", v.Tier, c.Tier))
	}

	c.Tier = v.Tier
	c.ClaimID = v.ClaimID
	c.VerdictID = v.ID
	c.ContentHash = v.ContentHash
	c.VerdictIDs = append(c.VerdictIDs, v.ID)
	c.Escalations++
	c.UpdatedAt = now.UTC()
	return nil
}

// Resolve closes the case. Only the review workflow calls this.
func (c *Case) Resolve(outcome CaseStatus, note string, now time.Time) error {
	if !outcome.Terminal() {
		return errors.NewValidationError(errors.CodeInvalidTransition,
			fmt.Sprintf("cannot resolve case to %q", outcome))
	}
	if !c.IsOpen() {
		return errors.NewConflictError(fmt.Sprintf("case %s already resolved as %s", c.ID, c.Status))
	}

	now = now.UTC()
	c.Status = outcome
	c.ResolutionNote = note
	c.ResolvedAt = &now
	c.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so repositories never share mutable state
func (c *Case) Clone() *Case {
	cp := *c
	cp.VerdictIDs = append([]uuid.UUID(nil), c.VerdictIDs...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
