package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domainerrors "github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
)

// CaseRepository implements cases.Repository on PostgreSQL. The partial
// unique index on open cases enforces one open case per group.
type CaseRepository struct {
	db DBTX
}

func NewCaseRepository(db DBTX) *CaseRepository {
	return &CaseRepository{db: db}
}

const caseColumns = `
	id, group_id, claim_id, status, tier, opened_tier, verdict_id,
	content_hash, verdict_ids, escalations, opened_at, updated_at,
	resolved_at, resolution_note
`

func (r *CaseRepository) Create(ctx context.Context, c *fraud.Case) error {
	verdictIDs, err := json.Marshal(c.VerdictIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict ids: %w", err)
	}

	query := `INSERT INTO fraud_cases (` + caseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = r.db.Exec(ctx, query,
		c.ID, c.GroupID, c.ClaimID, string(c.Status), string(c.Tier), string(c.OpenedTier), c.VerdictID,
		c.ContentHash.String(), verdictIDs, c.Escalations, c.OpenedAt, c.UpdatedAt,
		c.ResolvedAt, c.ResolutionNote)
	if err != nil {
		return WrapRepositoryError(err, "create case")
	}
	return nil
}

// Update overwrites an open case. Resolved cases are immutable.
func (r *CaseRepository) Update(ctx context.Context, c *fraud.Case) error {
	verdictIDs, err := json.Marshal(c.VerdictIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict ids: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE fraud_cases SET
			claim_id = $2, status = $3, tier = $4, verdict_id = $5,
			content_hash = $6, verdict_ids = $7, escalations = $8,
			updated_at = $9, resolved_at = $10, resolution_note = $11
		WHERE id = $1 AND status = 'open'
	`,
		c.ID, c.ClaimID, string(c.Status), string(c.Tier), c.VerdictID,
		c.ContentHash.String(), verdictIDs, c.Escalations,
		c.UpdatedAt, c.ResolvedAt, c.ResolutionNote)
	if err != nil {
		return WrapRepositoryError(err, "update case")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.Get(ctx, c.ID); err != nil {
		return err
	}
	return domainerrors.NewConflictError("case " + c.ID.String() + " is resolved")
}

func (r *CaseRepository) Get(ctx context.Context, id uuid.UUID) (*fraud.Case, error) {
	row := r.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM fraud_cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if err != nil {
		return nil, WrapRepositoryError(err, "case")
	}
	return c, nil
}

func (r *CaseRepository) FindOpen(ctx context.Context, groupID uuid.UUID) (*fraud.Case, error) {
	row := r.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM fraud_cases WHERE group_id = $1 AND status = 'open'`, groupID)
	c, err := scanCase(row)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapRepositoryError(err, "open case")
	}
	return c, nil
}

func (r *CaseRepository) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*fraud.Case, error) {
	rows, err := r.db.Query(ctx, `SELECT `+caseColumns+` FROM fraud_cases WHERE group_id = $1 ORDER BY opened_at, id`, groupID)
	if err != nil {
		return nil, WrapRepositoryError(err, "list cases")
	}
	defer rows.Close()

	var out []*fraud.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCase(row pgx.Row) (*fraud.Case, error) {
	var (
		c                        fraud.Case
		status, tier, openedTier string
		hash                     string
		verdictIDs               []byte
		openedAt, updatedAt      time.Time
		resolvedAt               *time.Time
	)
	err := row.Scan(
		&c.ID, &c.GroupID, &c.ClaimID, &status, &tier, &openedTier, &c.VerdictID,
		&hash, &verdictIDs, &c.Escalations, &openedAt, &updatedAt,
		&resolvedAt, &c.ResolutionNote)
	if err != nil {
		return nil, err
	}

	c.Status = fraud.CaseStatus(status)
	c.Tier = fraud.Tier(tier)
	c.OpenedTier = fraud.Tier(openedTier)
	if c.ContentHash, err = values.NewHashValue(hash); err != nil {
		return nil, fmt.Errorf("case %s content hash: %w", c.ID, err)
	}
	if err := json.Unmarshal(verdictIDs, &c.VerdictIDs); err != nil {
		return nil, fmt.Errorf("case %s verdict ids: %w", c.ID, err)
	}
	c.OpenedAt = openedAt.UTC()
	c.UpdatedAt = updatedAt.UTC()
	if resolvedAt != nil {
		t := resolvedAt.UTC()
		c.ResolvedAt = &t
	}
	return &c, nil
}
