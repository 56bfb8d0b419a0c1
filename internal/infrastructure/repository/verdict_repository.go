package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
)

// VerdictRepository stores verdicts. Verdict IDs derive from content, so
// saving the same verdict twice is a no-op.
type VerdictRepository struct {
	db DBTX
}

func NewVerdictRepository(db DBTX) *VerdictRepository {
	return &VerdictRepository{db: db}
}

func (r *VerdictRepository) SaveVerdict(ctx context.Context, v *fraud.Verdict) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	query := `
		INSERT INTO verdicts (
			id, claim_id, group_id, claim_version, as_of_version,
			score, tier, score_tier, model_version, policy_version,
			reference_version, content_hash, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.Exec(ctx, query,
		v.ID, v.ClaimID, v.GroupID, int64(v.ClaimVersion), int64(v.AsOfVersion),
		v.Score, string(v.Tier), string(v.ScoreTier), v.ModelVersion, v.PolicyVersion,
		v.ReferenceVersion, v.ContentHash.String(), payload)
	if err != nil {
		return WrapRepositoryError(err, "save verdict")
	}
	return nil
}

func (r *VerdictRepository) Get(ctx context.Context, id uuid.UUID) (*fraud.Verdict, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT payload FROM verdicts WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		return nil, WrapRepositoryError(err, "verdict")
	}
	return decodeVerdict(payload)
}

// ListByClaim returns a claim's verdicts ordered by as-of version
func (r *VerdictRepository) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*fraud.Verdict, error) {
	rows, err := r.db.Query(ctx, `
		SELECT payload FROM verdicts
		WHERE claim_id = $1
		ORDER BY as_of_version, id
	`, claimID)
	if err != nil {
		return nil, WrapRepositoryError(err, "list verdicts")
	}
	defer rows.Close()

	var out []*fraud.Verdict
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}
		v, err := decodeVerdict(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func decodeVerdict(payload []byte) (*fraud.Verdict, error) {
	var v fraud.Verdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return &v, nil
}
