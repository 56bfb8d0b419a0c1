package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
)

// DBTX is satisfied by *pgxpool.Pool, *database.Pool and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ClaimVersionRepository is the durable claim version log behind the
// history index
type ClaimVersionRepository struct {
	db DBTX
}

func NewClaimVersionRepository(db DBTX) *ClaimVersionRepository {
	return &ClaimVersionRepository{db: db}
}

// AppendVersion inserts one version. Versions are never updated.
func (r *ClaimVersionRepository) AppendVersion(ctx context.Context, c *claim.Claim) error {
	if c.Version == 0 {
		return fmt.Errorf("claim %s has no version", c.ID)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal claim: %w", err)
	}

	query := `
		INSERT INTO claim_versions (
			version, claim_id, group_id, claim_number,
			patient_id, provider_id, status, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Exec(ctx, query,
		int64(c.Version), c.ID, c.GroupID, c.ClaimNumber,
		c.PatientID, c.ProviderID, string(c.Status), payload)
	if err != nil {
		return WrapRepositoryError(err, "append claim version")
	}
	return nil
}

// LoadVersions streams every version in ascending order
func (r *ClaimVersionRepository) LoadVersions(ctx context.Context, fn func(*claim.Claim) error) error {
	rows, err := r.db.Query(ctx, `SELECT version, payload FROM claim_versions ORDER BY version`)
	if err != nil {
		return WrapRepositoryError(err, "load claim versions")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			version int64
			payload []byte
		)
		if err := rows.Scan(&version, &payload); err != nil {
			return fmt.Errorf("failed to scan claim version: %w", err)
		}
		var c claim.Claim
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("failed to decode claim version %d: %w", version, err)
		}
		c.Version = uint64(version)
		if err := fn(&c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Head returns the highest persisted version, 0 when empty
func (r *ClaimVersionRepository) Head(ctx context.Context) (uint64, error) {
	var head int64
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM claim_versions`).Scan(&head); err != nil {
		return 0, WrapRepositoryError(err, "claim version head")
	}
	return uint64(head), nil
}
