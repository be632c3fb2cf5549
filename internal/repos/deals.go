package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-crm/internal/models"
)

type DealsRepo struct {
	pool *pgxpool.Pool
}

func NewDealsRepo(pool *pgxpool.Pool) *DealsRepo {
	return &DealsRepo{pool: pool}
}

// InsertDeal creates a deal keyed by (org_id, idempotency_key). A retried
// job reuses the same key, so the second insert is a no-op and the existing
// row is returned with created=false.
func (r *DealsRepo) InsertDeal(ctx context.Context, deal models.Deal) (models.Deal, bool, error) {
	return insertDeal(ctx, r.pool, deal)
}

func insertDeal(ctx context.Context, db DBTX, deal models.Deal) (models.Deal, bool, error) {
	if deal.DealID == uuid.Nil {
		deal.DealID = uuid.New()
	}
	if deal.Status == "" {
		deal.Status = models.DealStatusOpen
	}
	now := time.Now().UTC()

	err := db.QueryRow(ctx, `
		INSERT INTO deals (deal_id, org_id, contact_id, pipeline_id, stage_id, title, status, owner_user_id, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (org_id, idempotency_key) DO NOTHING
		RETURNING deal_id, org_id, contact_id, pipeline_id, stage_id, title, status, owner_user_id, idempotency_key, created_at, updated_at
	`, deal.DealID, deal.OrgID, deal.ContactID, deal.PipelineID, deal.StageID, deal.Title, deal.Status, deal.OwnerUserID, deal.IdempotencyKey, now).
		Scan(&deal.DealID, &deal.OrgID, &deal.ContactID, &deal.PipelineID, &deal.StageID, &deal.Title, &deal.Status, &deal.OwnerUserID, &deal.IdempotencyKey, &deal.CreatedAt, &deal.UpdatedAt)
	if err == nil {
		return deal, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Deal{}, false, err
	}

	err = db.QueryRow(ctx, `
		SELECT deal_id, org_id, contact_id, pipeline_id, stage_id, title, status, owner_user_id, idempotency_key, created_at, updated_at
		FROM deals
		WHERE org_id = $1 AND idempotency_key = $2
	`, deal.OrgID, deal.IdempotencyKey).
		Scan(&deal.DealID, &deal.OrgID, &deal.ContactID, &deal.PipelineID, &deal.StageID, &deal.Title, &deal.Status, &deal.OwnerUserID, &deal.IdempotencyKey, &deal.CreatedAt, &deal.UpdatedAt)
	if err != nil {
		return models.Deal{}, false, err
	}
	return deal, false, nil
}

func (r *DealsRepo) GetDeal(ctx context.Context, orgID uuid.UUID, dealID uuid.UUID) (models.Deal, error) {
	var deal models.Deal
	err := r.pool.QueryRow(ctx, `
		SELECT deal_id, org_id, contact_id, pipeline_id, stage_id, title, status, owner_user_id, idempotency_key, created_at, updated_at
		FROM deals
		WHERE org_id = $1 AND deal_id = $2
	`, orgID, dealID).
		Scan(&deal.DealID, &deal.OrgID, &deal.ContactID, &deal.PipelineID, &deal.StageID, &deal.Title, &deal.Status, &deal.OwnerUserID, &deal.IdempotencyKey, &deal.CreatedAt, &deal.UpdatedAt)
	return deal, err
}

// LatestOpenDeal finds the newest open deal for a contact, used when an
// UPDATE_DEAL_STAGE rule fires on an event that does not name a deal.
func (r *DealsRepo) LatestOpenDeal(ctx context.Context, orgID uuid.UUID, contactID uuid.UUID) (models.Deal, error) {
	var deal models.Deal
	err := r.pool.QueryRow(ctx, `
		SELECT deal_id, org_id, contact_id, pipeline_id, stage_id, title, status, owner_user_id, idempotency_key, created_at, updated_at
		FROM deals
		WHERE org_id = $1 AND contact_id = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, orgID, contactID, models.DealStatusOpen).
		Scan(&deal.DealID, &deal.OrgID, &deal.ContactID, &deal.PipelineID, &deal.StageID, &deal.Title, &deal.Status, &deal.OwnerUserID, &deal.IdempotencyKey, &deal.CreatedAt, &deal.UpdatedAt)
	return deal, err
}

// UpdateStage moves a deal to a new stage. Single-row UPDATE; the store's
// row atomicity makes re-application on a retried job harmless.
func (r *DealsRepo) UpdateStage(ctx context.Context, orgID uuid.UUID, dealID uuid.UUID, stageID uuid.UUID) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
		UPDATE deals
		SET stage_id = $3, updated_at = now()
		WHERE org_id = $1 AND deal_id = $2
	`, orgID, dealID, stageID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
