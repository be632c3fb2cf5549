package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-crm/internal/models"
)

type ActivitiesRepo struct {
	pool *pgxpool.Pool
}

func NewActivitiesRepo(pool *pgxpool.Pool) *ActivitiesRepo {
	return &ActivitiesRepo{pool: pool}
}

func (r *ActivitiesRepo) Insert(ctx context.Context, activity models.Activity) error {
	if activity.ActivityID == uuid.Nil {
		activity.ActivityID = uuid.New()
	}
	if activity.OccurredAt.IsZero() {
		activity.OccurredAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activities (activity_id, org_id, contact_id, actor_user_id, activity_type, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, activity.ActivityID, activity.OrgID, activity.ContactID, activity.ActorUserID, activity.ActivityType, activity.Detail, activity.OccurredAt)
	return err
}

func (r *ActivitiesRepo) InsertBatch(ctx context.Context, entries []models.Activity) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range entries {
		entry := entries[i]
		if entry.ActivityID == uuid.Nil {
			entry.ActivityID = uuid.New()
		}
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO activities (activity_id, org_id, contact_id, actor_user_id, activity_type, detail, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, entry.ActivityID, entry.OrgID, entry.ContactID, entry.ActorUserID, entry.ActivityType, entry.Detail, entry.OccurredAt)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
