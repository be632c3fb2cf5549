package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-crm/internal/models"
)

type PipelinesRepo struct {
	pool *pgxpool.Pool
}

func NewPipelinesRepo(pool *pgxpool.Pool) *PipelinesRepo {
	return &PipelinesRepo{pool: pool}
}

func (r *PipelinesRepo) GetPipeline(ctx context.Context, orgID uuid.UUID, pipelineID uuid.UUID) (models.Pipeline, error) {
	var p models.Pipeline
	err := r.pool.QueryRow(ctx, `
		SELECT pipeline_id, org_id, name, is_default, created_at
		FROM pipelines
		WHERE org_id = $1 AND pipeline_id = $2
	`, orgID, pipelineID).
		Scan(&p.PipelineID, &p.OrgID, &p.Name, &p.IsDefault, &p.CreatedAt)
	return p, err
}

// DefaultPipeline returns the organization's default pipeline, falling back
// to the oldest one when none is flagged. pgx.ErrNoRows means the
// organization has no pipelines at all.
func (r *PipelinesRepo) DefaultPipeline(ctx context.Context, orgID uuid.UUID) (models.Pipeline, error) {
	var p models.Pipeline
	err := r.pool.QueryRow(ctx, `
		SELECT pipeline_id, org_id, name, is_default, created_at
		FROM pipelines
		WHERE org_id = $1
		ORDER BY is_default DESC, created_at ASC
		LIMIT 1
	`, orgID).
		Scan(&p.PipelineID, &p.OrgID, &p.Name, &p.IsDefault, &p.CreatedAt)
	return p, err
}

func (r *PipelinesRepo) FirstStage(ctx context.Context, pipelineID uuid.UUID) (models.PipelineStage, error) {
	var s models.PipelineStage
	err := r.pool.QueryRow(ctx, `
		SELECT stage_id, pipeline_id, name, position
		FROM pipeline_stages
		WHERE pipeline_id = $1
		ORDER BY position ASC
		LIMIT 1
	`, pipelineID).
		Scan(&s.StageID, &s.PipelineID, &s.Name, &s.Position)
	return s, err
}

func (r *PipelinesRepo) GetStage(ctx context.Context, pipelineID uuid.UUID, stageID uuid.UUID) (models.PipelineStage, error) {
	var s models.PipelineStage
	err := r.pool.QueryRow(ctx, `
		SELECT stage_id, pipeline_id, name, position
		FROM pipeline_stages
		WHERE pipeline_id = $1 AND stage_id = $2
	`, pipelineID, stageID).
		Scan(&s.StageID, &s.PipelineID, &s.Name, &s.Position)
	return s, err
}
