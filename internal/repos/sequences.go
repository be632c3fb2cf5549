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

type SequencesRepo struct {
	pool *pgxpool.Pool
}

func NewSequencesRepo(pool *pgxpool.Pool) *SequencesRepo {
	return &SequencesRepo{pool: pool}
}

func (r *SequencesRepo) GetSequence(ctx context.Context, orgID uuid.UUID, sequenceID uuid.UUID) (models.Sequence, error) {
	var seq models.Sequence
	err := r.pool.QueryRow(ctx, `
		SELECT sequence_id, org_id, name, is_active, created_at
		FROM sequences
		WHERE org_id = $1 AND sequence_id = $2
	`, orgID, sequenceID).
		Scan(&seq.SequenceID, &seq.OrgID, &seq.Name, &seq.IsActive, &seq.CreatedAt)
	return seq, err
}

// Enroll adds a contact to a sequence once. The unique key on
// (sequence_id, contact_id) makes re-enrollment on a retried job a no-op.
func (r *SequencesRepo) Enroll(ctx context.Context, enrollment models.SequenceEnrollment) (models.SequenceEnrollment, bool, error) {
	if enrollment.EnrollmentID == uuid.Nil {
		enrollment.EnrollmentID = uuid.New()
	}
	now := time.Now().UTC()

	err := r.pool.QueryRow(ctx, `
		INSERT INTO sequence_enrollments (enrollment_id, org_id, sequence_id, contact_id, enrolled_by, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence_id, contact_id) DO NOTHING
		RETURNING enrollment_id, org_id, sequence_id, contact_id, enrolled_by, enrolled_at
	`, enrollment.EnrollmentID, enrollment.OrgID, enrollment.SequenceID, enrollment.ContactID, enrollment.EnrolledBy, now).
		Scan(&enrollment.EnrollmentID, &enrollment.OrgID, &enrollment.SequenceID, &enrollment.ContactID, &enrollment.EnrolledBy, &enrollment.EnrolledAt)
	if err == nil {
		return enrollment, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.SequenceEnrollment{}, false, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT enrollment_id, org_id, sequence_id, contact_id, enrolled_by, enrolled_at
		FROM sequence_enrollments
		WHERE sequence_id = $1 AND contact_id = $2
	`, enrollment.SequenceID, enrollment.ContactID).
		Scan(&enrollment.EnrollmentID, &enrollment.OrgID, &enrollment.SequenceID, &enrollment.ContactID, &enrollment.EnrolledBy, &enrollment.EnrolledAt)
	if err != nil {
		return models.SequenceEnrollment{}, false, err
	}
	return enrollment, false, nil
}
