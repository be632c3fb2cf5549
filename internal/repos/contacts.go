package repos

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-crm/internal/models"
)

var ErrEmptyTag = errors.New("tag must not be empty")

func normalizeTag(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", ErrEmptyTag
	}
	return tag, nil
}

type ContactsRepo struct {
	pool *pgxpool.Pool
}

func NewContactsRepo(pool *pgxpool.Pool) *ContactsRepo {
	return &ContactsRepo{pool: pool}
}

func (r *ContactsRepo) GetContact(ctx context.Context, orgID uuid.UUID, contactID uuid.UUID) (models.Contact, error) {
	var contact models.Contact
	err := r.pool.QueryRow(ctx, `
		SELECT contact_id, org_id, name, phone, tags, created_at, updated_at
		FROM contacts
		WHERE org_id = $1 AND contact_id = $2
	`, orgID, contactID).
		Scan(&contact.ContactID, &contact.OrgID, &contact.Name, &contact.Phone, &contact.Tags, &contact.CreatedAt, &contact.UpdatedAt)
	return contact, err
}

// AddTag appends tag to the contact's tag set. The guard keeps the column
// set-like: re-applying the same tag on a retried job is a no-op, so
// duplicates never accumulate. Single-row UPDATE, safe under concurrent
// workers.
func (r *ContactsRepo) AddTag(ctx context.Context, orgID uuid.UUID, contactID uuid.UUID, tag string) (bool, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return false, err
	}
	ct, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET tags = CASE WHEN $3 = ANY(tags) THEN tags ELSE array_append(tags, $3) END,
			updated_at = now()
		WHERE org_id = $1 AND contact_id = $2
	`, orgID, contactID, tag)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
