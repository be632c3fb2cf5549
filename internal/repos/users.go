package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-crm/internal/models"
)

type UsersRepo struct {
	pool *pgxpool.Pool
}

func NewUsersRepo(pool *pgxpool.Pool) *UsersRepo {
	return &UsersRepo{pool: pool}
}

// AutomationActor resolves the user automation side effects are attributed
// to: the organization's synthetic automation user when present, otherwise
// the owner. pgx.ErrNoRows means the organization has neither, which is a
// hard configuration failure for actions that need an actor.
func (r *UsersRepo) AutomationActor(ctx context.Context, orgID uuid.UUID) (models.User, error) {
	var user models.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, org_id, email, display_name, role, created_at
		FROM users
		WHERE org_id = $1 AND role IN ($2, $3)
		ORDER BY CASE role WHEN $2 THEN 0 ELSE 1 END, created_at ASC
		LIMIT 1
	`, orgID, models.UserRoleAutomation, models.UserRoleOwner).
		Scan(&user.UserID, &user.OrgID, &user.Email, &user.DisplayName, &user.Role, &user.CreatedAt)
	return user, err
}

func (r *UsersRepo) GetUserByID(ctx context.Context, orgID uuid.UUID, userID uuid.UUID) (models.User, error) {
	var user models.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, org_id, email, display_name, role, created_at
		FROM users
		WHERE org_id = $1 AND user_id = $2
	`, orgID, userID).
		Scan(&user.UserID, &user.OrgID, &user.Email, &user.DisplayName, &user.Role, &user.CreatedAt)
	return user, err
}
