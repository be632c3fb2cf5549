package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-crm/internal/models"
)

type RulesRepo struct {
	pool *pgxpool.Pool
}

func NewRulesRepo(pool *pgxpool.Pool) *RulesRepo {
	return &RulesRepo{pool: pool}
}

// FindActiveRules returns the active rules for one organization and trigger
// type, in creation order. The automation engine is read-only over rules;
// authoring happens in the web layer.
func (r *RulesRepo) FindActiveRules(ctx context.Context, orgID uuid.UUID, triggerType string) ([]models.AutomationRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rule_id, org_id, name, is_active, trigger_type, trigger_config, action_type, action_config, created_at, updated_at
		FROM automation_rules
		WHERE org_id = $1 AND is_active = TRUE AND trigger_type = $2
		ORDER BY created_at ASC
	`, orgID, triggerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]models.AutomationRule, 0, 8)
	for rows.Next() {
		var rule models.AutomationRule
		if err := rows.Scan(
			&rule.RuleID, &rule.OrgID, &rule.Name, &rule.IsActive, &rule.TriggerType,
			&rule.TriggerConfig, &rule.ActionType, &rule.ActionConfig, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
