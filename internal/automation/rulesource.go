package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relay-crm/internal/models"
	"relay-crm/shared/cachex"
)

// RuleSource yields the candidate rules for one (organization, trigger) pair.
type RuleSource interface {
	ActiveRules(ctx context.Context, orgID uuid.UUID, trigger EventType) ([]models.AutomationRule, error)
}

// RuleFinder is the store-side contract, satisfied by repos.RulesRepo.
type RuleFinder interface {
	FindActiveRules(ctx context.Context, orgID uuid.UUID, triggerType string) ([]models.AutomationRule, error)
}

// CachedRuleSource fronts the rule store with a short-TTL redis cache. Rule
// authoring happens in the web layer with no invalidation hook into the
// engine, so staleness is bounded by the TTL. A nil cache client degrades to
// store-only reads.
type CachedRuleSource struct {
	store RuleFinder
	cache *cachex.Client
	ttl   time.Duration
}

func NewCachedRuleSource(store RuleFinder, cache *cachex.Client, ttl time.Duration) *CachedRuleSource {
	return &CachedRuleSource{store: store, cache: cache, ttl: ttl}
}

func (s *CachedRuleSource) ActiveRules(ctx context.Context, orgID uuid.UUID, trigger EventType) ([]models.AutomationRule, error) {
	key := ruleCacheKey(orgID, trigger)
	if s.cache != nil {
		var cached []models.AutomationRule
		if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	rules, err := s.store.FindActiveRules(ctx, orgID, string(trigger))
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, key, rules, s.ttl)
	}
	return rules, nil
}

func ruleCacheKey(orgID uuid.UUID, trigger EventType) string {
	return fmt.Sprintf("automation:rules:%s:%s", orgID, trigger)
}
