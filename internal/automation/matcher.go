package automation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"relay-crm/internal/models"
)

// Typed trigger refinements, one per event kind. A zero-valued field means
// "matches any value"; a populated field must equal the corresponding event
// data field.
type flowCompletedTrigger struct {
	FlowID string `json:"flow_id,omitempty"`
}

type dealStageChangedTrigger struct {
	PipelineID uuid.UUID `json:"pipeline_id,omitempty"`
	StageID    uuid.UUID `json:"stage_id,omitempty"`
}

type contactTagAddedTrigger struct {
	Tag string `json:"tag,omitempty"`
}

type contactCreatedTrigger struct {
	Source string `json:"source,omitempty"`
}

// SkippedRule records a candidate that could not be evaluated because its
// stored configuration did not decode. Skips are surfaced to the caller so
// they can be logged and counted; they never fail the job on their own.
type SkippedRule struct {
	Rule models.AutomationRule
	Err  error
}

// MatchRules applies trigger refinements to the candidate rules of one event
// and returns the rules to fire, in store order. Candidates from another
// organization never match regardless of their configuration. Zero matches
// is a normal outcome.
func MatchRules(env Envelope, candidates []models.AutomationRule) ([]models.AutomationRule, []SkippedRule) {
	matched := make([]models.AutomationRule, 0, len(candidates))
	var skipped []SkippedRule

	for _, rule := range candidates {
		if !rule.IsActive || rule.OrgID != env.OrgID || EventType(rule.TriggerType) != env.Type {
			continue
		}
		ok, err := ruleMatches(env, rule)
		if err != nil {
			skipped = append(skipped, SkippedRule{Rule: rule, Err: err})
			continue
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	return matched, skipped
}

func ruleMatches(env Envelope, rule models.AutomationRule) (bool, error) {
	switch env.Type {
	case EventFlowCompleted:
		var cfg flowCompletedTrigger
		if err := decodeTrigger(rule.TriggerConfig, &cfg); err != nil {
			return false, err
		}
		var data FlowCompletedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, fmt.Errorf("decode flow event data: %w", err)
		}
		return cfg.FlowID == "" || cfg.FlowID == data.FlowID, nil

	case EventDealStageChanged:
		var cfg dealStageChangedTrigger
		if err := decodeTrigger(rule.TriggerConfig, &cfg); err != nil {
			return false, err
		}
		var data DealStageChangedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, fmt.Errorf("decode deal event data: %w", err)
		}
		if cfg.PipelineID != uuid.Nil && cfg.PipelineID != data.PipelineID {
			return false, nil
		}
		if cfg.StageID != uuid.Nil && cfg.StageID != data.StageID {
			return false, nil
		}
		return true, nil

	case EventContactTagAdded:
		var cfg contactTagAddedTrigger
		if err := decodeTrigger(rule.TriggerConfig, &cfg); err != nil {
			return false, err
		}
		var data ContactTagAddedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, fmt.Errorf("decode tag event data: %w", err)
		}
		return cfg.Tag == "" || cfg.Tag == data.Tag, nil

	case EventContactCreated:
		var cfg contactCreatedTrigger
		if err := decodeTrigger(rule.TriggerConfig, &cfg); err != nil {
			return false, err
		}
		var data ContactCreatedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false, fmt.Errorf("decode contact event data: %w", err)
		}
		return cfg.Source == "" || cfg.Source == data.Source, nil
	}
	return false, fmt.Errorf("unknown event type %q", env.Type)
}

func decodeTrigger(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode trigger config: %w", err)
	}
	return nil
}
