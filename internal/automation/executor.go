package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"relay-crm/internal/models"
	"relay-crm/shared/clients/messaging"
)

// ErrActionConfig marks the configuration error class: missing tenant
// resources, malformed configs, unknown action kinds. These do not self-heal
// on retry; the queue still retries them to the ceiling and then
// dead-letters the job for operator review.
var ErrActionConfig = errors.New("action configuration error")

// ActionType is the closed set of side effects a rule can perform.
type ActionType string

const (
	ActionSendMessage     ActionType = "SEND_MESSAGE"
	ActionAddTag          ActionType = "ADD_TAG"
	ActionStartSequence   ActionType = "START_SEQUENCE"
	ActionCreateDeal      ActionType = "CREATE_DEAL"
	ActionUpdateDealStage ActionType = "UPDATE_DEAL_STAGE"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionSendMessage, ActionAddTag, ActionStartSequence, ActionCreateDeal, ActionUpdateDealStage:
		return true
	}
	return false
}

// ActionContext parameterizes one action execution. Derived per firing from
// the event payload; never outlives the execution.
type ActionContext struct {
	OrgID     uuid.UUID
	ContactID uuid.UUID
	EventID   uuid.UUID
	RuleID    uuid.UUID
	DealID    uuid.UUID
	Variables map[string]string
}

// IdempotencyKey scopes created records to one (event, rule) firing so a
// retried job reuses the same key instead of duplicating the side effect.
func (c ActionContext) IdempotencyKey() string {
	return fmt.Sprintf("automation:%s:%s", c.EventID, c.RuleID)
}

// Action is one rule's side effect, built from its typed configuration.
type Action interface {
	Type() ActionType
	Execute(ctx context.Context, actx ActionContext) error
}

type ContactStore interface {
	AddTag(ctx context.Context, orgID uuid.UUID, contactID uuid.UUID, tag string) (bool, error)
}

type DealStore interface {
	InsertDeal(ctx context.Context, deal models.Deal) (models.Deal, bool, error)
	LatestOpenDeal(ctx context.Context, orgID uuid.UUID, contactID uuid.UUID) (models.Deal, error)
	UpdateStage(ctx context.Context, orgID uuid.UUID, dealID uuid.UUID, stageID uuid.UUID) (bool, error)
}

type PipelineStore interface {
	GetPipeline(ctx context.Context, orgID uuid.UUID, pipelineID uuid.UUID) (models.Pipeline, error)
	DefaultPipeline(ctx context.Context, orgID uuid.UUID) (models.Pipeline, error)
	FirstStage(ctx context.Context, pipelineID uuid.UUID) (models.PipelineStage, error)
	GetStage(ctx context.Context, pipelineID uuid.UUID, stageID uuid.UUID) (models.PipelineStage, error)
}

type SequenceStore interface {
	GetSequence(ctx context.Context, orgID uuid.UUID, sequenceID uuid.UUID) (models.Sequence, error)
	Enroll(ctx context.Context, enrollment models.SequenceEnrollment) (models.SequenceEnrollment, bool, error)
}

type ActorStore interface {
	AutomationActor(ctx context.Context, orgID uuid.UUID) (models.User, error)
}

type ActivityStore interface {
	Insert(ctx context.Context, activity models.Activity) error
}

type Messenger interface {
	Send(ctx context.Context, req messaging.SendRequest) (messaging.SendResponse, error)
}

// Executor builds Action values from a rule's action kind and stored
// configuration. Each build decodes and validates the typed config up front
// so a malformed config surfaces as ErrActionConfig, not a panic mid-action.
type Executor struct {
	contacts   ContactStore
	deals      DealStore
	pipelines  PipelineStore
	sequences  SequenceStore
	actors     ActorStore
	activities ActivityStore
	messenger  Messenger
}

type ExecutorDeps struct {
	Contacts   ContactStore
	Deals      DealStore
	Pipelines  PipelineStore
	Sequences  SequenceStore
	Actors     ActorStore
	Activities ActivityStore
	Messenger  Messenger
}

func NewExecutor(deps ExecutorDeps) *Executor {
	return &Executor{
		contacts:   deps.Contacts,
		deals:      deps.Deals,
		pipelines:  deps.Pipelines,
		sequences:  deps.Sequences,
		actors:     deps.Actors,
		activities: deps.Activities,
		messenger:  deps.Messenger,
	}
}

func (e *Executor) Build(actionType ActionType, rawConfig json.RawMessage) (Action, error) {
	switch actionType {
	case ActionAddTag:
		var cfg AddTagConfig
		if err := decodeActionConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		if cfg.Tag == "" {
			return nil, fmt.Errorf("add tag: tag is required: %w", ErrActionConfig)
		}
		return &addTagAction{cfg: cfg, contacts: e.contacts}, nil

	case ActionCreateDeal:
		var cfg CreateDealConfig
		if err := decodeActionConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		return &createDealAction{cfg: cfg, deals: e.deals, pipelines: e.pipelines, actors: e.actors, activities: e.activities}, nil

	case ActionSendMessage:
		var cfg SendMessageConfig
		if err := decodeActionConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		if cfg.Template == "" {
			return nil, fmt.Errorf("send message: template is required: %w", ErrActionConfig)
		}
		return &sendMessageAction{cfg: cfg, messenger: e.messenger, actors: e.actors, activities: e.activities}, nil

	case ActionStartSequence:
		var cfg StartSequenceConfig
		if err := decodeActionConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		if cfg.SequenceID == uuid.Nil {
			return nil, fmt.Errorf("start sequence: sequence_id is required: %w", ErrActionConfig)
		}
		return &startSequenceAction{cfg: cfg, sequences: e.sequences, actors: e.actors}, nil

	case ActionUpdateDealStage:
		var cfg UpdateDealStageConfig
		if err := decodeActionConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		if cfg.StageID == uuid.Nil {
			return nil, fmt.Errorf("update deal stage: stage_id is required: %w", ErrActionConfig)
		}
		return &updateDealStageAction{cfg: cfg, deals: e.deals, pipelines: e.pipelines}, nil
	}
	return nil, fmt.Errorf("unknown action type %q: %w", actionType, ErrActionConfig)
}

func decodeActionConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode action config: %v: %w", err, ErrActionConfig)
	}
	return nil
}
