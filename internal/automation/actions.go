package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"relay-crm/internal/models"
	"relay-crm/shared/clients/messaging"
)

type AddTagConfig struct {
	Tag string `json:"tag"`
}

type CreateDealConfig struct {
	PipelineID uuid.UUID `json:"pipeline_id,omitempty"`
	StageID    uuid.UUID `json:"stage_id,omitempty"`
	Title      string    `json:"title,omitempty"`
}

type SendMessageConfig struct {
	Template string `json:"template"`
}

type StartSequenceConfig struct {
	SequenceID uuid.UUID `json:"sequence_id"`
}

type UpdateDealStageConfig struct {
	PipelineID uuid.UUID `json:"pipeline_id,omitempty"`
	StageID    uuid.UUID `json:"stage_id"`
}

type addTagAction struct {
	cfg      AddTagConfig
	contacts ContactStore
}

func (a *addTagAction) Type() ActionType { return ActionAddTag }

func (a *addTagAction) Execute(ctx context.Context, actx ActionContext) error {
	if actx.ContactID == uuid.Nil {
		return fmt.Errorf("add tag: event carries no contact: %w", ErrActionConfig)
	}
	updated, err := a.contacts.AddTag(ctx, actx.OrgID, actx.ContactID, a.cfg.Tag)
	if err != nil {
		return fmt.Errorf("add tag %q: %w", a.cfg.Tag, err)
	}
	if !updated {
		return fmt.Errorf("add tag: contact %s not found: %w", actx.ContactID, ErrActionConfig)
	}
	return nil
}

type createDealAction struct {
	cfg        CreateDealConfig
	deals      DealStore
	pipelines  PipelineStore
	actors     ActorStore
	activities ActivityStore
}

func (a *createDealAction) Type() ActionType { return ActionCreateDeal }

func (a *createDealAction) Execute(ctx context.Context, actx ActionContext) error {
	if actx.ContactID == uuid.Nil {
		return fmt.Errorf("create deal: event carries no contact: %w", ErrActionConfig)
	}

	var pipeline models.Pipeline
	var err error
	if a.cfg.PipelineID != uuid.Nil {
		pipeline, err = a.pipelines.GetPipeline(ctx, actx.OrgID, a.cfg.PipelineID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("create deal: pipeline %s not found: %w", a.cfg.PipelineID, ErrActionConfig)
		}
	} else {
		pipeline, err = a.pipelines.DefaultPipeline(ctx, actx.OrgID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("create deal: no pipeline found: %w", ErrActionConfig)
		}
	}
	if err != nil {
		return fmt.Errorf("create deal: resolve pipeline: %w", err)
	}

	stageID := a.cfg.StageID
	if stageID == uuid.Nil {
		stage, err := a.pipelines.FirstStage(ctx, pipeline.PipelineID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("create deal: pipeline %s has no stages: %w", pipeline.PipelineID, ErrActionConfig)
		}
		if err != nil {
			return fmt.Errorf("create deal: resolve stage: %w", err)
		}
		stageID = stage.StageID
	}

	actor, err := a.actors.AutomationActor(ctx, actx.OrgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("create deal: no automation actor for organization: %w", ErrActionConfig)
	}
	if err != nil {
		return fmt.Errorf("create deal: resolve actor: %w", err)
	}

	title := a.cfg.Title
	if title == "" {
		title = "Automated deal"
	}
	deal, created, err := a.deals.InsertDeal(ctx, models.Deal{
		OrgID:          actx.OrgID,
		ContactID:      actx.ContactID,
		PipelineID:     pipeline.PipelineID,
		StageID:        stageID,
		Title:          title,
		OwnerUserID:    actor.UserID,
		IdempotencyKey: actx.IdempotencyKey(),
	})
	if err != nil {
		return fmt.Errorf("create deal: insert: %w", err)
	}
	if created && a.activities != nil {
		detail, _ := json.Marshal(map[string]string{"deal_id": deal.DealID.String(), "rule_id": actx.RuleID.String()})
		_ = a.activities.Insert(ctx, models.Activity{
			OrgID:        actx.OrgID,
			ContactID:    actx.ContactID,
			ActorUserID:  actor.UserID,
			ActivityType: "deal_created",
			Detail:       detail,
		})
	}
	return nil
}

type sendMessageAction struct {
	cfg        SendMessageConfig
	messenger  Messenger
	actors     ActorStore
	activities ActivityStore
}

func (a *sendMessageAction) Type() ActionType { return ActionSendMessage }

func (a *sendMessageAction) Execute(ctx context.Context, actx ActionContext) error {
	if actx.ContactID == uuid.Nil {
		return fmt.Errorf("send message: event carries no contact: %w", ErrActionConfig)
	}

	actor, err := a.actors.AutomationActor(ctx, actx.OrgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("send message: no automation actor for organization: %w", ErrActionConfig)
	}
	if err != nil {
		return fmt.Errorf("send message: resolve actor: %w", err)
	}

	body := RenderTemplate(a.cfg.Template, actx.Variables)
	resp, err := a.messenger.Send(ctx, messaging.SendRequest{
		OrganizationID: actx.OrgID.String(),
		ContactID:      actx.ContactID.String(),
		Body:           body,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	if a.activities != nil {
		detail, _ := json.Marshal(map[string]string{"message_id": resp.MessageID, "rule_id": actx.RuleID.String()})
		_ = a.activities.Insert(ctx, models.Activity{
			OrgID:        actx.OrgID,
			ContactID:    actx.ContactID,
			ActorUserID:  actor.UserID,
			ActivityType: "message_sent",
			Detail:       detail,
		})
	}
	return nil
}

type startSequenceAction struct {
	cfg       StartSequenceConfig
	sequences SequenceStore
	actors    ActorStore
}

func (a *startSequenceAction) Type() ActionType { return ActionStartSequence }

func (a *startSequenceAction) Execute(ctx context.Context, actx ActionContext) error {
	if actx.ContactID == uuid.Nil {
		return fmt.Errorf("start sequence: event carries no contact: %w", ErrActionConfig)
	}

	seq, err := a.sequences.GetSequence(ctx, actx.OrgID, a.cfg.SequenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("start sequence: sequence %s not found: %w", a.cfg.SequenceID, ErrActionConfig)
	}
	if err != nil {
		return fmt.Errorf("start sequence: resolve sequence: %w", err)
	}
	if !seq.IsActive {
		return fmt.Errorf("start sequence: sequence %s is inactive: %w", seq.SequenceID, ErrActionConfig)
	}

	actor, err := a.actors.AutomationActor(ctx, actx.OrgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("start sequence: no automation actor for organization: %w", ErrActionConfig)
	}
	if err != nil {
		return fmt.Errorf("start sequence: resolve actor: %w", err)
	}

	_, _, err = a.sequences.Enroll(ctx, models.SequenceEnrollment{
		OrgID:      actx.OrgID,
		SequenceID: seq.SequenceID,
		ContactID:  actx.ContactID,
		EnrolledBy: actor.UserID,
	})
	if err != nil {
		return fmt.Errorf("start sequence: enroll: %w", err)
	}
	return nil
}

type updateDealStageAction struct {
	cfg       UpdateDealStageConfig
	deals     DealStore
	pipelines PipelineStore
}

func (a *updateDealStageAction) Type() ActionType { return ActionUpdateDealStage }

func (a *updateDealStageAction) Execute(ctx context.Context, actx ActionContext) error {
	dealID := actx.DealID
	if dealID == uuid.Nil {
		if actx.ContactID == uuid.Nil {
			return fmt.Errorf("update deal stage: event names no deal or contact: %w", ErrActionConfig)
		}
		deal, err := a.deals.LatestOpenDeal(ctx, actx.OrgID, actx.ContactID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update deal stage: contact %s has no open deal: %w", actx.ContactID, ErrActionConfig)
		}
		if err != nil {
			return fmt.Errorf("update deal stage: resolve deal: %w", err)
		}
		dealID = deal.DealID
	}

	if a.cfg.PipelineID != uuid.Nil {
		if _, err := a.pipelines.GetStage(ctx, a.cfg.PipelineID, a.cfg.StageID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("update deal stage: stage %s not in pipeline %s: %w", a.cfg.StageID, a.cfg.PipelineID, ErrActionConfig)
			}
			return fmt.Errorf("update deal stage: validate stage: %w", err)
		}
	}

	updated, err := a.deals.UpdateStage(ctx, actx.OrgID, dealID, a.cfg.StageID)
	if err != nil {
		return fmt.Errorf("update deal stage: %w", err)
	}
	if !updated {
		return fmt.Errorf("update deal stage: deal %s not found: %w", dealID, ErrActionConfig)
	}
	return nil
}

// RenderTemplate substitutes {{name}} placeholders with event variables.
// Unknown placeholders render as empty strings, matching how the flow
// builder treats unset variables.
func RenderTemplate(tpl string, vars map[string]string) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	var b strings.Builder
	rest := tpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[open:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		name := strings.TrimSpace(rest[open+2 : open+end])
		b.WriteString(vars[name])
		rest = rest[open+end+2:]
	}
}
