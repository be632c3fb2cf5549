package automation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"relay-crm/internal/models"
	"relay-crm/shared/clients/messaging"
)

type fakeContacts struct {
	tags  map[uuid.UUID][]string
	known map[uuid.UUID]bool
	err   error
}

func (f *fakeContacts) AddTag(ctx context.Context, orgID uuid.UUID, contactID uuid.UUID, tag string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if !f.known[contactID] {
		return false, nil
	}
	for _, existing := range f.tags[contactID] {
		if existing == tag {
			return true, nil
		}
	}
	if f.tags == nil {
		f.tags = map[uuid.UUID][]string{}
	}
	f.tags[contactID] = append(f.tags[contactID], tag)
	return true, nil
}

type fakeDeals struct {
	byKey    map[string]models.Deal
	open     map[uuid.UUID]models.Deal
	stages   map[uuid.UUID]uuid.UUID
	inserted int
}

func (f *fakeDeals) InsertDeal(ctx context.Context, deal models.Deal) (models.Deal, bool, error) {
	if existing, ok := f.byKey[deal.IdempotencyKey]; ok {
		return existing, false, nil
	}
	deal.DealID = uuid.New()
	if f.byKey == nil {
		f.byKey = map[string]models.Deal{}
	}
	f.byKey[deal.IdempotencyKey] = deal
	f.inserted++
	return deal, true, nil
}

func (f *fakeDeals) LatestOpenDeal(ctx context.Context, orgID uuid.UUID, contactID uuid.UUID) (models.Deal, error) {
	deal, ok := f.open[contactID]
	if !ok {
		return models.Deal{}, pgx.ErrNoRows
	}
	return deal, nil
}

func (f *fakeDeals) UpdateStage(ctx context.Context, orgID uuid.UUID, dealID uuid.UUID, stageID uuid.UUID) (bool, error) {
	if _, ok := f.stages[dealID]; !ok {
		return false, nil
	}
	f.stages[dealID] = stageID
	return true, nil
}

type fakePipelines struct {
	pipelines  map[uuid.UUID]models.Pipeline
	defaultone *models.Pipeline
	first      map[uuid.UUID]models.PipelineStage
	stages     map[uuid.UUID]map[uuid.UUID]models.PipelineStage
}

func (f *fakePipelines) GetPipeline(ctx context.Context, orgID uuid.UUID, pipelineID uuid.UUID) (models.Pipeline, error) {
	p, ok := f.pipelines[pipelineID]
	if !ok {
		return models.Pipeline{}, pgx.ErrNoRows
	}
	return p, nil
}

func (f *fakePipelines) DefaultPipeline(ctx context.Context, orgID uuid.UUID) (models.Pipeline, error) {
	if f.defaultone == nil {
		return models.Pipeline{}, pgx.ErrNoRows
	}
	return *f.defaultone, nil
}

func (f *fakePipelines) FirstStage(ctx context.Context, pipelineID uuid.UUID) (models.PipelineStage, error) {
	s, ok := f.first[pipelineID]
	if !ok {
		return models.PipelineStage{}, pgx.ErrNoRows
	}
	return s, nil
}

func (f *fakePipelines) GetStage(ctx context.Context, pipelineID uuid.UUID, stageID uuid.UUID) (models.PipelineStage, error) {
	s, ok := f.stages[pipelineID][stageID]
	if !ok {
		return models.PipelineStage{}, pgx.ErrNoRows
	}
	return s, nil
}

type fakeSequences struct {
	sequences   map[uuid.UUID]models.Sequence
	enrollments []models.SequenceEnrollment
}

func (f *fakeSequences) GetSequence(ctx context.Context, orgID uuid.UUID, sequenceID uuid.UUID) (models.Sequence, error) {
	s, ok := f.sequences[sequenceID]
	if !ok {
		return models.Sequence{}, pgx.ErrNoRows
	}
	return s, nil
}

func (f *fakeSequences) Enroll(ctx context.Context, enrollment models.SequenceEnrollment) (models.SequenceEnrollment, bool, error) {
	for _, e := range f.enrollments {
		if e.SequenceID == enrollment.SequenceID && e.ContactID == enrollment.ContactID {
			return e, false, nil
		}
	}
	f.enrollments = append(f.enrollments, enrollment)
	return enrollment, true, nil
}

type fakeActors struct {
	actor models.User
	err   error
}

func (f *fakeActors) AutomationActor(ctx context.Context, orgID uuid.UUID) (models.User, error) {
	if f.err != nil {
		return models.User{}, f.err
	}
	return f.actor, nil
}

type fakeActivities struct {
	entries []models.Activity
}

func (f *fakeActivities) Insert(ctx context.Context, activity models.Activity) error {
	f.entries = append(f.entries, activity)
	return nil
}

type fakeMessenger struct {
	sent []messaging.SendRequest
	err  error
}

func (f *fakeMessenger) Send(ctx context.Context, req messaging.SendRequest) (messaging.SendResponse, error) {
	if f.err != nil {
		return messaging.SendResponse{}, f.err
	}
	f.sent = append(f.sent, req)
	return messaging.SendResponse{MessageID: "m-1", Status: "queued"}, nil
}

func testActionContext(orgID uuid.UUID, contactID uuid.UUID) ActionContext {
	return ActionContext{
		OrgID:     orgID,
		ContactID: contactID,
		EventID:   uuid.New(),
		RuleID:    uuid.New(),
	}
}

func TestBuildRejectsUnknownAction(t *testing.T) {
	e := NewExecutor(ExecutorDeps{})
	_, err := e.Build(ActionType("DELETE_CONTACT"), nil)
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestBuildRejectsMalformedConfig(t *testing.T) {
	e := NewExecutor(ExecutorDeps{})
	_, err := e.Build(ActionAddTag, json.RawMessage(`{"tag":`))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
	_, err = e.Build(ActionAddTag, json.RawMessage(`{}`))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a missing tag to be a configuration error, got %v", err)
	}
}

func TestAddTagIsRepeatable(t *testing.T) {
	orgID := uuid.New()
	contactID := uuid.New()
	contacts := &fakeContacts{known: map[uuid.UUID]bool{contactID: true}}
	e := NewExecutor(ExecutorDeps{Contacts: contacts})

	action, err := e.Build(ActionAddTag, json.RawMessage(`{"tag":"vip"}`))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	actx := testActionContext(orgID, contactID)
	for i := 0; i < 3; i++ {
		if err := action.Execute(context.Background(), actx); err != nil {
			t.Fatalf("execute %d failed: %v", i, err)
		}
	}
	if got := contacts.tags[contactID]; len(got) != 1 || got[0] != "vip" {
		t.Fatalf("repeated executions must leave a single tag, got %v", got)
	}
}

func TestAddTagMissingContactIsConfigError(t *testing.T) {
	e := NewExecutor(ExecutorDeps{Contacts: &fakeContacts{}})
	action, _ := e.Build(ActionAddTag, json.RawMessage(`{"tag":"vip"}`))

	err := action.Execute(context.Background(), testActionContext(uuid.New(), uuid.New()))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error for an unknown contact, got %v", err)
	}
}

func TestAddTagStoreFailureIsNotConfigError(t *testing.T) {
	e := NewExecutor(ExecutorDeps{Contacts: &fakeContacts{err: errors.New("connection reset")}})
	action, _ := e.Build(ActionAddTag, json.RawMessage(`{"tag":"vip"}`))

	err := action.Execute(context.Background(), testActionContext(uuid.New(), uuid.New()))
	if err == nil || errors.Is(err, ErrActionConfig) {
		t.Fatalf("a store failure must stay retryable, got %v", err)
	}
}

func TestCreateDealUsesDefaultPipelineAndActor(t *testing.T) {
	orgID := uuid.New()
	contactID := uuid.New()
	pipeline := models.Pipeline{PipelineID: uuid.New(), OrgID: orgID, IsDefault: true}
	stage := models.PipelineStage{StageID: uuid.New(), PipelineID: pipeline.PipelineID}
	actor := models.User{UserID: uuid.New(), OrgID: orgID, Role: models.UserRoleAutomation}

	deals := &fakeDeals{}
	activities := &fakeActivities{}
	e := NewExecutor(ExecutorDeps{
		Deals:      deals,
		Pipelines:  &fakePipelines{defaultone: &pipeline, first: map[uuid.UUID]models.PipelineStage{pipeline.PipelineID: stage}},
		Actors:     &fakeActors{actor: actor},
		Activities: activities,
	})

	action, err := e.Build(ActionCreateDeal, json.RawMessage(`{"title":"Upgrade"}`))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	actx := testActionContext(orgID, contactID)
	if err := action.Execute(context.Background(), actx); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	deal, ok := deals.byKey[actx.IdempotencyKey()]
	if !ok {
		t.Fatalf("deal not keyed by the firing's idempotency key")
	}
	if deal.PipelineID != pipeline.PipelineID || deal.StageID != stage.StageID {
		t.Fatalf("deal not placed on the default pipeline's first stage: %+v", deal)
	}
	if deal.OwnerUserID != actor.UserID {
		t.Fatalf("deal not owned by the automation actor")
	}
	if deal.Title != "Upgrade" {
		t.Fatalf("unexpected title %q", deal.Title)
	}
	if len(activities.entries) != 1 || activities.entries[0].ActivityType != "deal_created" {
		t.Fatalf("expected one deal_created activity, got %+v", activities.entries)
	}
}

func TestCreateDealIsRepeatable(t *testing.T) {
	orgID := uuid.New()
	pipeline := models.Pipeline{PipelineID: uuid.New(), OrgID: orgID, IsDefault: true}
	stage := models.PipelineStage{StageID: uuid.New(), PipelineID: pipeline.PipelineID}

	deals := &fakeDeals{}
	activities := &fakeActivities{}
	e := NewExecutor(ExecutorDeps{
		Deals:      deals,
		Pipelines:  &fakePipelines{defaultone: &pipeline, first: map[uuid.UUID]models.PipelineStage{pipeline.PipelineID: stage}},
		Actors:     &fakeActors{actor: models.User{UserID: uuid.New()}},
		Activities: activities,
	})

	action, _ := e.Build(ActionCreateDeal, nil)
	actx := testActionContext(orgID, uuid.New())
	for i := 0; i < 3; i++ {
		if err := action.Execute(context.Background(), actx); err != nil {
			t.Fatalf("execute %d failed: %v", i, err)
		}
	}
	if deals.inserted != 1 {
		t.Fatalf("retried executions must create one deal, got %d", deals.inserted)
	}
	if len(activities.entries) != 1 {
		t.Fatalf("retried executions must log one activity, got %d", len(activities.entries))
	}
}

func TestCreateDealWithoutPipelinesIsConfigError(t *testing.T) {
	e := NewExecutor(ExecutorDeps{
		Deals:     &fakeDeals{},
		Pipelines: &fakePipelines{},
		Actors:    &fakeActors{actor: models.User{UserID: uuid.New()}},
	})
	action, _ := e.Build(ActionCreateDeal, nil)

	err := action.Execute(context.Background(), testActionContext(uuid.New(), uuid.New()))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error when the organization has no pipelines, got %v", err)
	}
}

func TestCreateDealWithoutActorIsConfigError(t *testing.T) {
	orgID := uuid.New()
	pipeline := models.Pipeline{PipelineID: uuid.New(), OrgID: orgID, IsDefault: true}
	stage := models.PipelineStage{StageID: uuid.New(), PipelineID: pipeline.PipelineID}
	e := NewExecutor(ExecutorDeps{
		Deals:     &fakeDeals{},
		Pipelines: &fakePipelines{defaultone: &pipeline, first: map[uuid.UUID]models.PipelineStage{pipeline.PipelineID: stage}},
		Actors:    &fakeActors{err: pgx.ErrNoRows},
	})
	action, _ := e.Build(ActionCreateDeal, nil)

	err := action.Execute(context.Background(), testActionContext(orgID, uuid.New()))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error when no actor exists, got %v", err)
	}
}

func TestSendMessageRendersTemplate(t *testing.T) {
	orgID := uuid.New()
	contactID := uuid.New()
	messenger := &fakeMessenger{}
	e := NewExecutor(ExecutorDeps{
		Messenger: messenger,
		Actors:    &fakeActors{actor: models.User{UserID: uuid.New()}},
	})

	action, err := e.Build(ActionSendMessage, json.RawMessage(`{"template":"Hi {{name}}, thanks!"}`))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	actx := testActionContext(orgID, contactID)
	actx.Variables = map[string]string{"name": "Ada"}
	if err := action.Execute(context.Background(), actx); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if len(messenger.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(messenger.sent))
	}
	if messenger.sent[0].Body != "Hi Ada, thanks!" {
		t.Fatalf("unexpected body %q", messenger.sent[0].Body)
	}
	if messenger.sent[0].ContactID != contactID.String() {
		t.Fatalf("message addressed to the wrong contact")
	}
}

func TestSendMessageGatewayFailureStaysRetryable(t *testing.T) {
	e := NewExecutor(ExecutorDeps{
		Messenger: &fakeMessenger{err: errors.New("gateway timeout")},
		Actors:    &fakeActors{actor: models.User{UserID: uuid.New()}},
	})
	action, _ := e.Build(ActionSendMessage, json.RawMessage(`{"template":"hi"}`))

	err := action.Execute(context.Background(), testActionContext(uuid.New(), uuid.New()))
	if err == nil || errors.Is(err, ErrActionConfig) {
		t.Fatalf("a gateway failure must stay retryable, got %v", err)
	}
}

func TestStartSequenceEnrollsOnce(t *testing.T) {
	orgID := uuid.New()
	contactID := uuid.New()
	seq := models.Sequence{SequenceID: uuid.New(), OrgID: orgID, IsActive: true}
	sequences := &fakeSequences{sequences: map[uuid.UUID]models.Sequence{seq.SequenceID: seq}}
	e := NewExecutor(ExecutorDeps{
		Sequences: sequences,
		Actors:    &fakeActors{actor: models.User{UserID: uuid.New()}},
	})

	action, err := e.Build(ActionStartSequence, json.RawMessage(`{"sequence_id":"`+seq.SequenceID.String()+`"}`))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	actx := testActionContext(orgID, contactID)
	for i := 0; i < 2; i++ {
		if err := action.Execute(context.Background(), actx); err != nil {
			t.Fatalf("execute %d failed: %v", i, err)
		}
	}
	if len(sequences.enrollments) != 1 {
		t.Fatalf("retried executions must enroll once, got %d", len(sequences.enrollments))
	}
}

func TestStartSequenceInactiveIsConfigError(t *testing.T) {
	orgID := uuid.New()
	seq := models.Sequence{SequenceID: uuid.New(), OrgID: orgID, IsActive: false}
	e := NewExecutor(ExecutorDeps{
		Sequences: &fakeSequences{sequences: map[uuid.UUID]models.Sequence{seq.SequenceID: seq}},
		Actors:    &fakeActors{actor: models.User{UserID: uuid.New()}},
	})
	action, _ := e.Build(ActionStartSequence, json.RawMessage(`{"sequence_id":"`+seq.SequenceID.String()+`"}`))

	err := action.Execute(context.Background(), testActionContext(orgID, uuid.New()))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error for an inactive sequence, got %v", err)
	}
}

func TestUpdateDealStageResolvesLatestOpenDeal(t *testing.T) {
	orgID := uuid.New()
	contactID := uuid.New()
	deal := models.Deal{DealID: uuid.New(), OrgID: orgID, ContactID: contactID}
	targetStage := uuid.New()
	deals := &fakeDeals{
		open:   map[uuid.UUID]models.Deal{contactID: deal},
		stages: map[uuid.UUID]uuid.UUID{deal.DealID: uuid.New()},
	}
	e := NewExecutor(ExecutorDeps{Deals: deals, Pipelines: &fakePipelines{}})

	action, err := e.Build(ActionUpdateDealStage, json.RawMessage(`{"stage_id":"`+targetStage.String()+`"}`))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := action.Execute(context.Background(), testActionContext(orgID, contactID)); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if deals.stages[deal.DealID] != targetStage {
		t.Fatalf("deal not moved to the target stage")
	}
}

func TestUpdateDealStageWithoutOpenDealIsConfigError(t *testing.T) {
	e := NewExecutor(ExecutorDeps{Deals: &fakeDeals{}, Pipelines: &fakePipelines{}})
	action, _ := e.Build(ActionUpdateDealStage, json.RawMessage(`{"stage_id":"`+uuid.NewString()+`"}`))

	err := action.Execute(context.Background(), testActionContext(uuid.New(), uuid.New()))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error when no open deal exists, got %v", err)
	}
}

func TestUpdateDealStageValidatesStageAgainstPipeline(t *testing.T) {
	orgID := uuid.New()
	contactID := uuid.New()
	deal := models.Deal{DealID: uuid.New(), OrgID: orgID, ContactID: contactID}
	deals := &fakeDeals{
		open:   map[uuid.UUID]models.Deal{contactID: deal},
		stages: map[uuid.UUID]uuid.UUID{deal.DealID: uuid.New()},
	}
	e := NewExecutor(ExecutorDeps{Deals: deals, Pipelines: &fakePipelines{}})

	cfg := `{"pipeline_id":"` + uuid.NewString() + `","stage_id":"` + uuid.NewString() + `"}`
	action, _ := e.Build(ActionUpdateDealStage, json.RawMessage(cfg))

	err := action.Execute(context.Background(), testActionContext(orgID, contactID))
	if !errors.Is(err, ErrActionConfig) {
		t.Fatalf("expected a configuration error for a stage outside its pipeline, got %v", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"name": "Ada", "plan": "pro"}
	if got := RenderTemplate("Hi {{name}}, welcome to {{plan}}", vars); got != "Hi Ada, welcome to pro" {
		t.Fatalf("unexpected render %q", got)
	}
	if got := RenderTemplate("Hi {{ name }}", vars); got != "Hi Ada" {
		t.Fatalf("expected placeholder names to be trimmed, got %q", got)
	}
	if got := RenderTemplate("Hi {{missing}}!", vars); got != "Hi !" {
		t.Fatalf("unknown placeholders must render empty, got %q", got)
	}
	if got := RenderTemplate("no placeholders", nil); got != "no placeholders" {
		t.Fatalf("plain text must pass through, got %q", got)
	}
	if got := RenderTemplate("broken {{name", vars); got != "broken {{name" {
		t.Fatalf("unterminated placeholders must pass through, got %q", got)
	}
}
