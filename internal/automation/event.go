package automation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Task type names on the automation queue.
const (
	TaskTypeEvent          = "automation.event"
	TaskTypeDeadLetterScan = "automation.deadletter.scan"
)

// EventType is the closed set of trigger kinds. The matcher and executor
// switch over this type; payload shape is fully determined by it.
type EventType string

const (
	EventFlowCompleted    EventType = "FLOW_COMPLETED"
	EventDealStageChanged EventType = "DEAL_STAGE_CHANGED"
	EventContactTagAdded  EventType = "CONTACT_TAG_ADDED"
	EventContactCreated   EventType = "CONTACT_CREATED"
)

func (t EventType) Valid() bool {
	switch t {
	case EventFlowCompleted, EventDealStageChanged, EventContactTagAdded, EventContactCreated:
		return true
	}
	return false
}

func AllEventTypes() []EventType {
	return []EventType{
		EventFlowCompleted,
		EventDealStageChanged,
		EventContactTagAdded,
		EventContactCreated,
	}
}

// Envelope is the queue-resident form of one automation event. It is created
// at publish time, consumed at most once successfully, and never mutated.
// Timestamp is epoch millis, diagnostic only.
type Envelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	Type      EventType       `json:"type"`
	OrgID     uuid.UUID       `json:"org_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type FlowCompletedData struct {
	FlowID    string            `json:"flow_id"`
	ContactID uuid.UUID         `json:"contact_id"`
	Variables map[string]string `json:"variables,omitempty"`
}

type DealStageChangedData struct {
	DealID     uuid.UUID `json:"deal_id"`
	ContactID  uuid.UUID `json:"contact_id"`
	PipelineID uuid.UUID `json:"pipeline_id"`
	StageID    uuid.UUID `json:"stage_id"`
}

type ContactTagAddedData struct {
	ContactID uuid.UUID `json:"contact_id"`
	Tag       string    `json:"tag"`
}

type ContactCreatedData struct {
	ContactID uuid.UUID `json:"contact_id"`
	Source    string    `json:"source,omitempty"`
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("unknown event type %q", env.Type)
	}
	if env.OrgID == uuid.Nil {
		return Envelope{}, fmt.Errorf("event %s has no organization", env.EventID)
	}
	return env, nil
}
