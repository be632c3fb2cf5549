package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Organization struct {
	OrgID     uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

const (
	UserRoleOwner      = "owner"
	UserRoleMember     = "member"
	UserRoleAutomation = "automation"
)

type User struct {
	UserID      uuid.UUID
	OrgID       uuid.UUID
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

type Contact struct {
	ContactID uuid.UUID
	OrgID     uuid.UUID
	Name      string
	Phone     string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Pipeline struct {
	PipelineID uuid.UUID
	OrgID      uuid.UUID
	Name       string
	IsDefault  bool
	CreatedAt  time.Time
}

type PipelineStage struct {
	StageID    uuid.UUID
	PipelineID uuid.UUID
	Name       string
	Position   int
}

const (
	DealStatusOpen = "open"
	DealStatusWon  = "won"
	DealStatusLost = "lost"
)

type Deal struct {
	DealID         uuid.UUID
	OrgID          uuid.UUID
	ContactID      uuid.UUID
	PipelineID     uuid.UUID
	StageID        uuid.UUID
	Title          string
	Status         string
	OwnerUserID    uuid.UUID
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AutomationRule carries JSON tags because the active-rule cache stores
// rule sets as JSON in redis.
type AutomationRule struct {
	RuleID        uuid.UUID       `json:"rule_id"`
	OrgID         uuid.UUID       `json:"org_id"`
	Name          string          `json:"name"`
	IsActive      bool            `json:"is_active"`
	TriggerType   string          `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
	ActionType    string          `json:"action_type"`
	ActionConfig  json.RawMessage `json:"action_config"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Sequence struct {
	SequenceID uuid.UUID
	OrgID      uuid.UUID
	Name       string
	IsActive   bool
	CreatedAt  time.Time
}

type SequenceEnrollment struct {
	EnrollmentID uuid.UUID
	OrgID        uuid.UUID
	SequenceID   uuid.UUID
	ContactID    uuid.UUID
	EnrolledBy   uuid.UUID
	EnrolledAt   time.Time
}

// Activity is the audit trail entry written alongside automation side
// effects, attributed to the organization's automation actor.
type Activity struct {
	ActivityID   uuid.UUID
	OrgID        uuid.UUID
	ContactID    uuid.UUID
	ActorUserID  uuid.UUID
	ActivityType string
	Detail       []byte
	OccurredAt   time.Time
}
