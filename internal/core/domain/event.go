package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const CurrentEventSchemaVersion = 1

type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return Action(s), nil
	}
	return "", fmt.Errorf("%w: action %q", ErrInvalidFilter, s)
}

// Event is one immutable ledger record.
type Event struct {
	ID             int64           `json:"id"`
	EventID        string          `json:"eventId"`
	EntityID       string          `json:"entityId"`
	EntityName     string          `json:"entityName"`
	Action         Action          `json:"action"`
	Changeset      json.RawMessage `json:"changeset"`
	Before         json.RawMessage `json:"before,omitempty"`
	OriginalObject json.RawMessage `json:"originalObject,omitempty"`
	CreatedDate    time.Time       `json:"createdDate"`
	CreatedBy      string          `json:"createdBy"`
}

// Baseline is the payload a reconstruction starts from when this event opens
// the window.
func (e Event) Baseline() json.RawMessage {
	if len(e.OriginalObject) > 0 {
		return e.OriginalObject
	}
	return e.Changeset
}

type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	LedgerID      int64           `json:"ledger_id"`
	EntityName    string          `json:"entity_name"`
	EntityID      string          `json:"entity_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         string          `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEventEnvelope(e Event) EventEnvelope {
	return EventEnvelope{
		EventID:       e.EventID,
		EventType:     "ledger." + string(e.Action),
		SchemaVersion: CurrentEventSchemaVersion,
		LedgerID:      e.ID,
		EntityName:    e.EntityName,
		EntityID:      e.EntityID,
		OccurredAt:    e.CreatedDate,
		Actor:         e.CreatedBy,
		Payload:       e.Changeset,
	}
}

type OutboxEvent struct {
	ID            int64
	EventID       string
	Topic         string
	PayloadJSON   json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

type LedgerFilter struct {
	EntityName string
	EntityID   string
	Action     Action
	AfterID    int64
	Limit      int
}
