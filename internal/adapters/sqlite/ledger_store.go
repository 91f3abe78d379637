package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

type ledgerEventModel struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventID        string    `gorm:"column:event_id;not null"`
	EntityName     string    `gorm:"column:entity_name;not null"`
	EntityID       string    `gorm:"column:entity_id;not null"`
	Action         string    `gorm:"column:action;not null"`
	Changeset      string    `gorm:"column:changeset;not null"`
	BeforeJSON     *string   `gorm:"column:before_json"`
	OriginalObject *string   `gorm:"column:original_object"`
	CreatedDate    time.Time `gorm:"column:created_date;not null"`
	CreatedNS      int64     `gorm:"column:created_ns;not null"`
	CreatedBy      string    `gorm:"column:created_by;not null"`
}

func (ledgerEventModel) TableName() string {
	return "ledger_events"
}

type outboxEventModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	PayloadJSON   string     `gorm:"column:payload_json;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError     string     `gorm:"column:last_error;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (outboxEventModel) TableName() string {
	return "outbox_events"
}

// LedgerStore is the sqlite event store. Every append also queues an outbox
// notification in the same transaction.
type LedgerStore struct {
	db *gormsqlite.DB
}

func NewLedgerStore(db *gormsqlite.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Append(ctx context.Context, event domain.Event) (domain.Event, error) {
	if err := validateEvent(event); err != nil {
		return domain.Event{}, err
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.CreatedDate.IsZero() {
		event.CreatedDate = time.Now()
	}
	event.CreatedDate = event.CreatedDate.UTC()

	var stored ledgerEventModel
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var last ledgerEventModel
		err := identityQuery(tx.DB, event.EntityName, event.EntityID).
			Order("created_ns DESC, id DESC").
			First(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if event.Action != domain.ActionCreate {
				return fmt.Errorf("%w: %s %s has no lifecycle, got %s", domain.ErrLedgerSequence, event.EntityName, event.EntityID, event.Action)
			}
		case err != nil:
			return fmt.Errorf("load last event: %w", err)
		default:
			deleted := domain.Action(last.Action) == domain.ActionDelete
			if deleted != (event.Action == domain.ActionCreate) {
				return fmt.Errorf("%w: %s after %s on %s %s", domain.ErrLedgerSequence, event.Action, last.Action, event.EntityName, event.EntityID)
			}
			// the ledger order of an identity never goes back in time
			if lastDate := time.Unix(0, last.CreatedNS).UTC(); event.CreatedDate.Before(lastDate) {
				event.CreatedDate = lastDate
			}
		}

		stored = toLedgerModel(event)
		if err := tx.Create(&stored).Error; err != nil {
			return fmt.Errorf("insert ledger event: %w", err)
		}
		event.ID = stored.ID
		return insertOutbox(tx.DB, event)
	})
	if err != nil {
		return domain.Event{}, err
	}
	return toLedgerDomain(stored), nil
}

func (s *LedgerStore) AllEvents(ctx context.Context, entityName, entityID string) ([]domain.Event, error) {
	var rows []ledgerEventModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return identityQuery(tx.DB, entityName, entityID).
			Order("created_ns ASC, id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list entity events: %w", err)
	}
	return toLedgerDomainList(rows), nil
}

// EventsInRange returns the events with from <= created date <= to, or
// domain.ErrNoHistory when there are none.
func (s *LedgerStore) EventsInRange(ctx context.Context, entityName, entityID string, from, to time.Time) ([]domain.Event, error) {
	var rows []ledgerEventModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return identityQuery(tx.DB, entityName, entityID).
			Where("created_ns >= ? AND created_ns <= ?", domain.UnixNanoKey(from), domain.UnixNanoKey(to)).
			Order("created_ns ASC, id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list entity events in range: %w", err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrNoHistory
	}
	return toLedgerDomainList(rows), nil
}

func (s *LedgerStore) LatestEvent(ctx context.Context, entityName, entityID string, action domain.Action) (domain.Event, error) {
	var row ledgerEventModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return identityQuery(tx.DB, entityName, entityID).
			Where("action = ?", string(action)).
			Order("created_ns DESC, id DESC").
			First(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Event{}, fmt.Errorf("%w: no %s event for %s %s", domain.ErrNotFound, action, entityName, entityID)
		}
		return domain.Event{}, fmt.Errorf("latest event: %w", err)
	}
	return toLedgerDomain(row), nil
}

// List pages through the whole ledger in insertion order.
func (s *LedgerStore) List(ctx context.Context, filter domain.LedgerFilter) ([]domain.Event, error) {
	var rows []ledgerEventModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&ledgerEventModel{})
		if filter.EntityName != "" {
			query = query.Where("entity_name = ?", filter.EntityName)
		}
		if filter.EntityID != "" {
			query = query.Where("entity_id = ?", filter.EntityID)
		}
		if filter.Action != "" {
			query = query.Where("action = ?", string(filter.Action))
		}
		if filter.AfterID > 0 {
			query = query.Where("id > ?", filter.AfterID)
		}
		return query.Order("id ASC").Limit(filter.Limit).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	return toLedgerDomainList(rows), nil
}

// Commit checkpoints the write-ahead log so appended events reach the main
// database file.
func (s *LedgerStore) Commit(ctx context.Context) error {
	return s.db.Checkpoint(ctx)
}

func identityQuery(tx *gorm.DB, entityName, entityID string) *gorm.DB {
	query := tx.Model(&ledgerEventModel{}).Where("entity_id = ?", entityID)
	if entityName != "" {
		query = query.Where("entity_name = ?", entityName)
	}
	return query
}

func validateEvent(e domain.Event) error {
	if err := domain.ValidateEntityName(e.EntityName); err != nil {
		return err
	}
	if err := domain.ValidateID(e.EntityID); err != nil {
		return err
	}
	if _, err := domain.ParseAction(string(e.Action)); err != nil {
		return err
	}
	if len(e.Changeset) == 0 {
		return fmt.Errorf("%w: event without changeset", domain.ErrSchemaMismatch)
	}
	return nil
}

func insertOutbox(tx *gorm.DB, event domain.Event) error {
	payload, err := json.Marshal(domain.NewEventEnvelope(event))
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	outbox := outboxEventModel{
		EventID:       event.EventID,
		Topic:         "ledger." + event.EntityName + "." + string(event.Action),
		PayloadJSON:   string(payload),
		Status:        "pending",
		NextAttemptAt: event.CreatedDate,
		CreatedAt:     event.CreatedDate,
	}
	if err := tx.Create(&outbox).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func toLedgerModel(e domain.Event) ledgerEventModel {
	return ledgerEventModel{
		EventID:        e.EventID,
		EntityName:     e.EntityName,
		EntityID:       e.EntityID,
		Action:         string(e.Action),
		Changeset:      string(e.Changeset),
		BeforeJSON:     optionalJSON(e.Before),
		OriginalObject: optionalJSON(e.OriginalObject),
		CreatedDate:    e.CreatedDate,
		CreatedNS:      domain.UnixNanoKey(e.CreatedDate),
		CreatedBy:      e.CreatedBy,
	}
}

func toLedgerDomain(m ledgerEventModel) domain.Event {
	return domain.Event{
		ID:             m.ID,
		EventID:        m.EventID,
		EntityID:       m.EntityID,
		EntityName:     m.EntityName,
		Action:         domain.Action(m.Action),
		Changeset:      json.RawMessage(m.Changeset),
		Before:         rawJSON(m.BeforeJSON),
		OriginalObject: rawJSON(m.OriginalObject),
		CreatedDate:    time.Unix(0, m.CreatedNS).UTC(),
		CreatedBy:      m.CreatedBy,
	}
}

func toLedgerDomainList(rows []ledgerEventModel) []domain.Event {
	out := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, toLedgerDomain(row))
	}
	return out
}

func optionalJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func rawJSON(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}
