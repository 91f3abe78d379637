package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
	"github.com/atvirokodosprendimai/deltaledger/internal/metrics"
)

type historicalConfig struct {
	autoCommit bool
	users      ports.UserProvider
	now        func() time.Time
}

type HistoricalOption func(*historicalConfig)

// WithAutoCommit flushes the ledger after every append.
func WithAutoCommit(enabled bool) HistoricalOption {
	return func(c *historicalConfig) { c.autoCommit = enabled }
}

func WithUserProvider(users ports.UserProvider) HistoricalOption {
	return func(c *historicalConfig) {
		if users != nil {
			c.users = users
		}
	}
}

func WithClock(now func() time.Time) HistoricalOption {
	return func(c *historicalConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// HistoricalService wraps a plain CRUD service and records every mutation in
// the ledger. The live write and the ledger append are separate writes: when
// the append fails the live result is still returned, together with an error
// wrapping domain.ErrLedgerAppend.
type HistoricalService[T domain.Entity] struct {
	inner ports.CrudService[T]
	desc  *domain.Descriptor[T]
	store ports.EventStore
	cfg   historicalConfig
}

func NewHistoricalService[T domain.Entity](inner ports.CrudService[T], desc *domain.Descriptor[T], store ports.EventStore, opts ...HistoricalOption) *HistoricalService[T] {
	cfg := historicalConfig{
		users: ports.UserProviderFunc(func(context.Context) string { return "" }),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &HistoricalService[T]{inner: inner, desc: desc, store: store, cfg: cfg}
}

func (s *HistoricalService[T]) EntityName() string { return s.desc.Name() }

func (s *HistoricalService[T]) GetAll(ctx context.Context) ([]T, error) {
	return s.inner.GetAll(ctx)
}

func (s *HistoricalService[T]) GetByID(ctx context.Context, id string) (T, error) {
	return s.inner.GetByID(ctx, id)
}

// Snapshot returns the declared field values of the live entity.
func (s *HistoricalService[T]) Snapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	entity, err := s.inner.GetByID(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.desc.Snapshot(entity)
}

func (s *HistoricalService[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	created, err := s.inner.Create(ctx, entity)
	if err != nil {
		return zero, err
	}

	payload, err := s.compare(nil, created)
	if err != nil {
		return created, s.ledgerFailure(domain.ActionCreate, created.EntityID(), err)
	}
	err = s.append(ctx, domain.Event{
		EntityID:       created.EntityID(),
		Action:         domain.ActionCreate,
		Changeset:      payload,
		OriginalObject: payload,
	})
	return created, err
}

func (s *HistoricalService[T]) Update(ctx context.Context, id string, entity T) (T, error) {
	var zero T
	current, err := s.inner.GetByID(ctx, id)
	if err != nil {
		return zero, err
	}
	before, err := s.payload(current)
	if err != nil {
		return zero, err
	}

	updated, err := s.inner.Update(ctx, id, entity)
	if err != nil {
		return zero, err
	}

	payload, err := s.compare(&current, updated)
	if err != nil {
		return updated, s.ledgerFailure(domain.ActionUpdate, id, err)
	}
	err = s.append(ctx, domain.Event{
		EntityID:  id,
		Action:    domain.ActionUpdate,
		Changeset: payload,
		Before:    before,
	})
	return updated, err
}

func (s *HistoricalService[T]) Delete(ctx context.Context, id string) (T, error) {
	var zero T
	deleted, err := s.inner.Delete(ctx, id)
	if err != nil {
		return zero, err
	}

	payload, err := s.compare(nil, deleted)
	if err != nil {
		return deleted, s.ledgerFailure(domain.ActionDelete, id, err)
	}
	err = s.append(ctx, domain.Event{
		EntityID:  id,
		Action:    domain.ActionDelete,
		Changeset: payload,
		Before:    payload,
	})
	return deleted, err
}

// Restore recreates an entity from its most recent Delete event. The restored
// entity starts a new lifecycle under a new identity.
func (s *HistoricalService[T]) Restore(ctx context.Context, id string) (T, error) {
	var zero T
	if err := domain.ValidateID(id); err != nil {
		return zero, err
	}
	event, err := s.store.LatestEvent(ctx, s.desc.Name(), id, domain.ActionDelete)
	if err != nil {
		return zero, err
	}
	entity, err := s.desc.Decode(event.Changeset)
	if err != nil {
		return zero, err
	}
	return s.Create(ctx, entity)
}

func (s *HistoricalService[T]) GetHistory(ctx context.Context, id string) ([]domain.Event, error) {
	if err := domain.ValidateID(id); err != nil {
		return nil, err
	}
	events, err := s.store.AllEvents(ctx, s.desc.Name(), id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no history for %s %s", domain.ErrNotFound, s.desc.Name(), id)
	}
	return events, nil
}

// compare diffs destination against source, or against the empty entity
// when source is nil, and returns destination's payload.
func (s *HistoricalService[T]) compare(source *T, destination T) (json.RawMessage, error) {
	var (
		from domain.Snapshot
		err  error
	)
	if source == nil {
		from, err = s.desc.Empty()
	} else {
		from, err = s.desc.Snapshot(*source)
	}
	if err != nil {
		return nil, err
	}
	to, err := s.desc.Snapshot(destination)
	if err != nil {
		return nil, err
	}
	return DetailedCompare(&from, &to)
}

func (s *HistoricalService[T]) payload(entity T) (json.RawMessage, error) {
	snap, err := s.desc.Snapshot(entity)
	if err != nil {
		return nil, err
	}
	return domain.EncodePayload(snap)
}

func (s *HistoricalService[T]) append(ctx context.Context, event domain.Event) error {
	event.EventID = uuid.NewString()
	event.EntityName = s.desc.Name()
	event.CreatedDate = s.cfg.now().UTC()
	event.CreatedBy = s.cfg.users.CurrentUser(ctx)

	if _, err := s.store.Append(ctx, event); err != nil {
		return s.ledgerFailure(event.Action, event.EntityID, err)
	}
	if s.cfg.autoCommit {
		if c, ok := s.store.(ports.Committer); ok {
			if err := c.Commit(ctx); err != nil {
				return s.ledgerFailure(event.Action, event.EntityID, fmt.Errorf("commit: %w", err))
			}
		}
	}
	metrics.LedgerAppends.WithLabelValues(s.desc.Name(), string(event.Action)).Inc()
	return nil
}

func (s *HistoricalService[T]) ledgerFailure(action domain.Action, id string, err error) error {
	metrics.LedgerAppendFailures.WithLabelValues(s.desc.Name(), string(action)).Inc()
	log.Printf("ledger append failed entity=%s id=%s action=%s: %v", s.desc.Name(), id, action, err)
	if errors.Is(err, domain.ErrLedgerAppend) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrLedgerAppend, err)
}
