package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
	"github.com/atvirokodosprendimai/deltaledger/internal/metrics"
)

// DeltaResult holds the outcome of a delta query; exactly one of Snapshot and
// Differential is set, matching Mode.
type DeltaResult struct {
	Mode         domain.DeltaMode
	Snapshot     *domain.SnapshotChangeset
	Differential *domain.DifferentialChangeset
}

// Body is the document served for the result.
func (r DeltaResult) Body() any {
	if r.Mode == domain.DeltaDifferential {
		return r.Differential
	}
	return r.Snapshot
}

// DeltaService reconstructs what changed on an entity over a time window
// from the ledger and the live store.
type DeltaService struct {
	store    ports.EventStore
	registry *domain.Registry
	lookup   ports.EntityLookup
	views    ports.ViewTracker
	users    ports.UserProvider
	now      func() time.Time
}

// NewDeltaService builds the service. views may be nil, in which case an
// omitted lower bound always means the minimum time. The querying user is
// read from the context until SetUserProvider says otherwise.
func NewDeltaService(store ports.EventStore, registry *domain.Registry, lookup ports.EntityLookup, views ports.ViewTracker) *DeltaService {
	return &DeltaService{
		store:    store,
		registry: registry,
		lookup:   lookup,
		views:    views,
		users:    ports.UserProviderFunc(UserFromContext),
		now:      time.Now,
	}
}

func (s *DeltaService) SetUserProvider(users ports.UserProvider) {
	if users != nil {
		s.users = users
	}
}

// Query resolves omitted bounds and dispatches on the requested mode. An
// omitted lower bound is the querying user's last view of the entity.
func (s *DeltaService) Query(ctx context.Context, entityName, id string, req domain.DeltaRequest) (DeltaResult, error) {
	started := s.now()
	mode, err := domain.ParseDeltaMode(string(req.Mode))
	if err != nil {
		return DeltaResult{}, err
	}

	from := domain.MinTime
	if req.From != nil {
		from = *req.From
	} else if last, ok := s.lastViewed(ctx, entityName, id, s.users.CurrentUser(ctx)); ok {
		from = last
	}
	to := domain.MaxTime
	if req.To != nil {
		to = *req.To
	}

	result := DeltaResult{Mode: mode}
	switch mode {
	case domain.DeltaSnapshot:
		var out domain.SnapshotChangeset
		out, err = s.Snapshot(ctx, entityName, id, from, to)
		result.Snapshot = &out
	case domain.DeltaDifferential:
		var out domain.DifferentialChangeset
		out, err = s.Differential(ctx, entityName, id, from, to)
		result.Differential = &out
	}
	metrics.DeltaQueries.WithLabelValues(string(mode), outcome(err)).Inc()
	metrics.DeltaDuration.Observe(float64(s.now().Sub(started).Milliseconds()))
	if err != nil {
		return DeltaResult{}, err
	}
	return result, nil
}

// Snapshot diffs the window's baseline against the live entity.
func (s *DeltaService) Snapshot(ctx context.Context, entityName, id string, from, to time.Time) (domain.SnapshotChangeset, error) {
	events, err := s.window(ctx, entityName, id, from, to)
	if err != nil {
		return domain.SnapshotChangeset{}, err
	}
	baseline, err := s.registry.DecodePayload(events[0].Baseline())
	if err != nil {
		return domain.SnapshotChangeset{}, fmt.Errorf("decode baseline: %w", err)
	}

	last := events[len(events)-1]
	current, err := s.current(ctx, entityName, id, last)
	if err != nil {
		return domain.SnapshotChangeset{}, err
	}
	changes, err := ExtractChanges(&baseline, current)
	if err != nil {
		return domain.SnapshotChangeset{}, err
	}

	return domain.SnapshotChangeset{
		EntityTypeName:    entityName,
		EntityID:          id,
		LastViewed:        s.now().UTC(),
		LastModifiedDate:  last.CreatedDate,
		LastModifiedBy:    last.CreatedBy,
		LastModifiedEvent: last.Action,
		Changes:           changes,
	}, nil
}

// Differential emits one step per event after the window's first. Each step
// diffs the running state against the state the event recorded; the last
// step targets the live entity instead, and carries no changes when it is a
// Delete.
func (s *DeltaService) Differential(ctx context.Context, entityName, id string, from, to time.Time) (domain.DifferentialChangeset, error) {
	events, err := s.window(ctx, entityName, id, from, to)
	if err != nil {
		return domain.DifferentialChangeset{}, err
	}
	running, err := s.registry.DecodePayload(events[0].Baseline())
	if err != nil {
		return domain.DifferentialChangeset{}, fmt.Errorf("decode baseline: %w", err)
	}

	steps := make([]domain.Changeset, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		event := events[i]
		step := domain.Changeset{Date: event.CreatedDate, UserID: event.CreatedBy, EventName: event.Action}

		var next *domain.Snapshot
		switch {
		case i < len(events)-1:
			decoded, err := s.registry.DecodePayload(event.Changeset)
			if err != nil {
				return domain.DifferentialChangeset{}, fmt.Errorf("decode event %d: %w", event.ID, err)
			}
			next = &decoded
		case event.Action != domain.ActionDelete:
			next, err = s.current(ctx, entityName, id, event)
			if err != nil {
				return domain.DifferentialChangeset{}, err
			}
		}

		if next != nil {
			step.Changes, err = ExtractChanges(&running, next)
			if err != nil {
				return domain.DifferentialChangeset{}, err
			}
			running = *next
		}
		steps = append(steps, step)
	}

	return domain.DifferentialChangeset{
		EntityTypeName: entityName,
		EntityID:       id,
		LastViewed:     events[len(events)-1].CreatedDate,
		Changesets:     steps,
	}, nil
}

func (s *DeltaService) window(ctx context.Context, entityName, id string, from, to time.Time) ([]domain.Event, error) {
	if err := domain.ValidateEntityName(entityName); err != nil {
		return nil, err
	}
	if err := domain.ValidateID(id); err != nil {
		return nil, err
	}
	if err := (domain.TimeRange{From: from, To: to}).Validate(); err != nil {
		return nil, err
	}
	events, err := s.store.EventsInRange(ctx, entityName, id, from, to)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrNoHistory
	}
	return events, nil
}

// current fetches the live state. An entity that is gone because of a
// Delete at or after the window's last event has no current state.
func (s *DeltaService) current(ctx context.Context, entityName, id string, last domain.Event) (*domain.Snapshot, error) {
	live, err := s.lookup.Snapshot(ctx, entityName, id)
	if err == nil {
		return &live, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if last.Action == domain.ActionDelete {
		return nil, nil
	}
	deleted, derr := s.store.LatestEvent(ctx, entityName, id, domain.ActionDelete)
	if derr != nil {
		if errors.Is(derr, domain.ErrNotFound) {
			return nil, err
		}
		return nil, derr
	}
	if deleted.ID > last.ID || deleted.CreatedDate.After(last.CreatedDate) {
		return nil, nil
	}
	return nil, err
}

func (s *DeltaService) lastViewed(ctx context.Context, entityName, id, userID string) (time.Time, bool) {
	if s.views == nil || userID == "" {
		return time.Time{}, false
	}
	view, err := s.views.LastViewed(ctx, entityName, id, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Printf("delta: last viewed lookup failed entity=%s id=%s: %v", entityName, id, err)
		}
		return time.Time{}, false
	}
	return view.LastViewed, true
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNoHistory):
		return "no_history"
	}
	return "error"
}
