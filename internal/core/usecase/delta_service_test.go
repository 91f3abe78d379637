package usecase

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

type person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (p person) EntityID() string { return p.ID }

func (p person) WithIdentity(id string, _ int64) person {
	p.ID = id
	return p
}

var personType = domain.NewDescriptor("Person",
	domain.Field[person]{Name: "name", Get: func(p person) any { return p.Name }},
)

type stubViews struct {
	views map[string]time.Time
}

func (s *stubViews) LastViewed(_ context.Context, entityName, entityID, userID string) (domain.View, error) {
	at, ok := s.views[entityName+"/"+entityID+"/"+userID]
	if !ok {
		return domain.View{}, domain.ErrNotFound
	}
	return domain.View{EntityName: entityName, EntityID: entityID, UserID: userID, LastViewed: at}, nil
}

func (s *stubViews) RecordView(_ context.Context, v domain.View) error {
	s.views[v.EntityName+"/"+v.EntityID+"/"+v.UserID] = v.LastViewed
	return nil
}

type deltaFixture struct {
	clock   *fixedClock
	store   *memEventStore
	people  *HistoricalService[person]
	account *HistoricalService[domain.Account]
	views   *stubViews
	delta   *DeltaService
}

func newDeltaFixture(t *testing.T) *deltaFixture {
	t.Helper()
	f := &deltaFixture{
		clock: &fixedClock{at: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		store: &memEventStore{},
		views: &stubViews{views: map[string]time.Time{}},
	}
	f.people = NewHistoricalService[person](newMemCrud[person](), personType, f.store, WithClock(f.clock.Now))
	f.account = NewHistoricalService[domain.Account](newMemAccounts(), domain.AccountType, f.store, WithClock(f.clock.Now))

	registry, err := domain.NewRegistry(personType, domain.AccountType)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	lookups := NewLookupRegistry()
	if err := lookups.Register(f.people.EntityName(), f.people.Snapshot); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := lookups.Register(f.account.EntityName(), f.account.Snapshot); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.delta = NewDeltaService(f.store, registry, lookups, f.views)
	f.delta.now = f.clock.Now
	return f
}

func (f *deltaFixture) at(ts time.Time) { f.clock.at = ts }

// abc creates a person named A at t0 and renames it to B at t1 and C at t2.
func (f *deltaFixture) abc(t *testing.T, t0, t1, t2 time.Time) string {
	t.Helper()
	ctx := context.Background()
	f.at(t0)
	p, err := f.people.Create(ctx, person{Name: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.at(t1)
	if _, err := f.people.Update(ctx, p.ID, person{Name: "B"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	f.at(t2)
	if _, err := f.people.Update(ctx, p.ID, person{Name: "C"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	return p.ID
}

func TestDeltaSnapshotABC(t *testing.T) {
	f := newDeltaFixture(t)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t1, t2 := t0.Add(time.Hour), t0.Add(2*time.Hour)
	id := f.abc(t, t0, t1, t2)

	f.at(t2.Add(time.Minute))
	got, err := f.delta.Snapshot(context.Background(), "Person", id, t0, t2)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	want := domain.Changes{{FieldName: "name", FromValue: "A", ToValue: "C"}}
	if !reflect.DeepEqual(got.Changes, want) {
		t.Fatalf("expected %+v, got %+v", want, got.Changes)
	}
	if !got.LastModifiedDate.Equal(t2) || got.LastModifiedEvent != domain.ActionUpdate {
		t.Fatalf("unexpected last modified: %v %s", got.LastModifiedDate, got.LastModifiedEvent)
	}
	if !got.LastViewed.Equal(t2.Add(time.Minute)) {
		t.Fatalf("expected last viewed at reconstruction time, got %v", got.LastViewed)
	}
	if got.EntityTypeName != "Person" || got.EntityID != id {
		t.Fatalf("unexpected identity %s/%s", got.EntityTypeName, got.EntityID)
	}
}

func TestDeltaDifferentialABC(t *testing.T) {
	f := newDeltaFixture(t)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t1, t2 := t0.Add(time.Hour), t0.Add(2*time.Hour)
	id := f.abc(t, t0, t1, t2)

	got, err := f.delta.Differential(context.Background(), "Person", id, t0, t2)
	if err != nil {
		t.Fatalf("differential: %v", err)
	}
	if len(got.Changesets) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got.Changesets))
	}
	steps := []struct {
		at       time.Time
		from, to string
	}{{t1, "A", "B"}, {t2, "B", "C"}}
	for i, want := range steps {
		step := got.Changesets[i]
		if !step.Date.Equal(want.at) || step.EventName != domain.ActionUpdate {
			t.Fatalf("step %d: unexpected header %+v", i, step)
		}
		wantChanges := domain.Changes{{FieldName: "name", FromValue: want.from, ToValue: want.to}}
		if !reflect.DeepEqual(step.Changes, wantChanges) {
			t.Fatalf("step %d: expected %+v, got %+v", i, wantChanges, step.Changes)
		}
	}
	if !got.LastViewed.Equal(t2) {
		t.Fatalf("expected last viewed = last event date, got %v", got.LastViewed)
	}
}

func TestDeltaSnapshotMatchesBaselineAgainstLive(t *testing.T) {
	f := newDeltaFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	f.at(start)
	acc, err := f.account.Create(ctx, domain.Account{Name: "n0", Email: "e@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const updates = 4
	for i := 1; i <= updates; i++ {
		f.at(start.Add(time.Duration(i) * time.Minute))
		acc.Balance = int64(i * 10)
		acc.Address = "street " + string(rune('a'+i))
		if acc, err = f.account.Update(ctx, acc.ID, acc); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	got, err := f.delta.Snapshot(ctx, "Account", acc.ID, domain.MinTime, domain.MaxTime)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	baseline, err := domain.AccountType.Snapshot(domain.Account{Name: "n0", Email: "e@example.com"})
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	live, err := f.account.Snapshot(ctx, acc.ID)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	want, err := ExtractChanges(&baseline, &live)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !reflect.DeepEqual(got.Changes, want) {
		t.Fatalf("expected %+v, got %+v", want, got.Changes)
	}
	if len(got.Changes) != len(domain.AccountType.Fields()) {
		t.Fatalf("expected one change per field, got %d", len(got.Changes))
	}

	diff, err := f.delta.Differential(ctx, "Account", acc.ID, domain.MinTime, domain.MaxTime)
	if err != nil {
		t.Fatalf("differential: %v", err)
	}
	if len(diff.Changesets) != updates {
		t.Fatalf("expected %d steps, got %d", updates, len(diff.Changesets))
	}
}

func TestDeltaAfterDelete(t *testing.T) {
	f := newDeltaFixture(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	f.at(t0)
	p, err := f.people.Create(ctx, person{Name: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.at(t0.Add(time.Hour))
	if _, err := f.people.Update(ctx, p.ID, person{Name: "B"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	f.at(t0.Add(2 * time.Hour))
	if _, err := f.people.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	diff, err := f.delta.Differential(ctx, "Person", p.ID, domain.MinTime, domain.MaxTime)
	if err != nil {
		t.Fatalf("differential: %v", err)
	}
	if len(diff.Changesets) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(diff.Changesets))
	}
	last := diff.Changesets[1]
	if last.EventName != domain.ActionDelete || last.Changes != nil {
		t.Fatalf("expected terminal delete step without changes, got %+v", last)
	}

	snap, err := f.delta.Snapshot(ctx, "Person", p.ID, domain.MinTime, domain.MaxTime)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.LastModifiedEvent != domain.ActionDelete || len(snap.Changes) != 0 {
		t.Fatalf("unexpected snapshot after delete: %+v", snap)
	}
}

func TestDeltaSingleEventWindow(t *testing.T) {
	f := newDeltaFixture(t)
	f.at(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := f.people.Create(context.Background(), person{Name: "solo"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	diff, err := f.delta.Differential(context.Background(), "Person", p.ID, domain.MinTime, domain.MaxTime)
	if err != nil {
		t.Fatalf("differential: %v", err)
	}
	if len(diff.Changesets) != 0 {
		t.Fatalf("expected no steps, got %+v", diff.Changesets)
	}
}

func TestDeltaNoHistory(t *testing.T) {
	f := newDeltaFixture(t)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	id := f.abc(t, t0, t0.Add(time.Hour), t0.Add(2*time.Hour))

	_, err := f.delta.Snapshot(context.Background(), "Person", id, t0.Add(3*time.Hour), domain.MaxTime)
	if !errors.Is(err, domain.ErrNoHistory) {
		t.Fatalf("expected no history, got %v", err)
	}
	_, err = f.delta.Differential(context.Background(), "Person", "unknown", domain.MinTime, domain.MaxTime)
	if !errors.Is(err, domain.ErrNoHistory) {
		t.Fatalf("expected no history for unknown id, got %v", err)
	}
}

func TestDeltaSnapshotMissingLiveEntity(t *testing.T) {
	f := newDeltaFixture(t)
	f.at(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := f.people.Create(context.Background(), person{Name: "gone"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// drop the live row behind the ledger's back
	delete(f.people.inner.(*memCrud[person]).rows, p.ID)

	_, err = f.delta.Snapshot(context.Background(), "Person", p.ID, domain.MinTime, domain.MaxTime)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeltaQueryDefaultsFromLastViewed(t *testing.T) {
	f := newDeltaFixture(t)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t1, t2 := t0.Add(time.Hour), t0.Add(2*time.Hour)
	id := f.abc(t, t0, t1, t2)
	f.views.views["Person/"+id+"/alice"] = t1.Add(time.Minute)

	res, err := f.delta.Query(ContextWithUser(context.Background(), "alice"), "Person", id, domain.DeltaRequest{Mode: "snapshot"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Mode != domain.DeltaSnapshot || res.Snapshot == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	// only the t2 update is in the window, and it matches the live state
	want := domain.Changes{{FieldName: "name", FromValue: "C", ToValue: "C"}}
	if !reflect.DeepEqual(res.Snapshot.Changes, want) {
		t.Fatalf("expected %+v, got %+v", want, res.Snapshot.Changes)
	}

	res, err = f.delta.Query(ContextWithUser(context.Background(), "bob"), "Person", id, domain.DeltaRequest{Mode: domain.DeltaDifferential})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Differential.Changesets) != 2 {
		t.Fatalf("expected full history for a user with no views, got %d steps", len(res.Differential.Changesets))
	}
}

func TestDeltaQueryExplicitBounds(t *testing.T) {
	f := newDeltaFixture(t)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	id := f.abc(t, t0, t0.Add(time.Hour), t0.Add(2*time.Hour))

	to := t0.Add(90 * time.Minute)
	res, err := f.delta.Query(context.Background(), "Person", id, domain.DeltaRequest{Mode: domain.DeltaDifferential, To: &to})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// the t1 update closes the window, so its step targets the live state
	want := domain.Changes{{FieldName: "name", FromValue: "A", ToValue: "C"}}
	if len(res.Differential.Changesets) != 1 || !reflect.DeepEqual(res.Differential.Changesets[0].Changes, want) {
		t.Fatalf("unexpected steps: %+v", res.Differential.Changesets)
	}
}

func TestDeltaQueryRejectsUnknownMode(t *testing.T) {
	f := newDeltaFixture(t)
	_, err := f.delta.Query(context.Background(), "Person", "id-1", domain.DeltaRequest{Mode: "Cumulative"})
	if !errors.Is(err, domain.ErrInvalidMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
}

func TestDeltaRejectsInvertedRange(t *testing.T) {
	f := newDeltaFixture(t)
	now := time.Now()
	_, err := f.delta.Snapshot(context.Background(), "Person", "id-1", now, now.Add(-time.Hour))
	if !errors.Is(err, domain.ErrInvalidFilter) {
		t.Fatalf("expected invalid filter, got %v", err)
	}
}
