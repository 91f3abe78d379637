package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/usecase"
)

const testAPIKey = "test-api-key"

// memAccounts is an in-memory live store for accounts.
type memAccounts struct {
	mu   sync.Mutex
	rows map[string]domain.Account
	seq  int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{rows: map[string]domain.Account{}}
}

func (m *memAccounts) GetAll(context.Context) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Account, 0, len(m.rows))
	for _, a := range m.rows {
		out = append(out, a)
	}
	return out, nil
}

func (m *memAccounts) GetByID(_ context.Context, id string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memAccounts) Create(_ context.Context, a domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		m.seq++
		a.ID = fmt.Sprintf("acc-%d", m.seq)
	}
	if _, exists := m.rows[a.ID]; exists {
		return domain.Account{}, domain.ErrConflict
	}
	a.Version = 1
	m.rows[a.ID] = a
	return a, nil
}

func (m *memAccounts) Update(_ context.Context, id string, a domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	if a.Version != 0 && a.Version != cur.Version {
		return domain.Account{}, domain.ErrConflict
	}
	a.ID = id
	a.Version = cur.Version + 1
	m.rows[id] = a
	return a, nil
}

func (m *memAccounts) Delete(_ context.Context, id string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	delete(m.rows, id)
	return a, nil
}

// memLedger is an in-memory event store and ledger listing.
type memLedger struct {
	mu        sync.Mutex
	events    []domain.Event
	appendErr error
}

func (l *memLedger) Append(_ context.Context, e domain.Event) (domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return domain.Event{}, l.appendErr
	}
	e.ID = int64(len(l.events) + 1)
	l.events = append(l.events, e)
	return e, nil
}

func (l *memLedger) AllEvents(_ context.Context, entityName, entityID string) ([]domain.Event, error) {
	return l.filter(entityName, entityID, domain.MinTime, domain.MaxTime), nil
}

func (l *memLedger) EventsInRange(_ context.Context, entityName, entityID string, from, to time.Time) ([]domain.Event, error) {
	return l.filter(entityName, entityID, from, to), nil
}

func (l *memLedger) LatestEvent(_ context.Context, entityName, entityID string, action domain.Action) (domain.Event, error) {
	events := l.filter(entityName, entityID, domain.MinTime, domain.MaxTime)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Action == action {
			return events[i], nil
		}
	}
	return domain.Event{}, domain.ErrNotFound
}

func (l *memLedger) List(_ context.Context, filter domain.LedgerFilter) ([]domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, e := range l.events {
		if e.ID <= filter.AfterID || (filter.EntityName != "" && e.EntityName != filter.EntityName) {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, e)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *memLedger) filter(entityName, entityID string, from, to time.Time) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, e := range l.events {
		if e.EntityName != entityName || e.EntityID != entityID {
			continue
		}
		if e.CreatedDate.Before(from) || e.CreatedDate.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

type stubAPIKeyRepo struct{}

func (s *stubAPIKeyRepo) FindByTokenHash(_ context.Context, hash string) (domain.APIKey, error) {
	if hash != usecase.HashToken(testAPIKey) {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return domain.APIKey{TokenHash: hash, UserID: "user-a", Name: "test-client", Active: true, CreatedAt: time.Now().UTC()}, nil
}

func (s *stubAPIKeyRepo) Upsert(context.Context, domain.APIKey) error { return nil }

func (s *stubAPIKeyRepo) Deactivate(context.Context, string) error { return domain.ErrNotFound }

func (s *stubAPIKeyRepo) ListByUser(context.Context, string) ([]domain.APIKey, error) {
	return nil, nil
}

type memViews struct {
	mu    sync.Mutex
	views map[string]domain.View
}

func (v *memViews) LastViewed(_ context.Context, entityName, entityID, userID string) (domain.View, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	view, ok := v.views[entityName+"/"+entityID+"/"+userID]
	if !ok {
		return domain.View{}, domain.ErrNotFound
	}
	return view, nil
}

func (v *memViews) RecordView(_ context.Context, view domain.View) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.views == nil {
		v.views = map[string]domain.View{}
	}
	v.views[view.EntityName+"/"+view.EntityID+"/"+view.UserID] = view
	return nil
}

type testEnv struct {
	accounts *memAccounts
	ledger   *memLedger
	views    *memViews
	schemas  *stubSchemaRepo
	clock    time.Time
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		accounts: newMemAccounts(),
		ledger:   &memLedger{},
		views:    &memViews{},
		schemas:  newStubSchemaRepo(),
		clock:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	tick := func() time.Time {
		env.clock = env.clock.Add(time.Minute)
		return env.clock
	}

	registry, err := domain.NewRegistry(domain.AccountType)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	auth := usecase.NewAuthService(&stubAPIKeyRepo{})
	schemaSvc := usecase.NewSchemaService(env.schemas)
	live := usecase.NewEntityService[domain.Account](domain.AccountType.Name(), env.accounts, schemaSvc)
	accounts := usecase.NewHistoricalService[domain.Account](live, domain.AccountType, env.ledger,
		usecase.WithUserProvider(auth),
		usecase.WithClock(tick),
	)
	lookup := usecase.NewLookupRegistry()
	if err := lookup.Register(accounts.EntityName(), accounts.Snapshot); err != nil {
		t.Fatalf("register lookup: %v", err)
	}

	delta := usecase.NewDeltaService(env.ledger, registry, lookup, env.views)
	delta.SetUserProvider(auth)

	h := NewHandler(Deps{
		Accounts: accounts,
		Delta:    delta,
		Ledger:   usecase.NewLedgerService(env.ledger),
		Schemas:  schemaSvc,
		Auth:     auth,
		Views:    env.views,
		Registry: registry,
	})
	h.now = tick
	env.router = h.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	withAuth(req)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createAccount(t *testing.T, body string) accountResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/accounts", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	return out
}

func withAuth(req *http.Request) { req.Header.Set("X-API-Key", testAPIKey) }

func TestProtectedRouteWithoutAuth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/openapi.json", "/metrics"} {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestCreateRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/accounts", `{"name":"a","extra":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateRejectsTrailingJSON(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/accounts", `{"name":"a"} {}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAccountLifecycleRecordsLedger(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada","email":"ada@example.com","balance":10}`)

	rec := env.do(t, http.MethodPut, "/v1/accounts/"+created.ID, `{"name":"Ada","email":"ada@example.com","balance":25,"version":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(ledgerStatusHdr); got != "recorded" {
		t.Fatalf("expected ledger status recorded, got %q", got)
	}

	rec = env.do(t, http.MethodDelete, "/v1/accounts/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/accounts/"+created.ID+"/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var history struct {
		Items []eventResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	want := []string{"Create", "Update", "Delete"}
	if len(history.Items) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(history.Items))
	}
	for i, action := range want {
		if history.Items[i].Action != action || history.Items[i].CreatedBy != "user-a" {
			t.Fatalf("event %d = %s by %q, want %s by user-a", i, history.Items[i].Action, history.Items[i].CreatedBy, action)
		}
	}

	rec = env.do(t, http.MethodPost, "/v1/accounts/"+created.ID+"/restore", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("restore: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var restored accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &restored); err != nil {
		t.Fatalf("decode restored: %v", err)
	}
	if restored.ID == created.ID || restored.Balance != 25 {
		t.Fatalf("unexpected restored account: %+v", restored)
	}
}

func TestUpdateVersionConflictReturns409(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada"}`)
	rec := env.do(t, http.MethodPut, "/v1/accounts/"+created.ID, `{"name":"Bea","version":7}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestUpdateRejectsMismatchedBodyID(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada"}`)
	rec := env.do(t, http.MethodPut, "/v1/accounts/"+created.ID, `{"id":"other","name":"Bea"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLedgerAppendFailureStillReturnsEntity(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.appendErr = errors.New("disk full")

	rec := env.do(t, http.MethodPost, "/v1/accounts", `{"name":"Ada"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(ledgerStatusHdr); got != "append-failed" {
		t.Fatalf("expected append-failed ledger status, got %q", got)
	}
	if len(env.accounts.rows) != 1 {
		t.Fatalf("expected live row to be written, got %d", len(env.accounts.rows))
	}
}

func TestGetAndHeadAccount(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada"}`)

	if rec := env.do(t, http.MethodHead, "/v1/accounts/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("head existing: expected 200, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodHead, "/v1/accounts/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("head missing: expected 404, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("head must not carry a body, got %q", rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/v1/accounts/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: expected 404, got %d", rec.Code)
	}
}

func TestGetAccountRecordsView(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada"}`)

	if rec := env.do(t, http.MethodGet, "/v1/accounts/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	view, err := env.views.LastViewed(context.Background(), "Account", created.ID, "user-a")
	if err != nil {
		t.Fatalf("expected view to be recorded: %v", err)
	}
	if view.LastViewed.IsZero() {
		t.Fatal("expected non-zero view time")
	}
}

func TestDeltaSnapshot(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada","balance":10}`)
	if rec := env.do(t, http.MethodPut, "/v1/accounts/"+created.ID, `{"name":"Ada","balance":40}`); rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/accounts/"+created.ID+"/delta", `{"mode":"snapshot"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out domain.SnapshotChangeset
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.EntityTypeName != "Account" || out.LastModifiedEvent != domain.ActionUpdate {
		t.Fatalf("unexpected snapshot header: %+v", out)
	}
	if len(out.Changes) != len(domain.AccountType.Fields()) {
		t.Fatalf("expected one change per declared field, got %d", len(out.Changes))
	}
	effective := out.Changes.Effective()
	if len(effective) != 1 || effective[0].FieldName != "balance" {
		t.Fatalf("expected only balance to differ from the created state, got %+v", effective)
	}
}

func TestDeltaDifferentialSinceLastView(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada","balance":10}`)
	env.do(t, http.MethodGet, "/v1/accounts/"+created.ID, "")
	env.do(t, http.MethodPut, "/v1/accounts/"+created.ID, `{"name":"Ada","balance":20}`)
	env.do(t, http.MethodPut, "/v1/accounts/"+created.ID, `{"name":"Ada","balance":30}`)

	rec := env.do(t, http.MethodPost, "/v1/accounts/"+created.ID+"/delta", `{"mode":"Differential"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out domain.DifferentialChangeset
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Changesets) != 1 {
		t.Fatalf("expected one step after the first update, got %d", len(out.Changesets))
	}
}

func TestDeltaNoHistoryReturns204(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/accounts/unknown/delta", `{"mode":"Snapshot"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestDeltaBadModeReturns400(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/accounts/acc-1/delta", `{"mode":"Weekly"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHistoryXLSX(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, `{"name":"Ada"}`)
	rec := env.do(t, http.MethodGet, "/v1/accounts/"+created.ID+"/history.xlsx", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != xlsxContentType {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "PK") {
		t.Fatal("expected a zip container")
	}
}

func TestListLedger(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, `{"name":"Ada"}`)
	env.createAccount(t, `{"name":"Bea"}`)

	rec := env.do(t, http.MethodGet, "/v1/ledger?entity=Account&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Items     []eventResponse `json:"items"`
		NextAfter int64           `json:"next_after"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 1 || page.NextAfter != 1 {
		t.Fatalf("unexpected first page: %+v", page)
	}

	rec = env.do(t, http.MethodGet, "/v1/ledger?after=1", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != 2 {
		t.Fatalf("unexpected second page: %+v", page.Items)
	}
}

func TestListLedgerBadParams(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/v1/ledger?limit=bad", "/v1/ledger?after=x", "/v1/ledger?action=Upsert"} {
		if rec := env.do(t, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	router := NewHandler(Deps{
		Auth:           usecase.NewAuthService(&stubAPIKeyRepo{}),
		AllowedOrigins: []string{"https://app.example.com"},
	}).Router()

	req := httptest.NewRequest(http.MethodOptions, "/v1/accounts", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allow-origin header, got %q", got)
	}
}

func TestWriteJSONEncodeErrorHandled(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"bad": func() {}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestHandleDomainErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidID, http.StatusBadRequest},
		{fmt.Errorf("%w: x", domain.ErrInvalidMode), http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrSchemaMismatch, http.StatusUnprocessableEntity},
		{&domain.ErrSchemaViolation{Errors: []string{"name: required"}}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handleDomainError(rec, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestHandleDomainErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	handleDomainError(rec, errors.New("database is locked"))
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] != "internal server error" {
		t.Fatalf("unexpected error message: %q", payload["error"])
	}
}
