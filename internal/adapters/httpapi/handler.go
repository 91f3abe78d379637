package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/export"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/usecase"
)

const (
	timeFormat      = "2006-01-02T15:04:05.999999999Z07:00"
	ledgerStatusHdr = "X-Ledger-Status"
	maxJSONBodySize = 1 << 20
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Deps are the services the router serves. Views may be nil, in which case
// reads are not tracked.
type Deps struct {
	Accounts *usecase.HistoricalService[domain.Account]
	Delta    *usecase.DeltaService
	Ledger   *usecase.LedgerService
	Schemas  *usecase.SchemaService
	Auth     *usecase.AuthService
	Views    ports.ViewTracker
	Registry *domain.Registry

	// AllowedOrigins enables CORS for the listed origins. Empty disables it.
	AllowedOrigins []string
}

type Handler struct {
	deps Deps
	now  func() time.Time
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, now: time.Now}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)
		pr.Get("/v1/accounts", h.listAccounts)
		pr.Post("/v1/accounts", h.createAccount)
		pr.Get("/v1/accounts/{id}", h.getAccount)
		pr.Head("/v1/accounts/{id}", h.headAccount)
		pr.Put("/v1/accounts/{id}", h.updateAccount)
		pr.Delete("/v1/accounts/{id}", h.deleteAccount)
		pr.Post("/v1/accounts/{id}/restore", h.restoreAccount)
		pr.Get("/v1/accounts/{id}/history", h.accountHistory)
		pr.Get("/v1/accounts/{id}/history.xlsx", h.accountHistoryXLSX)
		pr.Post("/v1/accounts/{id}/delta", h.accountDelta)

		pr.Get("/v1/ledger", h.listLedger)

		pr.Put("/v1/schemas/{entity}", h.putSchema)
		pr.Get("/v1/schemas/{entity}", h.getSchema)
		pr.Delete("/v1/schemas/{entity}", h.deleteSchema)
	})

	if len(h.deps.AllowedOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: h.deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{ledgerStatusHdr, middleware.RequestIDHeader},
	}).Handler(r)
}

type accountResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
}

type eventResponse struct {
	ID             int64           `json:"id"`
	EventID        string          `json:"event_id"`
	EntityName     string          `json:"entity_name"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"`
	Changeset      json.RawMessage `json:"changeset"`
	Before         json.RawMessage `json:"before,omitempty"`
	OriginalObject json.RawMessage `json:"original_object,omitempty"`
	CreatedDate    string          `json:"created_date"`
	CreatedBy      string          `json:"created_by"`
}

type schemaResponse struct {
	Entity    string          `json:"entity"`
	Schema    json.RawMessage `json:"schema"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.deps.Accounts.GetAll(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}

	result := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		result = append(result, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.Account
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := h.deps.Accounts.Create(r.Context(), req)
	writeMutation(w, http.StatusCreated, account, err)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	account, err := h.deps.Accounts.GetByID(r.Context(), id)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	h.recordView(r.Context(), id)
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) headAccount(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Accounts.GetByID(r.Context(), chi.URLParam(r, "id")); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req domain.Account
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID != "" && req.ID != id {
		writeError(w, http.StatusBadRequest, "body id does not match path")
		return
	}

	account, err := h.deps.Accounts.Update(r.Context(), id, req)
	writeMutation(w, http.StatusOK, account, err)
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.deps.Accounts.Delete(r.Context(), chi.URLParam(r, "id"))
	writeMutation(w, http.StatusOK, account, err)
}

func (h *Handler) restoreAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.deps.Accounts.Restore(r.Context(), chi.URLParam(r, "id"))
	writeMutation(w, http.StatusCreated, account, err)
}

func (h *Handler) accountHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.deps.Accounts.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toEventResponses(events)})
}

func (h *Handler) accountHistoryXLSX(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.deps.Accounts.GetHistory(r.Context(), id)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteHistory(&buf, h.deps.Registry, events); err != nil {
		log.Printf("export history %s/%s: %v", h.deps.Accounts.EntityName(), id, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+h.deps.Accounts.EntityName()+"-"+id+`-history.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("write response: %v", err)
	}
}

func (h *Handler) accountDelta(w http.ResponseWriter, r *http.Request) {
	var req domain.DeltaRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.deps.Delta.Query(r.Context(), h.deps.Accounts.EntityName(), chi.URLParam(r, "id"), req)
	if errors.Is(err, domain.ErrNoHistory) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Body())
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var afterID int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be integer")
			return
		}
		afterID = parsed
	}

	events, err := h.deps.Ledger.List(r.Context(), domain.LedgerFilter{
		EntityName: r.URL.Query().Get("entity"),
		EntityID:   r.URL.Query().Get("entity_id"),
		Action:     domain.Action(r.URL.Query().Get("action")),
		AfterID:    afterID,
		Limit:      limit,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	payload := map[string]any{"items": toEventResponses(events)}
	if len(events) > 0 {
		payload["next_after"] = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) putSchema(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if _, err := h.deps.Registry.Lookup(entity); err != nil {
		handleDomainError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	es, err := h.deps.Schemas.Upsert(r.Context(), entity, body)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchemaResponse(es))
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	es, err := h.deps.Schemas.Get(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchemaResponse(es))
}

func (h *Handler) deleteSchema(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.deps.Schemas.Delete(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, openapiSpec())
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		ctx, _, err := h.deps.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, usecase.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordView is best effort; a failed write never fails the read.
func (h *Handler) recordView(ctx context.Context, id string) {
	user := h.deps.Auth.CurrentUser(ctx)
	if h.deps.Views == nil || user == "" {
		return
	}
	err := h.deps.Views.RecordView(ctx, domain.View{
		EntityName: h.deps.Accounts.EntityName(),
		EntityID:   id,
		UserID:     user,
		LastViewed: h.now().UTC(),
	})
	if err != nil {
		log.Printf("record view %s/%s user=%s: %v", h.deps.Accounts.EntityName(), id, user, err)
	}
}

func toAccountResponse(a domain.Account) accountResponse {
	return accountResponse{
		ID:      a.ID,
		Name:    a.Name,
		Email:   a.Email,
		Address: a.Address,
		Balance: a.Balance,
		Version: a.Version,
	}
}

func toEventResponses(events []domain.Event) []eventResponse {
	result := make([]eventResponse, 0, len(events))
	for _, e := range events {
		result = append(result, eventResponse{
			ID:             e.ID,
			EventID:        e.EventID,
			EntityName:     e.EntityName,
			EntityID:       e.EntityID,
			Action:         string(e.Action),
			Changeset:      e.Changeset,
			Before:         e.Before,
			OriginalObject: e.OriginalObject,
			CreatedDate:    e.CreatedDate.UTC().Format(timeFormat),
			CreatedBy:      e.CreatedBy,
		})
	}
	return result
}

func toSchemaResponse(es domain.EntitySchema) schemaResponse {
	return schemaResponse{
		Entity:    es.EntityName,
		Schema:    es.Schema,
		CreatedAt: es.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt: es.UpdatedAt.UTC().Format(timeFormat),
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// writeMutation answers a write. A failed ledger append still returns the
// live entity, flagged in the X-Ledger-Status header.
func writeMutation(w http.ResponseWriter, status int, account domain.Account, err error) {
	if err != nil && errors.Is(err, domain.ErrLedgerAppend) {
		w.Header().Set(ledgerStatusHdr, "append-failed")
		writeJSON(w, status, toAccountResponse(account))
		return
	}
	if err != nil {
		handleDomainError(w, err)
		return
	}
	w.Header().Set(ledgerStatusHdr, "recorded")
	writeJSON(w, status, toAccountResponse(account))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("encode json response: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func statusFor(err error) int {
	var sv *domain.ErrSchemaViolation
	switch {
	case errors.As(err, &sv):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidEntityName),
		errors.Is(err, domain.ErrInvalidFilter),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidSchema):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownSchema):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrLedgerSequence):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNoHistory):
		return http.StatusNoContent
	}
	return http.StatusInternalServerError
}

func handleDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var sv *domain.ErrSchemaViolation
	switch {
	case errors.As(err, &sv):
		writeJSON(w, status, map[string]any{"error": "schema validation failed", "errors": sv.Errors})
	case status == http.StatusNoContent:
		w.WriteHeader(status)
	case status == http.StatusInternalServerError:
		log.Printf("internal error: %v", err)
		writeError(w, status, "internal server error")
	default:
		writeError(w, status, err.Error())
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func openapiSpec() map[string]any {
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "deltaledger",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/v1/accounts": map[string]any{
				"get":  map[string]any{"summary": "List accounts"},
				"post": map[string]any{"summary": "Create account"},
			},
			"/v1/accounts/{id}": map[string]any{
				"get":    map[string]any{"summary": "Get account"},
				"head":   map[string]any{"summary": "Check account exists"},
				"put":    map[string]any{"summary": "Update account"},
				"delete": map[string]any{"summary": "Delete account"},
			},
			"/v1/accounts/{id}/restore": map[string]any{
				"post": map[string]any{"summary": "Restore a deleted account"},
			},
			"/v1/accounts/{id}/history": map[string]any{
				"get": map[string]any{"summary": "Ledger events of an account"},
			},
			"/v1/accounts/{id}/history.xlsx": map[string]any{
				"get": map[string]any{"summary": "Ledger events of an account as xlsx"},
			},
			"/v1/accounts/{id}/delta": map[string]any{
				"post": map[string]any{"summary": "Changes over a time window (Snapshot or Differential)"},
			},
			"/v1/ledger": map[string]any{
				"get": map[string]any{"summary": "List ledger events"},
			},
			"/v1/schemas/{entity}": map[string]any{
				"put":    map[string]any{"summary": "Set entity JSON schema"},
				"get":    map[string]any{"summary": "Get entity JSON schema"},
				"delete": map[string]any{"summary": "Delete entity JSON schema"},
			},
		},
	}
}
