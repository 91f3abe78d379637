package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/events"
	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/export"
	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/httpapi"
	sqliteadapter "github.com/atvirokodosprendimai/deltaledger/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/usecase"
	"github.com/atvirokodosprendimai/deltaledger/migrations"
)

type Config struct {
	Addr             string
	DBPath           string
	BootstrapAPIKey  string
	BootstrapUser    string
	BootstrapKeyName string
	WebhookURL       string
	WebhookSecret    string
	WebhookTimeout   time.Duration
	AutoCommit       bool
	AllowedOrigins   []string
	OutboxInterval   time.Duration
	OutboxBatchSize  int
	OutboxMaxAttempt int
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		DBPath:           "./deltaledger.sqlite",
		BootstrapUser:    "admin",
		BootstrapKeyName: "bootstrap",
		WebhookTimeout:   10 * time.Second,
		AutoCommit:       true,
		OutboxInterval:   2 * time.Second,
		OutboxBatchSize:  100,
		OutboxMaxAttempt: 10,
	}
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ledger is the wired core shared by the server and the offline commands.
type ledger struct {
	db       *gormsqlite.DB
	registry *domain.Registry
	store    *sqliteadapter.LedgerStore
	schemas  *usecase.SchemaService
	views    *sqliteadapter.ViewRepository
	accounts *usecase.HistoricalService[domain.Account]
	lookup   *usecase.LookupRegistry
	delta    *usecase.DeltaService
	list     *usecase.LedgerService
	auth     *usecase.AuthService
}

// openLedger migrates the database and wires the core. Ledger events and
// views are attributed to the user AuthService bound to the request context.
func openLedger(ctx context.Context, cfg Config) (*ledger, error) {
	db, err := gormsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migrateCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, err
	}

	registry, err := domain.NewRegistry(domain.AccountType)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build schema registry: %w", err)
	}

	auth := usecase.NewAuthService(sqliteadapter.NewAPIKeyRepository(db))
	store := sqliteadapter.NewLedgerStore(db)
	schemas := usecase.NewSchemaService(sqliteadapter.NewSchemaRepository(db))
	live := usecase.NewEntityService[domain.Account](
		domain.AccountType.Name(),
		sqliteadapter.NewEntityRepository[domain.Account](db, domain.AccountType.Name()),
		schemas,
	)
	accounts := usecase.NewHistoricalService[domain.Account](live, domain.AccountType, store,
		usecase.WithAutoCommit(cfg.AutoCommit),
		usecase.WithUserProvider(auth),
	)

	lookup := usecase.NewLookupRegistry()
	if err := lookup.Register(accounts.EntityName(), accounts.Snapshot); err != nil {
		_ = db.Close()
		return nil, err
	}

	views := sqliteadapter.NewViewRepository(db)
	delta := usecase.NewDeltaService(store, registry, lookup, views)
	delta.SetUserProvider(auth)

	return &ledger{
		db:       db,
		registry: registry,
		store:    store,
		schemas:  schemas,
		views:    views,
		accounts: accounts,
		lookup:   lookup,
		delta:    delta,
		list:     usecase.NewLedgerService(store),
		auth:     auth,
	}, nil
}

func NewServer(ctx context.Context, cfg Config) (*http.Server, io.Closer, error) {
	l, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	outboxRepo := sqliteadapter.NewOutboxRepository(l.db)

	var publisher ports.EventPublisher = events.NewLogPublisher()
	if cfg.WebhookURL != "" {
		publisher = events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)
		log.Printf("outbox: delivering to webhook %s", cfg.WebhookURL)
	}
	dispatcher := usecase.NewOutboxDispatcher(outboxRepo, publisher, cfg.OutboxInterval, cfg.OutboxBatchSize)
	if cfg.OutboxMaxAttempt > 0 {
		dispatcher.SetMaxAttempts(cfg.OutboxMaxAttempt)
	}
	dispatcher.Start(context.Background())

	if cfg.BootstrapAPIKey != "" {
		user := cfg.BootstrapUser
		if user == "" {
			user = "admin"
		}
		name := cfg.BootstrapKeyName
		if name == "" {
			name = "bootstrap"
		}

		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := l.auth.Register(bootstrapCtx, cfg.BootstrapAPIKey, user, name)
		bootstrapCancel()
		if err != nil {
			_ = dispatcher.Close()
			_ = l.db.Close()
			return nil, nil, fmt.Errorf("bootstrap api key: %w", err)
		}
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Accounts:       l.accounts,
		Delta:          l.delta,
		Ledger:         l.list,
		Schemas:        l.schemas,
		Auth:           l.auth,
		Views:          l.views,
		Registry:       l.registry,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, resourceCloser{closers: []io.Closer{dispatcher, l.db}}, nil
}

// ExportHistory writes the xlsx history of one account to w.
func ExportHistory(ctx context.Context, cfg Config, id string, w io.Writer) error {
	l, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = l.db.Close() }()

	events, err := l.accounts.GetHistory(ctx, id)
	if err != nil {
		return err
	}
	return export.WriteHistory(w, l.registry, events)
}

type VerifyResult struct {
	SchemaVersion int64
	Report        usecase.VerifyReport
}

// Verify replays the whole ledger and reports lifecycle violations.
func Verify(ctx context.Context, cfg Config, batchSize int) (VerifyResult, error) {
	l, err := openLedger(ctx, cfg)
	if err != nil {
		return VerifyResult{}, err
	}
	defer func() { _ = l.db.Close() }()

	writeSQLDB, err := l.db.WriteSQLDB()
	if err != nil {
		return VerifyResult{}, err
	}
	version, err := migrations.Version(ctx, writeSQLDB)
	if err != nil {
		return VerifyResult{}, err
	}

	report, err := usecase.VerifyLedger(ctx, l.list, l.registry, batchSize)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{SchemaVersion: version, Report: report}, nil
}

// IssueAPIKey creates a new key for userID and returns its token.
func IssueAPIKey(ctx context.Context, cfg Config, userID, name string) (string, error) {
	l, err := openLedger(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = l.db.Close() }()

	token, _, err := l.auth.Issue(ctx, userID, name)
	return token, err
}

func RevokeAPIKey(ctx context.Context, cfg Config, token string) error {
	l, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = l.db.Close() }()

	return l.auth.Revoke(ctx, token)
}

func ListAPIKeys(ctx context.Context, cfg Config, userID string) ([]domain.APIKey, error) {
	l, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.db.Close() }()

	return l.auth.Keys(ctx, userID)
}
