package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

// EventStore is the append-only ledger. An empty entityName matches events
// of every schema. Sequences are ordered by created date, then insertion.
type EventStore interface {
	Append(ctx context.Context, event domain.Event) (domain.Event, error)
	AllEvents(ctx context.Context, entityName, entityID string) ([]domain.Event, error)
	EventsInRange(ctx context.Context, entityName, entityID string, from, to time.Time) ([]domain.Event, error)
	LatestEvent(ctx context.Context, entityName, entityID string, action domain.Action) (domain.Event, error)
}

// Committer is implemented by stores that can flush appended events to
// durable storage on demand.
type Committer interface {
	Commit(ctx context.Context) error
}

type LedgerRepository interface {
	List(ctx context.Context, filter domain.LedgerFilter) ([]domain.Event, error)
}

type OutboxRepository interface {
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
}
