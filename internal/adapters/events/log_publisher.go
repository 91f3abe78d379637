package events

import (
	"context"
	"log"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

// LogPublisher writes change notifications to the process log. It is the
// publisher used when no webhook is configured.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, event domain.EventEnvelope) error {
	log.Printf("ledger notify topic=%s event_id=%s ledger_id=%d entity=%s/%s actor=%s", topic, event.EventID, event.LedgerID, event.EntityName, event.EntityID, event.Actor)
	return nil
}
