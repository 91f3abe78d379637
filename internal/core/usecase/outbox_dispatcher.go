package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
	"github.com/atvirokodosprendimai/deltaledger/internal/metrics"
)

const defaultOutboxMaxAttempts = 5

// OutboxDispatcher delivers ledger change notifications queued in the outbox.
// Delivery is at-least-once and never touches the ledger itself.
type OutboxDispatcher struct {
	repo        ports.OutboxRepository
	publisher   ports.EventPublisher
	interval    time.Duration
	batchSize   int
	maxAttempts int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
	dead      atomic.Int64
}

type OutboxStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

func NewOutboxDispatcher(repo ports.OutboxRepository, publisher ports.EventPublisher, interval time.Duration, batchSize int) *OutboxDispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &OutboxDispatcher{
		repo:        repo,
		publisher:   publisher,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: defaultOutboxMaxAttempts,
	}
}

// SetMaxAttempts sets how many failed deliveries move a notification to dead.
func (d *OutboxDispatcher) SetMaxAttempts(n int) {
	if n > 0 {
		d.maxAttempts = n
	}
}

func (d *OutboxDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(ctx)
}

func (d *OutboxDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *OutboxDispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.dispatchBatch(ctx); err != nil {
			log.Printf("outbox: dispatch batch: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *OutboxDispatcher) dispatchBatch(ctx context.Context) error {
	pending, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for _, item := range pending {
		var envelope domain.EventEnvelope
		if err := json.Unmarshal(item.PayloadJSON, &envelope); err != nil {
			if err := d.fail(ctx, item, fmt.Sprintf("decode payload: %v", err)); err != nil {
				return err
			}
			continue
		}

		if err := d.publisher.Publish(ctx, item.Topic, envelope); err != nil {
			if err := d.fail(ctx, item, err.Error()); err != nil {
				return err
			}
			continue
		}

		if err := d.repo.MarkDispatched(ctx, item.ID); err != nil {
			return err
		}
		d.delivered.Add(1)
		metrics.OutboxDispatched.Inc()
	}
	return nil
}

func (d *OutboxDispatcher) fail(ctx context.Context, item domain.OutboxEvent, reason string) error {
	d.failed.Add(1)
	metrics.OutboxFailed.Inc()

	attempts := item.Attempts + 1
	if attempts >= d.maxAttempts {
		if err := d.repo.MarkDead(ctx, item.ID, attempts, reason); err != nil {
			return err
		}
		d.dead.Add(1)
		metrics.OutboxDead.Inc()
		log.Printf("outbox: giving up on event=%s after %d attempts: %s", item.EventID, attempts, reason)
		return nil
	}
	next := time.Now().UTC().Add(retryDelay(attempts)).Format(time.RFC3339Nano)
	return d.repo.MarkFailed(ctx, item.ID, attempts, next, reason)
}

func (d *OutboxDispatcher) Stats() OutboxStats {
	return OutboxStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dead:      d.dead.Load(),
	}
}

// retryDelay grows quadratically with the attempt count, capped at five
// minutes.
func retryDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return time.Second
	}
	delay := time.Duration(attempt*attempt) * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
