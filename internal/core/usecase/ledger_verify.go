package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

// ReplayLedger pages through the whole ledger in insertion order and hands
// each event to applyFn.
func ReplayLedger(ctx context.Context, ledger *LedgerService, batchSize int, applyFn func(domain.Event) error) error {
	afterID := int64(0)
	for {
		events, err := ledger.List(ctx, domain.LedgerFilter{AfterID: afterID, Limit: batchSize})
		if err != nil {
			return fmt.Errorf("list ledger events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, e := range events {
			if err := applyFn(e); err != nil {
				return fmt.Errorf("apply ledger event %d: %w", e.ID, err)
			}
			afterID = e.ID
		}
	}
}

type LedgerProblem struct {
	EventID    int64  `json:"event_id"`
	EntityName string `json:"entity_name"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

type VerifyReport struct {
	Events   int             `json:"events"`
	Entities int             `json:"entities"`
	Problems []LedgerProblem `json:"problems"`
}

func (r VerifyReport) OK() bool { return len(r.Problems) == 0 }

type identityState struct {
	last     domain.Action
	lastDate time.Time
}

// VerifyLedger replays the ledger and checks every identity's lifecycle:
// it opens with a Create, a Delete is followed only by a Create and a Create
// only by something else, dates never go backwards and every payload decodes
// under its entity's schema.
func VerifyLedger(ctx context.Context, ledger *LedgerService, registry *domain.Registry, batchSize int) (VerifyReport, error) {
	report := VerifyReport{Problems: []LedgerProblem{}}
	states := map[string]*identityState{}

	err := ReplayLedger(ctx, ledger, batchSize, func(e domain.Event) error {
		report.Events++
		problem := func(format string, args ...any) {
			report.Problems = append(report.Problems, LedgerProblem{
				EventID:    e.ID,
				EntityName: e.EntityName,
				EntityID:   e.EntityID,
				Reason:     fmt.Sprintf(format, args...),
			})
		}

		key := e.EntityName + "/" + e.EntityID
		st, seen := states[key]
		switch {
		case !seen && e.Action != domain.ActionCreate:
			problem("lifecycle opens with %s", e.Action)
		case seen && st.last == domain.ActionDelete && e.Action != domain.ActionCreate:
			problem("%s after Delete", e.Action)
		case seen && st.last != domain.ActionDelete && e.Action == domain.ActionCreate:
			problem("Create after %s", st.last)
		case seen && e.CreatedDate.Before(st.lastDate):
			problem("created date %s before previous %s", e.CreatedDate.Format(time.RFC3339Nano), st.lastDate.Format(time.RFC3339Nano))
		}
		if !seen {
			st = &identityState{}
			states[key] = st
		}
		st.last = e.Action
		st.lastDate = e.CreatedDate

		for _, payload := range [][]byte{e.Changeset, e.OriginalObject, e.Before} {
			if len(payload) == 0 {
				continue
			}
			snap, err := registry.DecodePayload(payload)
			if err != nil {
				problem("payload: %v", err)
				continue
			}
			if snap.Schema != e.EntityName {
				problem("payload schema %q on %s event", snap.Schema, e.EntityName)
			}
		}
		return nil
	})
	if err != nil {
		return VerifyReport{}, err
	}
	report.Entities = len(states)
	return report, nil
}
