package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

// ExtractChanges reports one change per field declared on destination's
// schema, equal values included. Fields known only to source are ignored. A
// nil destination yields no changes.
func ExtractChanges(source, destination *domain.Snapshot) (domain.Changes, error) {
	if destination == nil {
		return domain.Changes{}, nil
	}

	changes := make(domain.Changes, 0, len(destination.Fields))
	for _, field := range destination.Fields {
		from, ok := source.Value(field)
		if !ok {
			return nil, fmt.Errorf("%w: source %s has no field %q", domain.ErrSchemaMismatch, schemaName(source), field)
		}
		to, ok := destination.Value(field)
		if !ok {
			return nil, fmt.Errorf("%w: destination %s has no field %q", domain.ErrSchemaMismatch, destination.Schema, field)
		}
		changes = append(changes, domain.Change{FieldName: field, FromValue: from, ToValue: to})
	}
	return changes, nil
}

// DetailedCompare diffs source against destination and returns destination
// encoded as a ledger payload.
func DetailedCompare(source, destination *domain.Snapshot) (json.RawMessage, error) {
	if destination == nil {
		return nil, nil
	}
	if _, err := ExtractChanges(source, destination); err != nil {
		return nil, err
	}
	return domain.EncodePayload(*destination)
}

func schemaName(s *domain.Snapshot) string {
	if s == nil {
		return "<nil>"
	}
	return s.Schema
}
