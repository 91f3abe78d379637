package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

const (
	HistorySheet = "History"
	ChangesSheet = "Changes"
)

var historyHeader = []string{"ledger_id", "event_id", "date", "user", "action"}

// WriteHistory renders an entity's ledger events as an xlsx workbook. The
// History sheet holds the recorded state per event, one column per declared
// field. The Changes sheet lists every field whose value moved between the
// pre-state and the post-state of an event.
func WriteHistory(w io.Writer, registry *domain.Registry, events []domain.Event) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), HistorySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(ChangesSheet); err != nil {
		return fmt.Errorf("create changes sheet: %w", err)
	}

	var fields []string
	if len(events) > 0 {
		first, err := registry.DecodePayload(events[0].Changeset)
		if err != nil {
			return fmt.Errorf("decode event %d: %w", events[0].ID, err)
		}
		fields = first.Fields
	}

	header := make([]any, 0, len(historyHeader)+len(fields))
	for _, h := range historyHeader {
		header = append(header, h)
	}
	for _, field := range fields {
		header = append(header, field)
	}
	if err := setRow(f, HistorySheet, 1, header); err != nil {
		return err
	}
	if err := setRow(f, ChangesSheet, 1, []any{"ledger_id", "date", "user", "action", "field", "from", "to"}); err != nil {
		return err
	}

	changeRow := 2
	for i, event := range events {
		state, err := registry.DecodePayload(event.Changeset)
		if err != nil {
			return fmt.Errorf("decode event %d: %w", event.ID, err)
		}

		row := []any{event.ID, event.EventID, event.CreatedDate.UTC().Format(time.RFC3339Nano), event.CreatedBy, string(event.Action)}
		for _, field := range fields {
			v, _ := state.Value(field)
			row = append(row, cellValue(v))
		}
		if err := setRow(f, HistorySheet, i+2, row); err != nil {
			return err
		}

		if event.Action != domain.ActionUpdate || len(event.Before) == 0 {
			continue
		}
		before, err := registry.DecodePayload(event.Before)
		if err != nil {
			return fmt.Errorf("decode event %d pre-state: %w", event.ID, err)
		}
		for _, field := range state.Fields {
			from, _ := before.Value(field)
			to, _ := state.Value(field)
			if fmt.Sprint(from) == fmt.Sprint(to) {
				continue
			}
			err := setRow(f, ChangesSheet, changeRow, []any{
				event.ID, event.CreatedDate.UTC().Format(time.RFC3339Nano), event.CreatedBy, string(event.Action),
				field, cellValue(from), cellValue(to),
			})
			if err != nil {
				return err
			}
			changeRow++
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func cellValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if n, err := val.Float64(); err == nil {
			return n
		}
		return val.String()
	case string, bool, int64, float64:
		return val
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
