package domain

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

var (
	MinTime = time.Time{}
	MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999999, time.UTC)
)

// Change is one field-level difference. It is computed on read and never
// stored on its own.
type Change struct {
	FieldName string `json:"fieldName"`
	FromValue any    `json:"fromValue"`
	ToValue   any    `json:"toValue"`
}

type Changes []Change

// Effective drops the fields whose value did not change.
func (c Changes) Effective() Changes {
	out := make(Changes, 0, len(c))
	for _, ch := range c {
		if !reflect.DeepEqual(ch.FromValue, ch.ToValue) {
			out = append(out, ch)
		}
	}
	return out
}

type Changeset struct {
	Date      time.Time `json:"date"`
	UserID    string    `json:"userId"`
	EventName Action    `json:"eventName"`
	Changes   Changes   `json:"changes"`
}

type SnapshotChangeset struct {
	EntityTypeName    string    `json:"entityTypeName"`
	EntityID          string    `json:"entityId"`
	LastViewed        time.Time `json:"lastViewed"`
	LastModifiedDate  time.Time `json:"lastModifiedDate"`
	LastModifiedBy    string    `json:"lastModifiedBy"`
	LastModifiedEvent Action    `json:"lastModifiedEvent"`
	Changes           Changes   `json:"changes"`
}

type DifferentialChangeset struct {
	EntityTypeName string      `json:"entityTypeName"`
	EntityID       string      `json:"entityId"`
	LastViewed     time.Time   `json:"lastViewed"`
	Changesets     []Changeset `json:"changesets"`
}

type DeltaMode string

const (
	DeltaSnapshot     DeltaMode = "Snapshot"
	DeltaDifferential DeltaMode = "Differential"
)

func ParseDeltaMode(s string) (DeltaMode, error) {
	switch {
	case strings.EqualFold(s, string(DeltaSnapshot)):
		return DeltaSnapshot, nil
	case strings.EqualFold(s, string(DeltaDifferential)):
		return DeltaDifferential, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// DeltaRequest is the wire-level delta query. Nil bounds are resolved by the
// delta service.
type DeltaRequest struct {
	Mode DeltaMode  `json:"mode"`
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// TimeRange is an inclusive window.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Validate() error {
	if r.To.Before(r.From) {
		return fmt.Errorf("%w: range end before start", ErrInvalidFilter)
	}
	return nil
}

// UnixNanoKey is the sortable integer form of a ledger timestamp, clamped to
// the range an int64 nanosecond count can hold.
func UnixNanoKey(t time.Time) int64 {
	switch {
	case t.Before(time.Unix(0, math.MinInt64)):
		return math.MinInt64
	case t.After(time.Unix(0, math.MaxInt64)):
		return math.MaxInt64
	}
	return t.UnixNano()
}
