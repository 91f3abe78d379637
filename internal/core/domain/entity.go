package domain

// Entity is anything with a stable identifier that can be kept in the ledger.
type Entity interface {
	EntityID() string
}

// Versioned entities take part in optimistic concurrency checks on update.
type Versioned interface {
	EntityVersion() int64
}

// Stored entities can be stamped with an identity by a live store.
type Stored[T any] interface {
	Entity
	WithIdentity(id string, version int64) T
}

// Snapshot is the field view of one entity state. Fields is the declared
// field set of the schema; Values holds what is actually present, which for
// a historical payload may be fewer fields than declared.
type Snapshot struct {
	Schema string
	Fields []string
	Values map[string]any
}

func (s *Snapshot) Value(field string) (any, bool) {
	if s == nil || s.Values == nil {
		return nil, false
	}
	v, ok := s.Values[field]
	return v, ok
}
