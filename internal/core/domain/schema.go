package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrSchemaViolation is returned when an entity payload does not conform to
// the JSON schema configured for its type. Errors holds one message per
// failing keyword.
type ErrSchemaViolation struct {
	Errors []string
}

func (e *ErrSchemaViolation) Error() string {
	return fmt.Sprintf("schema validation failed: %s", strings.Join(e.Errors, "; "))
}

// EntitySchema is the JSON Schema document configured for an entity type.
type EntitySchema struct {
	EntityName string
	Schema     json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
