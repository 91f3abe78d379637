package domain

import (
	"errors"
	"regexp"
)

var (
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidEntityName = errors.New("invalid entity name")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrInvalidMode       = errors.New("unsupported delta mode")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("version conflict")
	ErrNoHistory         = errors.New("no history in range")
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrUnknownSchema     = errors.New("unknown schema")
	ErrLedgerAppend      = errors.New("ledger append failed")
	ErrLedgerSequence    = errors.New("ledger sequence violation")
	ErrInvalidSchema     = errors.New("invalid json schema")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

func ValidateID(id string) error {
	if id == "" || !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

func ValidateEntityName(name string) error {
	if name == "" || !idPattern.MatchString(name) {
		return ErrInvalidEntityName
	}
	return nil
}
