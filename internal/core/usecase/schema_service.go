package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
)

// SchemaService manages per-entity JSON schemas and validates entity payloads.
type SchemaService struct {
	repo  ports.EntitySchemaRepository
	cache sync.Map // entity name -> *santhosh.Schema
}

func NewSchemaService(repo ports.EntitySchemaRepository) *SchemaService {
	return &SchemaService{repo: repo}
}

func (s *SchemaService) Upsert(ctx context.Context, entityName string, schemaJSON json.RawMessage) (domain.EntitySchema, error) {
	if err := domain.ValidateEntityName(entityName); err != nil {
		return domain.EntitySchema{}, err
	}
	if !json.Valid(schemaJSON) {
		return domain.EntitySchema{}, fmt.Errorf("%w: not valid json", domain.ErrInvalidSchema)
	}
	if err := compilable(schemaJSON); err != nil {
		return domain.EntitySchema{}, fmt.Errorf("%w: %w", domain.ErrInvalidSchema, err)
	}
	s.cache.Delete(entityName)
	return s.repo.Upsert(ctx, domain.EntitySchema{
		EntityName: entityName,
		Schema:     schemaJSON,
	})
}

func (s *SchemaService) Get(ctx context.Context, entityName string) (domain.EntitySchema, error) {
	if err := domain.ValidateEntityName(entityName); err != nil {
		return domain.EntitySchema{}, err
	}
	return s.repo.Get(ctx, entityName)
}

func (s *SchemaService) Delete(ctx context.Context, entityName string) (bool, error) {
	if err := domain.ValidateEntityName(entityName); err != nil {
		return false, err
	}
	s.cache.Delete(entityName)
	return s.repo.Delete(ctx, entityName)
}

// Validate checks data against the entity's schema. Data passes when no
// schema is configured. Returns *domain.ErrSchemaViolation on failure.
func (s *SchemaService) Validate(ctx context.Context, entityName string, data json.RawMessage) error {
	if cached, ok := s.cache.Load(entityName); ok {
		return runValidation(cached.(*santhosh.Schema), data)
	}

	es, err := s.repo.Get(ctx, entityName)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	compiled, err := compileSchema(es.Schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	s.cache.Store(entityName, compiled)
	return runValidation(compiled, data)
}

// compileSchema builds a *santhosh.Schema from raw JSON.
func compileSchema(schemaJSON json.RawMessage) (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// runValidation validates data against a pre-compiled schema.
func runValidation(sch *santhosh.Schema, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			msgs := collectValidationErrors(ve)
			return &domain.ErrSchemaViolation{Errors: msgs}
		}
		return &domain.ErrSchemaViolation{Errors: []string{err.Error()}}
	}
	return nil
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}

// compilable returns an error if schemaJSON is not a valid JSON Schema document.
func compilable(schemaJSON json.RawMessage) error {
	_, err := compileSchema(schemaJSON)
	return err
}
