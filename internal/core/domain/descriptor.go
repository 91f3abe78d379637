package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field binds a declared field name to its accessor.
type Field[T any] struct {
	Name string
	Get  func(T) any
}

// EntityType is the type-erased view of a registered schema.
type EntityType interface {
	Name() string
	Fields() []string
}

// Descriptor is the field table of one entity type. Field names must be the
// JSON keys the entity uses, so that a stored payload can be decoded back
// into T when an entity is restored.
type Descriptor[T Entity] struct {
	name   string
	fields []Field[T]
	names  []string
}

// NewDescriptor panics on an empty or duplicate field name; descriptors are
// built once at package init.
func NewDescriptor[T Entity](name string, fields ...Field[T]) *Descriptor[T] {
	if err := ValidateEntityName(name); err != nil {
		panic(fmt.Sprintf("descriptor %q: %v", name, err))
	}
	seen := make(map[string]struct{}, len(fields))
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" || f.Get == nil {
			panic(fmt.Sprintf("descriptor %q: incomplete field %q", name, f.Name))
		}
		if _, dup := seen[f.Name]; dup {
			panic(fmt.Sprintf("descriptor %q: duplicate field %q", name, f.Name))
		}
		seen[f.Name] = struct{}{}
		names = append(names, f.Name)
	}
	return &Descriptor[T]{name: name, fields: fields, names: names}
}

func (d *Descriptor[T]) Name() string { return d.name }

func (d *Descriptor[T]) Fields() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Snapshot reads every declared field of entity through its accessor.
func (d *Descriptor[T]) Snapshot(entity T) (Snapshot, error) {
	values := make(map[string]any, len(d.fields))
	for _, f := range d.fields {
		v, err := normalizeValue(f.Get(entity))
		if err != nil {
			return Snapshot{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		values[f.Name] = v
	}
	return Snapshot{Schema: d.name, Fields: d.Fields(), Values: values}, nil
}

// Empty is the snapshot of the zero value of T.
func (d *Descriptor[T]) Empty() (Snapshot, error) {
	var zero T
	return d.Snapshot(zero)
}

// Decode rebuilds an entity from a tagged payload of this schema.
func (d *Descriptor[T]) Decode(payload json.RawMessage) (T, error) {
	var out T
	tagged, err := splitPayload(payload)
	if err != nil {
		return out, err
	}
	if tagged.Schema != d.name {
		return out, fmt.Errorf("%w: payload schema %q, want %q", ErrSchemaMismatch, tagged.Schema, d.name)
	}
	if err := json.Unmarshal(tagged.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", d.name, err)
	}
	return out, nil
}

// normalizeValue round-trips v through JSON so that a live value and a value
// read back from a payload have the same Go representation.
func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSONValue(raw)
}

func decodeJSONValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
