package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type taggedPayload struct {
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// EncodePayload serialises a snapshot into the ledger payload format:
// {"schema": <name>, "data": {<field>: <value>, ...}}.
func EncodePayload(s Snapshot) (json.RawMessage, error) {
	data := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := s.Values[f]; ok {
			data[f] = v
		}
	}
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", s.Schema, err)
	}
	out, err := json.Marshal(taggedPayload{Schema: s.Schema, Data: rawData})
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", s.Schema, err)
	}
	return out, nil
}

func splitPayload(payload json.RawMessage) (taggedPayload, error) {
	var tagged taggedPayload
	if len(payload) == 0 {
		return tagged, fmt.Errorf("%w: empty payload", ErrSchemaMismatch)
	}
	if err := json.Unmarshal(payload, &tagged); err != nil {
		return tagged, fmt.Errorf("decode payload: %w", err)
	}
	if tagged.Schema == "" {
		return tagged, fmt.Errorf("%w: payload has no schema tag", ErrSchemaMismatch)
	}
	return tagged, nil
}

// Registry maps schema names to entity types. Ledger payloads of every type
// share one table, so decoding always goes through here.
type Registry struct {
	mu    sync.RWMutex
	types map[string]EntityType
}

func NewRegistry(types ...EntityType) (*Registry, error) {
	r := &Registry{types: make(map[string]EntityType, len(types))}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t EntityType) error {
	if err := ValidateEntityName(t.Name()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name()]; exists {
		return fmt.Errorf("schema %q already registered", t.Name())
	}
	r.types[t.Name()] = t
	return nil
}

func (r *Registry) Lookup(name string) (EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodePayload turns a tagged payload into a snapshot of the schema it
// names. Declared fields come from the registered type; values are whatever
// the payload carries, so a payload written under an older field set keeps
// its gaps.
func (r *Registry) DecodePayload(payload json.RawMessage) (Snapshot, error) {
	tagged, err := splitPayload(payload)
	if err != nil {
		return Snapshot{}, err
	}
	t, err := r.Lookup(tagged.Schema)
	if err != nil {
		return Snapshot{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(tagged.Data))
	dec.UseNumber()
	values := map[string]any{}
	if err := dec.Decode(&values); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s payload data: %w", tagged.Schema, err)
	}
	return Snapshot{Schema: t.Name(), Fields: t.Fields(), Values: values}, nil
}
