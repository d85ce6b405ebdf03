// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec serializes step inputs, step outputs, and hook payloads with
// a process-wide class registry. Registered Go types round-trip through the
// event log as tagged records; unregistered tagged records materialize as
// ClassInstanceRef so readers still see the data.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// refTag is the discriminator value for tagged class-instance records.
const refTag = "class_instance_ref"

// ClassInstanceRef is the downgraded form of a tagged record whose class is
// not registered in the consuming context.
type ClassInstanceRef struct {
	ClassName string          `json:"className"`
	ClassID   string          `json:"classId"`
	Data      json.RawMessage `json:"data"`
}

// taggedRecord is the wire form of a registered class instance.
type taggedRecord struct {
	Type      string          `json:"__type"`
	ClassName string          `json:"className"`
	ClassID   string          `json:"classId"`
	Data      json.RawMessage `json:"data"`
}

type classEntry struct {
	classID   string
	className string
	typ       reflect.Type
}

// Registry maps class IDs to Go types. A registry may have a fallback that
// is consulted when a class is absent locally; the orchestrator's isolated
// replay context uses the process default registry as its fallback.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]classEntry
	byType   map[reflect.Type]classEntry
	fallback *Registry
}

// NewRegistry creates an empty registry. A non-nil fallback is consulted for
// lookups that miss locally.
func NewRegistry(fallback *Registry) *Registry {
	return &Registry{
		byID:     make(map[string]classEntry),
		byType:   make(map[reflect.Type]classEntry),
		fallback: fallback,
	}
}

// defaultRegistry is the process-wide registry, written at init time by
// user packages and read thereafter.
var defaultRegistry = NewRegistry(nil)

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds the dynamic type of prototype to the registry. The class ID
// is derived from the type's package path and name, so it is stable across
// processes built from the same source. Registering the same type or the
// same derived ID twice is an error.
func (r *Registry) Register(prototype any) error {
	typ := reflect.TypeOf(prototype)
	if typ == nil {
		return fmt.Errorf("codec: cannot register nil prototype")
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return fmt.Errorf("codec: only struct types can be registered, got %s", typ.Kind())
	}

	entry := classEntry{
		classID:   typ.PkgPath() + "." + typ.Name(),
		className: typ.Name(),
		typ:       typ,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[entry.classID]; exists {
		return fmt.Errorf("codec: class %s already registered", entry.classID)
	}
	if _, exists := r.byType[typ]; exists {
		return fmt.Errorf("codec: type %s already registered", typ)
	}
	r.byID[entry.classID] = entry
	r.byType[typ] = entry
	return nil
}

// MustRegister is Register that panics on error. Intended for package init.
func (r *Registry) MustRegister(prototype any) {
	if err := r.Register(prototype); err != nil {
		panic(err)
	}
}

// Register adds a type to the process-wide registry.
func Register(prototype any) error { return defaultRegistry.Register(prototype) }

// MustRegister adds a type to the process-wide registry, panicking on error.
func MustRegister(prototype any) { defaultRegistry.MustRegister(prototype) }

func (r *Registry) lookupByType(typ reflect.Type) (classEntry, bool) {
	r.mu.RLock()
	entry, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok && r.fallback != nil {
		return r.fallback.lookupByType(typ)
	}
	return entry, ok
}

func (r *Registry) lookupByID(classID string) (classEntry, bool) {
	r.mu.RLock()
	entry, ok := r.byID[classID]
	r.mu.RUnlock()
	if !ok && r.fallback != nil {
		return r.fallback.lookupByID(classID)
	}
	return entry, ok
}

// Marshal encodes v for the event log. Registered class instances, whether
// at the top level or as elements of slices and string-keyed maps, are
// emitted as tagged records.
func (r *Registry) Marshal(v any) (json.RawMessage, error) {
	encoded, err := r.encode(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encoded)
}

// encode rewrites v into a JSON-marshalable shape with tagged records
// substituted for registered class instances.
func (r *Registry) encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	rv := reflect.ValueOf(v)
	typ := rv.Type()
	if typ.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
		typ = rv.Type()
	}

	if entry, ok := r.lookupByType(typ); ok {
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("codec: marshal %s: %w", entry.classID, err)
		}
		return taggedRecord{
			Type:      refTag,
			ClassName: entry.className,
			ClassID:   entry.classID,
			Data:      data,
		}, nil
	}

	switch typ.Kind() {
	case reflect.Slice, reflect.Array:
		if typ.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if typ.Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := r.encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if typ.Key().Kind() != reflect.String {
			return rv.Interface(), nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := r.encode(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	default:
		return rv.Interface(), nil
	}
}

// Unmarshal decodes event-log data into a Go value. Tagged records whose
// class is registered (locally or via fallback) rehydrate into a pointer to
// the registered type; unregistered records become *ClassInstanceRef.
func (r *Registry) Unmarshal(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return r.decode(raw)
}

func (r *Registry) decode(v any) (any, error) {
	switch value := v.(type) {
	case map[string]any:
		if tagged, ok := asTaggedRecord(value); ok {
			return r.rehydrate(tagged)
		}
		out := make(map[string]any, len(value))
		for k, elem := range value {
			dec, err := r.decode(elem)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, elem := range value {
			dec, err := r.decode(elem)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Registry) rehydrate(tagged taggedRecord) (any, error) {
	entry, ok := r.lookupByID(tagged.ClassID)
	if !ok {
		return &ClassInstanceRef{
			ClassName: tagged.ClassName,
			ClassID:   tagged.ClassID,
			Data:      tagged.Data,
		}, nil
	}
	instance := reflect.New(entry.typ).Interface()
	if err := json.Unmarshal(tagged.Data, instance); err != nil {
		return nil, fmt.Errorf("codec: rehydrate %s: %w", tagged.ClassID, err)
	}
	return instance, nil
}

func asTaggedRecord(m map[string]any) (taggedRecord, bool) {
	tag, ok := m["__type"].(string)
	if !ok || tag != refTag {
		return taggedRecord{}, false
	}
	record := taggedRecord{Type: tag}
	record.ClassName, _ = m["className"].(string)
	record.ClassID, _ = m["classId"].(string)
	if data, exists := m["data"]; exists {
		raw, err := json.Marshal(data)
		if err != nil {
			return taggedRecord{}, false
		}
		record.Data = raw
	}
	return record, true
}

// Marshal encodes v with the process-wide registry.
func Marshal(v any) (json.RawMessage, error) { return defaultRegistry.Marshal(v) }

// Unmarshal decodes data with the process-wide registry.
func Unmarshal(data json.RawMessage) (any, error) { return defaultRegistry.Unmarshal(data) }
