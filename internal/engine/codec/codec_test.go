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

package codec

import (
	"strings"
	"testing"
)

type invoice struct {
	Number string  `json:"number"`
	Amount float64 `json:"amount"`
}

type receipt struct {
	InvoiceNumber string `json:"invoice_number"`
}

func TestRegistry_RoundTrip(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(invoice{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	data, err := r.Marshal(&invoice{Number: "INV-1", Amount: 12.5})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "class_instance_ref") {
		t.Fatalf("expected tagged record, got %s", data)
	}

	decoded, err := r.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	inv, ok := decoded.(*invoice)
	if !ok {
		t.Fatalf("expected *invoice, got %T", decoded)
	}
	if inv.Number != "INV-1" || inv.Amount != 12.5 {
		t.Errorf("unexpected contents: %+v", inv)
	}
}

func TestRegistry_UnregisteredClassDowngrades(t *testing.T) {
	writer := NewRegistry(nil)
	writer.MustRegister(invoice{})

	data, err := writer.Marshal(invoice{Number: "INV-2"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	reader := NewRegistry(nil)
	decoded, err := reader.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	ref, ok := decoded.(*ClassInstanceRef)
	if !ok {
		t.Fatalf("expected *ClassInstanceRef, got %T", decoded)
	}
	if ref.ClassName != "invoice" {
		t.Errorf("expected class name invoice, got %s", ref.ClassName)
	}
	if !strings.Contains(string(ref.Data), "INV-2") {
		t.Errorf("expected original data preserved, got %s", ref.Data)
	}
}

func TestRegistry_Fallback(t *testing.T) {
	parent := NewRegistry(nil)
	parent.MustRegister(invoice{})
	child := NewRegistry(parent)

	data, err := parent.Marshal(invoice{Number: "INV-3"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	decoded, err := child.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := decoded.(*invoice); !ok {
		t.Fatalf("expected fallback to rehydrate *invoice, got %T", decoded)
	}
}

func TestRegistry_NestedInstances(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(invoice{})

	data, err := r.Marshal(map[string]any{
		"items": []any{invoice{Number: "A"}, invoice{Number: "B"}},
		"count": 2,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	decoded, err := r.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", decoded)
	}
	items, ok := m["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items, got %v", m["items"])
	}
	first, ok := items[0].(*invoice)
	if !ok || first.Number != "A" {
		t.Errorf("expected nested invoice A, got %v", items[0])
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(receipt{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(receipt{}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(&receipt{}); err == nil {
		t.Error("expected pointer re-registration to fail")
	}
}

func TestRegistry_RejectsNonStruct(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(42); err == nil {
		t.Error("expected non-struct registration to fail")
	}
	if err := r.Register(nil); err == nil {
		t.Error("expected nil registration to fail")
	}
}

func TestRegistry_PlainValuesPassThrough(t *testing.T) {
	r := NewRegistry(nil)

	data, err := r.Marshal(map[string]any{"n": 3, "s": "hi"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := r.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	m := decoded.(map[string]any)
	if m["n"] != float64(3) || m["s"] != "hi" {
		t.Errorf("plain values altered: %v", m)
	}
}

func TestRegistry_NilRoundTrip(t *testing.T) {
	r := NewRegistry(nil)
	data, err := r.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal nil failed: %v", err)
	}
	decoded, err := r.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal nil failed: %v", err)
	}
	if decoded != nil {
		t.Errorf("expected nil, got %v", decoded)
	}
}
