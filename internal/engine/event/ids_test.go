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

package event

import (
	"strings"
	"testing"
	"time"
)

func TestIDFactory_Monotonic(t *testing.T) {
	f := NewIDFactory()

	prev := f.New()
	for i := 0; i < 100; i++ {
		next := f.New()
		if next <= prev {
			t.Fatalf("expected strictly increasing IDs, got %s after %s", next, prev)
		}
		prev = next
	}
}

func TestReplayIDFactory_Deterministic(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := NewReplayIDFactory("run-1", at)
	b := NewReplayIDFactory("run-1", at)

	for i := 0; i < 50; i++ {
		idA := a.New()
		idB := b.New()
		if idA != idB {
			t.Fatalf("replay %d diverged: %s != %s", i, idA, idB)
		}
	}
}

func TestReplayIDFactory_DifferentSeeds(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := NewReplayIDFactory("run-1", at)
	b := NewReplayIDFactory("run-2", at)

	if a.New() == b.New() {
		t.Error("different seeds produced the same ID")
	}
}

func TestNewCorrelation_Prefix(t *testing.T) {
	f := NewReplayIDFactory("run-1", time.Now())

	id := f.NewCorrelation(PrefixStep)
	if !strings.HasPrefix(id, "step_") {
		t.Errorf("expected step_ prefix, got %s", id)
	}

	id = f.NewCorrelation(PrefixWait)
	if !strings.HasPrefix(id, "wait_") {
		t.Errorf("expected wait_ prefix, got %s", id)
	}
}

func TestSeededRand_Deterministic(t *testing.T) {
	a := SeededRand("run-1")
	b := SeededRand("run-1")

	for i := 0; i < 20; i++ {
		if a.Int63() != b.Int63() {
			t.Fatal("seeded RNGs diverged")
		}
	}
}

func TestTypeTerminal(t *testing.T) {
	terminal := []Type{
		TypeRunCompleted, TypeRunFailed, TypeRunCancelled,
		TypeStepCompleted, TypeStepFailed,
		TypeWaitCompleted, TypeHookDisposed,
	}
	for _, typ := range terminal {
		if !typ.Terminal() {
			t.Errorf("expected %s to be terminal", typ)
		}
	}

	nonTerminal := []Type{
		TypeRunCreated, TypeStepStarted, TypeStepRetrying,
		TypeWaitCreated, TypeHookCreated, TypeHookReceived,
	}
	for _, typ := range nonTerminal {
		if typ.Terminal() {
			t.Errorf("expected %s to be non-terminal", typ)
		}
	}
}

func TestTypeRunTerminal(t *testing.T) {
	if !TypeRunCompleted.RunTerminal() || !TypeRunFailed.RunTerminal() || !TypeRunCancelled.RunTerminal() {
		t.Error("run-terminal types misclassified")
	}
	if TypeStepCompleted.RunTerminal() {
		t.Error("step_completed should not be run-terminal")
	}
}
