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
	"crypto/rand"
	"hash/fnv"
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDFactory produces monotonically increasing ULIDs. Two modes exist:
//
//   - a live factory (NewIDFactory) drawing from the wall clock and crypto
//     entropy, used by storage to assign run and event IDs;
//   - a replay factory (NewReplayIDFactory) with a frozen timestamp and an
//     entropy source seeded from the run ID, used inside the orchestrator so
//     every replay of the same run produces the same correlation IDs.
type IDFactory struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewIDFactory creates a live factory over the wall clock and crypto entropy.
func NewIDFactory() *IDFactory {
	return &IDFactory{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// NewReplayIDFactory creates a deterministic factory. The timestamp is frozen
// at the run's start time and the entropy stream is seeded from the seed
// string, so the sequence of IDs is a pure function of (seed, at).
func NewReplayIDFactory(seed string, at time.Time) *IDFactory {
	return &IDFactory{
		entropy: ulid.Monotonic(seededReader(seed), 0),
		now:     func() time.Time { return at },
	}
}

// New returns the next ULID in the factory's monotonic sequence.
func (f *IDFactory) New() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(f.now()), f.entropy).String()
}

// NewCorrelation returns the next ULID prefixed with a durable-operation
// kind, e.g. "step_01J...".
func (f *IDFactory) NewCorrelation(prefix string) string {
	return prefix + "_" + f.New()
}

// SeededRand returns a math/rand generator seeded from the given string.
// The orchestrator installs it as the workflow body's RNG so random draws
// replay identically.
func SeededRand(seed string) *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(int64(hashSeed(seed)))) // #nosec G404
}

func seededReader(seed string) io.Reader {
	return SeededRand(seed)
}

func hashSeed(seed string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return h.Sum64()
}
