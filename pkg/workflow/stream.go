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

package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/relay/internal/engine/codec"
	"github.com/tombee/relay/internal/engine/steprun"
)

// StreamRef identifies a durable stream within a run. It is registered with
// the engine codec, so it survives step inputs and outputs intact: a
// workflow can open a stream and hand the reference to a step, which writes
// to the live sink directly.
type StreamRef struct {
	Stream string `json:"stream"`
}

func init() {
	codec.MustRegister(StreamRef{})
}

// Stream is a workflow-side write handle on a durable stream. Writes and
// the close are recorded as internal steps, so they happen exactly once no
// matter how many times the body replays.
type Stream struct {
	c    *Context
	name string
}

// GetWritable returns a write handle on the named stream. The name must be
// deterministic across replays; derive it from the run ID or step outputs,
// not from the wall clock.
func (c *Context) GetWritable(name string) *Stream {
	return &Stream{c: c, name: name}
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Ref returns a codec-safe reference for passing the stream to steps.
func (s *Stream) Ref() StreamRef { return StreamRef{Stream: s.name} }

// Write appends data to the stream durably. The append is recorded as an
// internal step; replays return the recorded chunk index without writing
// again.
func (s *Stream) Write(data []byte) (int, error) {
	input, err := json.Marshal(steprun.StreamOpInput{Stream: s.name, Data: data})
	if err != nil {
		return 0, err
	}
	raw, err := s.c.vm.StepInvoke(steprun.StreamWriteStep, input)
	if err != nil {
		return 0, fmt.Errorf("stream %q write: %w", s.name, err)
	}
	var out steprun.StreamWriteOutput
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return 0, err
		}
	}
	return out.Index, nil
}

// Close marks the stream done durably. Readers draining the stream observe
// end-of-stream once every written chunk has been consumed.
func (s *Stream) Close() error {
	input, err := json.Marshal(steprun.StreamOpInput{Stream: s.name})
	if err != nil {
		return err
	}
	if _, err := s.c.vm.StepInvoke(steprun.StreamCloseStep, input); err != nil {
		return fmt.Errorf("stream %q close: %w", s.name, err)
	}
	return nil
}
