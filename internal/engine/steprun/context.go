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

package steprun

import (
	"context"
	"log/slog"

	"github.com/tombee/relay/internal/engine/stream"
)

// Context is the runtime handle passed to step bodies. Unlike the workflow
// sandbox it exposes the live world: streams opened here write directly to
// the sink, and the logger carries the step's identity.
type Context struct {
	runID    string
	stepID   string
	stepName string
	attempt  int

	streams stream.Streamer
	logger  *slog.Logger

	opened []*stream.Writable
}

// RunID returns the run the step belongs to.
func (c *Context) RunID() string { return c.runID }

// StepID returns the step's correlation ID, stable across retries.
func (c *Context) StepID() string { return c.stepID }

// StepName returns the registered step name.
func (c *Context) StepName() string { return c.stepName }

// Attempt returns the current attempt number, starting at 1.
func (c *Context) Attempt() int { return c.attempt }

// Logger returns a logger annotated with the run and step identity.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Writable opens a write handle on the named stream. Handles left open when
// the body returns successfully are closed by the executor before
// step_completed is appended, so readers observe the final chunk before the
// workflow can resume.
func (c *Context) Writable(name string) *stream.Writable {
	w := stream.NewWritable(c.streams, c.runID, name, 0)
	c.opened = append(c.opened, w)
	return w
}

// closeOpened closes every tracked handle that has not resolved yet.
func (c *Context) closeOpened(ctx context.Context) {
	for _, w := range c.opened {
		select {
		case <-w.Done():
			continue
		default:
		}
		_ = w.Close(ctx)
	}
}
