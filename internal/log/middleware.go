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

package log

import (
	"log/slog"
	"time"
)

// MessageInfo describes an inbound queue message for logging purposes.
type MessageInfo struct {
	// Queue is the queue the message arrived on.
	Queue string

	// MessageID is the broker-assigned message identifier.
	MessageID string

	// DeliveryCount is how many times the message has been delivered.
	DeliveryCount int

	// RunID is the run the message targets, when known.
	RunID string
}

// MessageMiddleware wraps queue message handling with start/finish logging.
type MessageMiddleware struct {
	logger *slog.Logger
}

// NewMessageMiddleware creates a logging middleware for queue handlers.
func NewMessageMiddleware(logger *slog.Logger) *MessageMiddleware {
	return &MessageMiddleware{logger: logger}
}

// Handle logs the message, invokes the handler, and logs the outcome with
// duration. The handler's error is returned unchanged.
func (m *MessageMiddleware) Handle(info MessageInfo, handler func() error) error {
	start := time.Now()

	m.logger.Debug("processing message",
		QueueKey, info.Queue,
		MessageIDKey, info.MessageID,
		"delivery_count", info.DeliveryCount,
		RunIDKey, info.RunID,
	)

	err := handler()
	duration := time.Since(start)

	if err != nil {
		m.logger.Error("message handling failed",
			QueueKey, info.Queue,
			MessageIDKey, info.MessageID,
			RunIDKey, info.RunID,
			DurationKey, duration.Milliseconds(),
			"error", err,
		)
		return err
	}

	m.logger.Debug("message handled",
		QueueKey, info.Queue,
		MessageIDKey, info.MessageID,
		RunIDKey, info.RunID,
		DurationKey, duration.Milliseconds(),
	)
	return nil
}
