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

// Package processor consumes the engine queues and drives runs forward:
// workflow ticks replay bodies against their logs, step messages execute
// attempts, and timer messages complete durable waits. Every message is
// settled exactly once per delivery; failures Nack for redelivery.
package processor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/codec"
	"github.com/tombee/relay/internal/engine/queue"
	"github.com/tombee/relay/internal/engine/steprun"
	"github.com/tombee/relay/internal/engine/stream"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config sizes the worker pools and tunes message handling.
type Config struct {
	// WorkflowWorkers consume the workflow queue.
	WorkflowWorkers int `yaml:"workflow_workers"`

	// StepWorkers consume the step queue.
	StepWorkers int `yaml:"step_workers"`

	// TimerWorkers consume the timer queue.
	TimerWorkers int `yaml:"timer_workers"`

	// Visibility is the per-delivery invisibility window. A handler that
	// outlives it risks a concurrent redelivery.
	Visibility time.Duration `yaml:"visibility"`

	// RatePerSecond paces message intake across all workers. Zero means
	// unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// SafetyBuffer is how close to the broker's max message age a
	// delivery may get before it is re-enqueued as a fresh message
	// instead of being processed.
	SafetyBuffer time.Duration `yaml:"safety_buffer"`
}

// DefaultConfig returns the standard worker sizing.
func DefaultConfig() Config {
	return Config{
		WorkflowWorkers: 2,
		StepWorkers:     4,
		TimerWorkers:    1,
		Visibility:      30 * time.Second,
		SafetyBuffer:    5 * time.Second,
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithTracer sets the tracer used for tick and step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) { p.tracer = tracer }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(p *Processor) { p.metrics = collector }
}

// WithClock overrides the processor's time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithCodec overrides the codec registry used for run outputs.
func WithCodec(registry *codec.Registry) Option {
	return func(p *Processor) { p.codec = registry }
}

// Processor owns the consumer loops over the engine queues.
type Processor struct {
	cfg       Config
	store     backend.Storage
	bus       queue.Queue
	streams   stream.Streamer
	workflows *workflow.Registry
	executor  *steprun.Executor
	codec     *codec.Registry
	logger    *slog.Logger
	mw        *log.MessageMiddleware
	tracer    trace.Tracer
	metrics   *metrics.Collector
	limiter   *rate.Limiter
	now       func() time.Time
}

// New wires a processor. The executor carries the step registry; workflows
// resolves run bodies for replay.
func New(cfg Config, store backend.Storage, bus queue.Queue, streams stream.Streamer,
	workflows *workflow.Registry, executor *steprun.Executor, logger *slog.Logger, opts ...Option) *Processor {

	if cfg.WorkflowWorkers <= 0 {
		cfg.WorkflowWorkers = DefaultConfig().WorkflowWorkers
	}
	if cfg.StepWorkers <= 0 {
		cfg.StepWorkers = DefaultConfig().StepWorkers
	}
	if cfg.TimerWorkers <= 0 {
		cfg.TimerWorkers = DefaultConfig().TimerWorkers
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultConfig().Visibility
	}
	if cfg.SafetyBuffer <= 0 {
		cfg.SafetyBuffer = DefaultConfig().SafetyBuffer
	}

	p := &Processor{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		streams:   streams,
		workflows: workflows,
		executor:  executor,
		codec:     codec.Default(),
		logger:    log.WithComponent(logger, "processor"),
		tracer:    noop.NewTracerProvider().Tracer("relay"),
		now:       time.Now,
	}
	p.mw = log.NewMessageMiddleware(p.logger)
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the worker pools and blocks until ctx is cancelled and every
// in-flight message has been settled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	spawn := func(n int, queueName string) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.consume(ctx, queueName)
			}()
		}
	}

	spawn(p.cfg.WorkflowWorkers, queue.WorkflowQueue)
	spawn(p.cfg.StepWorkers, queue.StepQueue)
	spawn(p.cfg.TimerWorkers, queue.TimerQueue)

	p.logger.Info("processor started",
		log.Int("workflow_workers", p.cfg.WorkflowWorkers),
		log.Int("step_workers", p.cfg.StepWorkers),
		log.Int("timer_workers", p.cfg.TimerWorkers))

	wg.Wait()
	p.logger.Info("processor drained")
	return nil
}

func (p *Processor) consume(ctx context.Context, queueName string) {
	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		delivery, err := p.bus.Receive(ctx, queueName, p.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Error("receive failed", log.String(log.QueueKey, queueName), log.Error(err))
			continue
		}

		p.metrics.SetQueueDepth(queueName, p.bus.Depth(queueName))
		p.handle(ctx, queueName, delivery)
	}
}

// handle settles one delivery. Shutdown must not abandon a message halfway
// through its effects, so handlers run on a context detached from the
// worker's cancellation.
func (p *Processor) handle(ctx context.Context, queueName string, delivery *queue.Delivery) {
	hctx := context.WithoutCancel(ctx)

	if p.requeueExpiring(hctx, delivery) {
		p.metrics.MessageProcessed(queueName, "requeued")
		return
	}

	env, err := queue.DecodeEnvelope(delivery.Payload)
	if err != nil {
		p.logger.Error("dropping malformed message",
			log.String(log.QueueKey, queueName),
			log.String(log.MessageIDKey, delivery.ID),
			log.Error(err))
		delivery.Ack()
		p.metrics.MessageProcessed(queueName, "malformed")
		return
	}

	info := log.MessageInfo{
		Queue:         queueName,
		MessageID:     delivery.ID,
		DeliveryCount: delivery.DeliveryCount,
		RunID:         env.RunID,
	}
	err = p.mw.Handle(info, func() error {
		switch env.Kind {
		case queue.KindHealthCheck:
			return p.handleHealthCheck(hctx, env)
		case queue.KindWorkflowTick:
			return p.handleTick(hctx, env)
		case queue.KindStepExecute:
			return p.handleStep(hctx, env)
		case queue.KindTimerFire:
			return p.handleTimer(hctx, env)
		default:
			p.logger.Warn("dropping message of unknown kind", log.String("kind", env.Kind))
			return nil
		}
	})
	if err != nil {
		delivery.Nack()
		p.metrics.MessageProcessed(queueName, "nack")
		return
	}
	delivery.Ack()
	p.metrics.MessageProcessed(queueName, "ack")
}

// requeueExpiring guards against broker-level message expiry: a delivery
// close enough to the max age that it could be dropped mid-flight is
// replaced by a fresh copy of the same payload and acknowledged.
func (p *Processor) requeueExpiring(ctx context.Context, delivery *queue.Delivery) bool {
	maxAge := p.bus.MaxAge()
	if maxAge <= 0 {
		return false
	}
	age := p.now().Sub(delivery.CreatedAt)
	if age+p.cfg.SafetyBuffer < maxAge {
		return false
	}

	if _, err := p.bus.Send(ctx, delivery.Queue, delivery.Payload, queue.SendOptions{}); err != nil {
		p.logger.Error("re-enqueue of expiring message failed",
			log.String(log.MessageIDKey, delivery.ID), log.Error(err))
		delivery.Nack()
		return true
	}
	p.logger.Debug("re-enqueued expiring message",
		log.String(log.QueueKey, delivery.Queue),
		log.String(log.MessageIDKey, delivery.ID))
	delivery.Ack()
	return true
}

func (p *Processor) enqueueTick(ctx context.Context, runID, idempotencyKey string) error {
	payload, err := queue.Envelope{Kind: queue.KindWorkflowTick, RunID: runID}.Encode()
	if err != nil {
		return err
	}
	_, err = p.bus.Send(ctx, queue.WorkflowQueue, payload, queue.SendOptions{
		IdempotencyKey: idempotencyKey,
	})
	return err
}
