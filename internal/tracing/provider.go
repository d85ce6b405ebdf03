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

// Package tracing wires OpenTelemetry into the engine. Trace context is
// carried across the queue inside run_created events, so a run's spans form
// one distributed trace from Start through every step attempt.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter selects where spans go.
type Exporter string

// Supported exporters.
const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
)

// Config controls the tracer provider.
type Config struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Exporter is one of none, stdout, otlp.
	Exporter Exporter `yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string `yaml:"endpoint"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name"`
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a tracer provider from config, sets it as the global
// provider, and installs the W3C propagator. A disabled config returns a
// provider whose tracer is a no-op.
func NewProvider(ctx context.Context, cfg Config, version string) (*Provider, error) {
	otel.SetTextMapPropagator(W3CPropagator())

	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("relay")}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "relay"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("relay")}, nil
}

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// W3CPropagator returns a TextMapPropagator implementing W3C Trace Context.
func W3CPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
