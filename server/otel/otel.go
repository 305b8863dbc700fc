// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mombroker/config"
	"github.com/absmach/mombroker/internal/tlsconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

// Resource attribute keys describing the broker deployment.
const (
	AttrStorage    = attribute.Key("mombroker.storage")
	AttrFraming    = attribute.Key("mombroker.tcp.framing")
	AttrTLS        = attribute.Key("mombroker.tcp.tls")
	AttrWebSocket  = attribute.Key("mombroker.websocket")
	AttrStrictMode = attribute.Key("mombroker.strict_protocol")
)

const (
	defaultExportTimeout  = 30 * time.Second
	defaultMetricInterval = 10 * time.Second
	traceBatchTimeout     = 5 * time.Second
	traceBatchSize        = 512
)

// Deployment identifies one broker process in exported telemetry.
type Deployment struct {
	BrokerID       string
	Storage        string
	Framing        string
	TLS            bool
	WebSocket      bool
	StrictProtocol bool
}

// InitProvider registers global trace and meter providers exporting over
// OTLP gRPC. The returned function flushes and stops them.
func InitProvider(ctx context.Context, cfg config.OtelConfig, d Deployment) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg, d)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exp, err := newExporterSettings(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure exporters: %w", err)
	}

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, exp, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, exp, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return shutdown, nil
}

func newResource(ctx context.Context, cfg config.OtelConfig, d Deployment) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(d.BrokerID),
			AttrStorage.String(d.Storage),
			AttrFraming.String(d.Framing),
			AttrTLS.Bool(d.TLS),
			AttrWebSocket.Bool(d.WebSocket),
			AttrStrictMode.Bool(d.StrictProtocol),
		),
	)
}

// exporterSettings is shared by the trace and metric exporters.
type exporterSettings struct {
	endpoint string
	tls      *tls.Config // nil sends plaintext
	headers  map[string]string
	timeout  time.Duration
}

func newExporterSettings(cfg config.OtelConfig) (exporterSettings, error) {
	s := exporterSettings{
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		timeout:  cfg.ExportTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = defaultExportTimeout
	}
	if cfg.Insecure {
		return s, nil
	}

	tc, err := tlsconfig.LoadClient(cfg.TLS)
	if err != nil {
		return exporterSettings{}, err
	}
	s.tls = tc
	return s, nil
}

func (s exporterSettings) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(s.endpoint),
		otlptracegrpc.WithTimeout(s.timeout),
	}
	if s.tls == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(s.headers))
	}
	return opts
}

func (s exporterSettings) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(s.endpoint),
		otlpmetricgrpc.WithTimeout(s.timeout),
	}
	if s.tls == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(s.headers))
	}
	return opts
}

func newTracerProvider(ctx context.Context, cfg config.OtelConfig, exp exporterSettings, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx, exp.traceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(traceBatchSize),
			trace.WithBatchTimeout(traceBatchTimeout),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.OtelConfig, exp exporterSettings, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx, exp.metricOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
	), nil
}
