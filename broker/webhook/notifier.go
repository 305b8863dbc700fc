// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mombroker/broker/events"
	"github.com/absmach/mombroker/config"
	"github.com/sony/gobreaker"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

// Notifier fans broker events out to the configured endpoints through a
// bounded queue served by a worker pool. Each endpoint has its own
// circuit breaker.
type Notifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	topics  []string
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
}

type job struct {
	envelope *events.Envelope
	eventTyp string
	endpoint *endpoint
	attempt  int
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Delivered  uint64
	Failed     uint64
	Dropped    uint64
	QueueDepth int
}

// NewNotifier starts the worker pool.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	eps := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filter := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filter[t] = true
		}
		e := endpoint{
			name:    ep.Name,
			url:     ep.URL,
			events:  filter,
			topics:  ep.Topics,
			headers: ep.Headers,
			timeout: cfg.Defaults.Timeout,
			retry:   cfg.Defaults.Retry,
		}
		if ep.Timeout > 0 {
			e.timeout = ep.Timeout
		}
		if ep.Retry != nil {
			e.retry = *ep.Retry
		}
		eps = append(eps, e)
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(eps))
	for _, ep := range eps {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:       cfg,
		brokerID:  brokerID,
		endpoints: eps,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for range cfg.Workers {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(eps)))

	return n, nil
}

// Notify queues ev for every matching endpoint. It never blocks; a full
// queue sheds according to the drop policy.
func (n *Notifier) Notify(_ context.Context, ev events.Event) error {
	if n.closed.Load() {
		return ErrClosed
	}

	var env *events.Envelope
	for i := range n.endpoints {
		ep := &n.endpoints[i]
		if !ep.matches(ev) {
			continue
		}
		if env == nil {
			env = ev.Wrap(n.brokerID)
		}
		n.enqueue(job{envelope: env, eventTyp: ev.Type(), endpoint: ep})
	}
	return nil
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
			n.dropped.Add(1)
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}

	n.dropped.Add(1)
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.eventTyp),
		slog.String("endpoint", j.endpoint.name))
}

func (ep *endpoint) matches(ev events.Event) bool {
	if len(ep.events) > 0 && !ep.events[ev.Type()] {
		return false
	}
	topic := ev.Topic()
	if topic == "" || len(ep.topics) == 0 {
		return true
	}
	for _, filter := range ep.topics {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

// topicMatches compares a topic name with a filter. A trailing "*" in the
// filter matches any suffix.
func topicMatches(filter, topic string) bool {
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return filter == topic
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

func (n *Notifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		n.delivered.Add(1)
		return
	}

	if j.attempt+1 >= j.endpoint.retry.MaxAttempts {
		n.failed.Add(1)
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.eventTyp),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.eventTyp),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.queue <- j:
		default:
			n.dropped.Add(1)
			n.logger.Error("failed to requeue webhook for retry",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", j.eventTyp))
		}
	})
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(j.envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.eventTyp))
	return nil
}

// retryDelay is exponential backoff capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Stats returns delivery counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Delivered:  n.delivered.Load(),
		Failed:     n.failed.Load(),
		Dropped:    n.dropped.Load(),
		QueueDepth: len(n.queue),
	}
}

// Close drains what the workers already hold and stops them. Queued jobs
// still pending after ShutdownTimeout are lost.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info("shutting down webhook notifier")

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.After(timeout)

drain:
	for len(n.queue) > 0 {
		select {
		case <-deadline:
			break drain
		case <-time.After(10 * time.Millisecond):
		}
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-deadline:
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
