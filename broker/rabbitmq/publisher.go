// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rabbitmq republishes broker events onto a durable AMQP queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mombroker/broker/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publishTimeout = 5 * time.Second
	bufferSize     = 1024
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("rabbitmq publisher closed")

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher forwards event envelopes to a queue on the default exchange.
// Publishing happens on a background goroutine so Notify never blocks.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	queue    string
	brokerID string
	filter   map[string]bool
	logger   *slog.Logger

	pending chan []byte
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher dials url and declares queue as durable.
func NewPublisher(url, queue, brokerID string, eventTypes []string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare %q: %w", queue, err)
	}

	p := newPublisher(ch, queue, brokerID, eventTypes, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, queue, brokerID string, eventTypes []string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	filter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}
	p := &Publisher{
		ch:       ch,
		queue:    queue,
		brokerID: brokerID,
		filter:   filter,
		logger:   logger,
		pending:  make(chan []byte, bufferSize),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

// Notify queues ev for publishing. Events outside the filter are ignored.
func (p *Publisher) Notify(_ context.Context, ev events.Event) error {
	if len(p.filter) > 0 && !p.filter[ev.Type()] {
		return nil
	}

	body, err := json.Marshal(ev.Wrap(p.brokerID))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.pending <- body:
	default:
		p.dropped.Add(1)
		p.logger.Warn("rabbitmq buffer full, event dropped", slog.String("event_type", ev.Type()))
	}
	return nil
}

func (p *Publisher) loop() {
	defer close(p.done)

	for body := range p.pending {
		if err := p.publish(body); err != nil {
			p.dropped.Add(1)
			p.logger.Error("rabbitmq publish failed",
				slog.String("queue", p.queue),
				slog.String("error", err.Error()))
			continue
		}
		p.published.Add(1)
	}
}

func (p *Publisher) publish(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Published returns the number of events handed to the broker.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Dropped returns the number of events lost to a full buffer or a failed publish.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close flushes buffered events and closes the channel and connection.
func (p *Publisher) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.pending)
	p.closeMu.Unlock()

	<-p.done

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
