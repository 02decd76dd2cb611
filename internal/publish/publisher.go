// Package publish sends task envelopes through the bus exchange and blocks
// until the broker confirms it owns each message.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/metrics"
	"github.com/austindbirch/taskbus/internal/task"
	"github.com/austindbirch/taskbus/internal/tracing"
	"github.com/austindbirch/taskbus/internal/transport"
)

const defaultConfirmTimeout = 10 * time.Second

// PublishError reports a publish whose broker confirm never arrived or
// arrived negative. Timeout distinguishes the undecided case: the broker
// may still own the message, so the caller retries with the same dedup key
// and lets consumer-side dedup absorb the duplicate.
type PublishError struct {
	Queue   string
	TaskID  string
	Timeout bool
	Err     error
}

func (e *PublishError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("publish to %q not confirmed in time (task %s)", e.Queue, e.TaskID)
	}
	return fmt.Sprintf("publish to %q failed (task %s): %v", e.Queue, e.TaskID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

type Config struct {
	Exchange       string        // direct exchange for task routing
	ConfirmTimeout time.Duration // max wait for the broker confirm
	InternalKey    string        // stamped on envelope headers for consumer-side auth
}

// Publisher publishes task envelopes in confirm mode over a cached channel.
// Safe for concurrent use.
type Publisher struct {
	client *transport.Client
	cfg    Config
	log    *logging.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	closeCh  chan *amqp.Error
	declared map[string]bool
}

func New(client *transport.Client, cfg Config) *Publisher {
	if cfg.Exchange == "" {
		cfg.Exchange = "taskbus"
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		log:    logging.New("publish"),
	}
}

// Publish stamps the envelope, routes it to its work queue and blocks until
// the broker confirms the write. A confirmed publish of a durable task has
// reached a durable queue.
func (p *Publisher) Publish(ctx context.Context, t task.Task) (task.Task, error) {
	t = p.stamp(ctx, t)
	if t.Queue == "" {
		return t, fmt.Errorf("task %s has no queue", t.ID)
	}

	body, err := json.Marshal(t)
	if err != nil {
		return t, fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	if err := p.send(ctx, t.Queue, t, body, ""); err != nil {
		return t, err
	}
	return t, nil
}

// PublishRetry parks the envelope in the queue's retry queue with a
// per-message TTL. The broker routes it back to the work queue once the
// delay elapses.
func (p *Publisher) PublishRetry(ctx context.Context, t task.Task, delay time.Duration) error {
	if t.Queue == "" {
		return fmt.Errorf("task %s has no queue", t.ID)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	expiration := strconv.FormatInt(delay.Milliseconds(), 10)
	return p.send(ctx, RetryQueue(t.Queue), t, body, expiration)
}

// PublishDead writes a dead letter record to the queue's dead letter queue.
func (p *Publisher) PublishDead(ctx context.Context, d task.DeadLetter) error {
	if d.Queue == "" {
		return fmt.Errorf("dead letter for task %s has no queue", d.Task.ID)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dead letter for task %s: %w", d.Task.ID, err)
	}

	return p.send(ctx, DeadQueue(d.Queue), d.Task, body, "")
}

// stamp fills in the fields a caller may leave blank before first publish
func (p *Publisher) stamp(ctx context.Context, t task.Task) task.Task {
	if t.ID == "" {
		stamped := task.New(t.Queue, t.Type, t.Payload)
		stamped.DedupKey = t.DedupKey
		stamped.Attempt = t.Attempt
		stamped.Durable = t.Durable
		stamped.TraceHeaders = t.TraceHeaders
		t = stamped
	}
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if t.TraceHeaders == nil {
		if headers := tracing.PropagateTraceToTask(ctx); len(headers) > 0 {
			t.TraceHeaders = headers
		}
	}
	return t
}

func (p *Publisher) message(t task.Task, body []byte, expiration string) amqp.Publishing {
	headers := amqp.Table{}
	if p.cfg.InternalKey != "" {
		headers[auth.HeaderInternalAuth] = p.cfg.InternalKey
	}

	deliveryMode := amqp.Transient
	if t.Durable {
		deliveryMode = amqp.Persistent
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: deliveryMode,
		MessageId:    t.ID,
		Type:         t.Type,
		Timestamp:    time.Now().UTC(),
		Expiration:   expiration,
		Body:         body,
	}
}

func (p *Publisher) send(ctx context.Context, routingKey string, t task.Task, body []byte, expiration string) error {
	start := time.Now()

	ch, closeCh, err := p.ensureChannel(ctx, t.Queue)
	if err != nil {
		metrics.RecordPublishError("channel")
		return &PublishError{Queue: routingKey, TaskID: t.ID, Err: err}
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		p.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		p.message(t, body, expiration),
	)
	if err != nil {
		p.invalidate(ch)
		metrics.RecordPublishError("transport_lost")
		return &PublishError{
			Queue:  routingKey,
			TaskID: t.ID,
			Err:    fmt.Errorf("%w: %v", transport.ErrTransportLost, err),
		}
	}

	select {
	case <-dc.Done():
		if !dc.Acked() {
			metrics.RecordPublishError("nacked")
			return &PublishError{Queue: routingKey, TaskID: t.ID, Err: errors.New("broker refused the publish")}
		}
		metrics.RecordPublish(routingKey, time.Since(start))
		return nil

	case amqpErr := <-closeCh:
		p.invalidate(ch)
		metrics.RecordPublishError("transport_lost")
		var cause error = errors.New("channel closed")
		if amqpErr != nil {
			cause = amqpErr
		}
		return &PublishError{
			Queue:  routingKey,
			TaskID: t.ID,
			Err:    fmt.Errorf("%w: %v", transport.ErrTransportLost, cause),
		}

	case <-time.After(p.cfg.ConfirmTimeout):
		metrics.RecordPublishError("timeout")
		return &PublishError{Queue: routingKey, TaskID: t.ID, Timeout: true}

	case <-ctx.Done():
		metrics.RecordPublishError("canceled")
		return &PublishError{Queue: routingKey, TaskID: t.ID, Err: ctx.Err()}
	}
}

// ensureChannel returns the cached confirm-mode channel, building a fresh
// one when none is cached or the cached one died. Topology for the queue is
// declared once per channel lifetime.
func (p *Publisher) ensureChannel(ctx context.Context, queue string) (*amqp.Channel, chan *amqp.Error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		select {
		case <-p.closeCh:
			p.ch = nil
			p.closeCh = nil
			p.declared = nil
		default:
		}
	}

	if p.ch == nil {
		ch, err := p.client.Channel(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("enable confirm mode: %w", err)
		}
		p.ch = ch
		p.closeCh = ch.NotifyClose(make(chan *amqp.Error, 1))
		p.declared = make(map[string]bool)
	}

	if queue != "" && !p.declared[queue] {
		if err := DeclareTopology(p.ch, p.cfg.Exchange, queue); err != nil {
			ch := p.ch
			p.ch = nil
			p.closeCh = nil
			p.declared = nil
			ch.Close()
			return nil, nil, fmt.Errorf("declare topology for %q: %w", queue, err)
		}
		p.declared[queue] = true
		p.log.Plain().WithQueue(queue).Debug("declared queue topology")
	}

	return p.ch, p.closeCh, nil
}

// invalidate drops the cached channel if it is still the one that failed
func (p *Publisher) invalidate(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		p.ch = nil
		p.closeCh = nil
		p.declared = nil
	}
}

// Close releases the cached channel. The underlying connection belongs to
// the transport client and stays open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	ch := p.ch
	p.ch = nil
	p.closeCh = nil
	p.declared = nil
	return ch.Close()
}
