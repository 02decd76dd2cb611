// Package consume pulls deliveries off a work queue with bounded prefetch
// and feeds each one to the delivery coordinator. Acks are always manual;
// the consumer itself never settles a message the coordinator has seen.
package consume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/deliver"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/metrics"
	"github.com/austindbirch/taskbus/internal/publish"
	"github.com/austindbirch/taskbus/internal/task"
	"github.com/austindbirch/taskbus/internal/tracing"
	"github.com/austindbirch/taskbus/internal/transport"
)

const defaultPrefetch = 10

type Config struct {
	Exchange string      // direct exchange the queue trio is bound to
	Prefetch int         // unacked deliveries the broker may hand us
	Guard    *auth.Guard // message-level credential check, optional
}

// Consumer owns one consume stream per Run call. It survives channel and
// connection loss by re-establishing the stream through the transport
// client; unsettled deliveries come back via broker redelivery.
type Consumer struct {
	client *transport.Client
	coord  *deliver.Coordinator
	cfg    Config
	log    *logging.Logger
}

func New(client *transport.Client, coord *deliver.Coordinator, cfg Config) *Consumer {
	if cfg.Exchange == "" {
		cfg.Exchange = "taskbus"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	return &Consumer{
		client: client,
		coord:  coord,
		cfg:    cfg,
		log:    logging.New("consume"),
	}
}

// Run consumes queue until ctx is canceled (nil return) or the transport
// fails permanently. Each delivery runs in its own goroutine; the broker's
// prefetch window bounds how many are in flight at once.
func (c *Consumer) Run(ctx context.Context, queue string, h deliver.Handler) error {
	for {
		err := c.consumeStream(ctx, queue, h)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrConnect) {
			return err
		}
		c.log.Plain().WithQueue(queue).WithError(err).Warn("consume stream lost, re-establishing")
	}
}

func (c *Consumer) consumeStream(ctx context.Context, queue string, h deliver.Handler) error {
	ch, err := c.client.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := publish.DeclareTopology(ch, c.cfg.Exchange, queue); err != nil {
		return fmt.Errorf("declare topology for %q: %w", queue, err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag, broker-assigned
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consume on %q: %w", queue, err)
	}

	c.log.Plain().WithQueue(queue).WithField("prefetch", c.cfg.Prefetch).Info("consuming")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: consume stream closed", transport.ErrTransportLost)
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				c.dispatch(ctx, queue, d, h)
			}(d)
		}
	}
}

// dispatch settles exactly one delivery: credential gate, envelope decode,
// then the coordinator's state machine.
func (c *Consumer) dispatch(ctx context.Context, queue string, d amqp.Delivery, h deliver.Handler) {
	ack := newAckOnce(d)

	if c.cfg.Guard != nil && c.cfg.Guard.Enabled() {
		key, _ := d.Headers[auth.HeaderInternalAuth].(string)
		if err := c.cfg.Guard.Authorize(key); err != nil {
			// Reject before touching the payload. No requeue: the
			// credential will not improve on redelivery.
			c.log.Plain().WithQueue(queue).WithField("message_id", d.MessageId).Warn("delivery rejected, bad internal credential")
			metrics.RecordDelivery("unauthorized", queue, 0)
			_ = ack.Reject()
			return
		}
	}

	var t task.Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		// Terminal: an envelope that never parses will never parse.
		c.log.Plain().WithQueue(queue).WithField("message_id", d.MessageId).WithError(err).Error("bad task envelope")
		metrics.RecordDelivery("bad_envelope", queue, 0)
		_ = ack.Ack()
		return
	}
	if t.Queue == "" {
		t.Queue = queue
	}

	ctx = tracing.ExtractTraceFromTask(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "consume.dispatch",
		attribute.String("task_id", t.ID),
		attribute.String("queue", t.Queue),
		attribute.String("task_type", t.Type),
		attribute.Int("attempt", t.Attempt+1),
	)
	defer span.End()

	out, err := c.coord.Process(ctx, t, ack, h)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		c.log.WithContext(ctx).WithTask(t.ID).WithQueue(t.Queue).WithError(err).Error("delivery left unsettled")
		return
	}
	span.SetAttributes(attribute.String("outcome", string(out)))
}
