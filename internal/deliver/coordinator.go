// Package deliver decides the fate of every task delivery: ack, delayed
// retry, or dead letter. It owns the dedup cache and the per-delivery lease;
// the broker keeps redelivering until the coordinator settles each message.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/metrics"
	"github.com/austindbirch/taskbus/internal/task"
)

// Outcome is the terminal state of one delivery of a task.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Handler processes one task. A nil return acknowledges the delivery,
// Permanent(err) dead-letters it without retry, any other error schedules a
// delayed retry.
type Handler func(ctx context.Context, t task.Task) error

// Acknowledger settles one broker delivery.
type Acknowledger interface {
	Ack() error
	// Requeue hands the delivery back to the broker for redelivery without
	// burning an attempt.
	Requeue() error
}

// RetryPublisher is the slice of the publisher the coordinator needs to park
// retries and emit dead letters.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, t task.Task, delay time.Duration) error
	PublishDead(ctx context.Context, d task.DeadLetter) error
}

type Config struct {
	MaxRetries   int           // retries after the first attempt
	BaseDelay    time.Duration // quadratic backoff base
	MaxDelay     time.Duration // backoff cap
	LeaseTimeout time.Duration // handler budget; the lease expires at 1.5x this
	DedupSize    int           // completed-key cache entries
	DedupWindow  time.Duration // completed-key cache TTL
}

func withDefaults(cfg Config) Config {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 30 * time.Second
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 10000
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	return cfg
}

// Coordinator runs the per-delivery state machine
// Received -> Processing -> {Acked, Retrying, DeadLettered}.
// One coordinator is shared by every concurrent handler invocation in a
// worker process; the dedup cache and in-flight gate are its shared state.
type Coordinator struct {
	cfg Config
	pub RetryPublisher
	log *logging.Logger

	seen *expirable.LRU[string, struct{}]

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func New(pub RetryPublisher, cfg Config) *Coordinator {
	cfg = withDefaults(cfg)
	return &Coordinator{
		cfg:      cfg,
		pub:      pub,
		log:      logging.New("deliver"),
		seen:     expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupWindow),
		inflight: make(map[string]chan struct{}),
	}
}

// RetryDelay returns the park time before attempt n is delivered again:
// n squared times the base delay, capped. Strictly increasing until the cap.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt*attempt) * base
	if d > max || d < 0 {
		return max
	}
	return d
}

// Process runs one broker delivery through the state machine. The returned
// outcome is the state the delivery settled in; a non-nil error means the
// delivery could not be settled and was handed back to the broker.
func (c *Coordinator) Process(ctx context.Context, t task.Task, ack Acknowledger, h Handler) (Outcome, error) {
	key := t.Key()

	// Received: suppress completed duplicates and serialize concurrent
	// deliveries of the same key. Losers wait for the winner's outcome and
	// re-check the cache; a failed winner releases the key and the loser
	// runs its own attempt.
	for {
		if _, dup := c.seen.Get(key); dup {
			metrics.RecordDedupHit(t.Queue)
			metrics.RecordDelivery(string(OutcomeDuplicate), t.Queue, 0)
			if err := ack.Ack(); err != nil {
				return OutcomeDuplicate, fmt.Errorf("ack duplicate of task %s: %w", t.ID, err)
			}
			c.log.WithContext(ctx).WithTask(t.ID).WithQueue(t.Queue).Debug("duplicate delivery suppressed")
			return OutcomeDuplicate, nil
		}

		done, winner := c.claim(key)
		if winner {
			break
		}
		select {
		case <-done:
		case <-ctx.Done():
			_ = ack.Requeue()
			return "", ctx.Err()
		}
	}
	defer c.release(key)

	// The cancellation window closes here: once the handler starts, the
	// delivery runs to an outcome or lease expiry.
	if ctx.Err() != nil {
		_ = ack.Requeue()
		return "", ctx.Err()
	}

	attempt := t.Attempt + 1
	start := time.Now()
	herr := c.runHandler(ctx, t, h, key)
	elapsed := time.Since(start)

	if herr == nil {
		c.seen.Add(key, struct{}{})
		if err := ack.Ack(); err != nil {
			return OutcomeAcked, fmt.Errorf("ack task %s: %w", t.ID, err)
		}
		metrics.RecordDelivery(string(OutcomeAcked), t.Queue, elapsed)
		c.log.WithContext(ctx).WithTask(t.ID).WithQueue(t.Queue).WithAttempt(attempt).Info("task processed")
		return OutcomeAcked, nil
	}

	reason := classifyReason(herr)

	if IsPermanent(herr) {
		return c.deadLetter(ctx, t, ack, attempt, elapsed, herr, reason)
	}
	if attempt > c.cfg.MaxRetries {
		return c.deadLetter(ctx, t, ack, attempt, elapsed, herr, "max_retries")
	}

	// Retrying: park the task in the retry queue with a per-message TTL and
	// settle the original so the broker does not redeliver it immediately.
	retried := t
	retried.Attempt = attempt
	delay := RetryDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	if err := c.pub.PublishRetry(ctx, retried, delay); err != nil {
		_ = ack.Requeue()
		return "", fmt.Errorf("schedule retry for task %s: %w", t.ID, err)
	}
	if err := ack.Ack(); err != nil {
		return OutcomeRetried, fmt.Errorf("ack retried task %s: %w", t.ID, err)
	}
	metrics.RecordRetry(reason)
	metrics.RecordDelivery(string(OutcomeRetried), t.Queue, elapsed)
	c.log.WithContext(ctx).WithTask(t.ID).WithQueue(t.Queue).WithAttempt(attempt).WithFields(map[string]any{
		"delay":  delay.String(),
		"reason": reason,
	}).Warn("task retry scheduled")
	return OutcomeRetried, nil
}

// runHandler invokes the handler under a lease. The handler context expires
// at LeaseTimeout; the coordinator waits half a lease longer before writing
// the attempt off as expired.
func (c *Coordinator) runHandler(ctx context.Context, t task.Task, h Handler, key string) error {
	metrics.LeaseStarted()
	defer metrics.LeaseEnded()

	hctx, cancel := context.WithTimeout(ctx, c.cfg.LeaseTimeout)

	res := make(chan error, 1)
	go func() {
		res <- h(hctx, t)
	}()

	lease := c.cfg.LeaseTimeout + c.cfg.LeaseTimeout/2
	select {
	case err := <-res:
		cancel()
		return err
	case <-time.After(lease):
	}

	// The lease ran out with the handler still going. A stale success must
	// still land in the dedup cache so the retried copy short-circuits
	// instead of repeating the effect.
	go func() {
		defer cancel()
		if err := <-res; err == nil {
			c.seen.Add(key, struct{}{})
		}
	}()
	return ErrLeaseExpired
}

func (c *Coordinator) deadLetter(ctx context.Context, t task.Task, ack Acknowledger, attempt int, elapsed time.Duration, herr error, reason string) (Outcome, error) {
	d := task.NewDeadLetter(t, attempt, herr.Error(), reason)
	if err := c.pub.PublishDead(ctx, d); err != nil {
		_ = ack.Requeue()
		return "", fmt.Errorf("dead-letter task %s: %w", t.ID, err)
	}
	if err := ack.Ack(); err != nil {
		return OutcomeDeadLettered, fmt.Errorf("ack dead-lettered task %s: %w", t.ID, err)
	}
	metrics.RecordDLQ(reason)
	metrics.RecordDelivery(string(OutcomeDeadLettered), t.Queue, elapsed)
	c.log.WithContext(ctx).WithTask(t.ID).WithQueue(t.Queue).WithAttempt(attempt).WithError(herr).WithField("reason", reason).Error("task dead-lettered")
	return OutcomeDeadLettered, nil
}

// claim installs this goroutine as the single processor for key. Losers get
// the winner's done channel to wait on.
func (c *Coordinator) claim(key string) (done chan struct{}, winner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.inflight[key]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	c.inflight[key] = ch
	return ch, true
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	ch := c.inflight[key]
	delete(c.inflight, key)
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// classifyReason maps a handler failure to a metrics label
func classifyReason(err error) string {
	switch {
	case errors.Is(err, ErrLeaseExpired):
		return "lease_expired"
	case IsPermanent(err):
		return "permanent_failure"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return "dns_error"
	}
	return "handler_error"
}
