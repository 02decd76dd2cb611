package deliver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/taskbus/internal/task"
)

type fakeAck struct {
	mu       sync.Mutex
	acks     int
	requeues int
}

func (a *fakeAck) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAck) Requeue() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requeues++
	return nil
}

type retryCall struct {
	task  task.Task
	delay time.Duration
}

type recordingPublisher struct {
	mu        sync.Mutex
	retries   []retryCall
	deads     []task.DeadLetter
	failRetry error
	failDead  error
}

func (p *recordingPublisher) PublishRetry(_ context.Context, t task.Task, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRetry != nil {
		return p.failRetry
	}
	p.retries = append(p.retries, retryCall{task: t, delay: delay})
	return nil
}

func (p *recordingPublisher) PublishDead(_ context.Context, d task.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDead != nil {
		return p.failDead
	}
	p.deads = append(p.deads, d)
	return nil
}

func testConfig() Config {
	return Config{
		MaxRetries:   5,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     time.Second,
		LeaseTimeout: 200 * time.Millisecond,
		DedupSize:    100,
		DedupWindow:  time.Minute,
	}
}

func newTask(id, dedupKey string) task.Task {
	return task.Task{
		ID:       id,
		Type:     "report.weekly",
		Queue:    "email.reports",
		Payload:  []byte(`{}`),
		DedupKey: dedupKey,
		Durable:  true,
	}
}

// drive delivers t and every scheduled retry until the task settles.
// It returns the terminal outcome and the number of handler-facing deliveries.
func drive(t *testing.T, c *Coordinator, pub *recordingPublisher, tk task.Task, h Handler) (Outcome, int) {
	t.Helper()
	deliveries := 0
	next := tk
	for {
		deliveries++
		ack := &fakeAck{}
		out, err := c.Process(context.Background(), next, ack, h)
		if err != nil {
			t.Fatalf("Process() attempt %d error: %v", deliveries, err)
		}
		if out != OutcomeRetried {
			return out, deliveries
		}
		pub.mu.Lock()
		next = pub.retries[len(pub.retries)-1].task
		pub.mu.Unlock()
	}
}

func TestSuccessAcks(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub, testConfig())
	ack := &fakeAck{}

	calls := 0
	out, err := c.Process(context.Background(), newTask("t-1", "k1"), ack, func(context.Context, task.Task) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if out != OutcomeAcked {
		t.Errorf("outcome = %q, want %q", out, OutcomeAcked)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if ack.acks != 1 || ack.requeues != 0 {
		t.Errorf("acks = %d, requeues = %d, want 1, 0", ack.acks, ack.requeues)
	}
	if len(pub.retries) != 0 || len(pub.deads) != 0 {
		t.Errorf("unexpected retry/dead publishes: %d/%d", len(pub.retries), len(pub.deads))
	}
}

// Transient twice, then success: three attempts, final Acked, no dead letter.
func TestTransientThenSuccess(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub, testConfig())

	calls := 0
	out, deliveries := drive(t, c, pub, newTask("t1", "k1"), func(context.Context, task.Task) error {
		calls++
		if calls <= 2 {
			return Transient(errors.New("store unreachable"))
		}
		return nil
	})

	if out != OutcomeAcked {
		t.Errorf("final outcome = %q, want %q", out, OutcomeAcked)
	}
	if calls != 3 || deliveries != 3 {
		t.Errorf("attempts = %d (deliveries %d), want 3", calls, deliveries)
	}
	if len(pub.deads) != 0 {
		t.Errorf("dead letters = %d, want 0", len(pub.deads))
	}
	if len(pub.retries) != 2 {
		t.Fatalf("scheduled retries = %d, want 2", len(pub.retries))
	}
	if pub.retries[0].task.Attempt != 1 || pub.retries[1].task.Attempt != 2 {
		t.Errorf("retry attempt counts = %d, %d, want 1, 2", pub.retries[0].task.Attempt, pub.retries[1].task.Attempt)
	}
	if pub.retries[1].delay <= pub.retries[0].delay {
		t.Errorf("delays not increasing: %v then %v", pub.retries[0].delay, pub.retries[1].delay)
	}
}

// Always-transient handler: exactly maxRetries+1 attempts with strictly
// increasing delays, then exactly one dead letter.
func TestTransientExhaustsRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	pub := &recordingPublisher{}
	c := New(pub, cfg)

	calls := 0
	out, _ := drive(t, c, pub, newTask("t-exhaust", ""), func(context.Context, task.Task) error {
		calls++
		return errors.New("still broken")
	})

	if out != OutcomeDeadLettered {
		t.Errorf("final outcome = %q, want %q", out, OutcomeDeadLettered)
	}
	if calls != cfg.MaxRetries+1 {
		t.Errorf("attempts = %d, want %d", calls, cfg.MaxRetries+1)
	}
	if len(pub.retries) != cfg.MaxRetries {
		t.Fatalf("scheduled retries = %d, want %d", len(pub.retries), cfg.MaxRetries)
	}
	for i := 1; i < len(pub.retries); i++ {
		if pub.retries[i].delay <= pub.retries[i-1].delay {
			t.Errorf("delay %d (%v) not greater than delay %d (%v)",
				i, pub.retries[i].delay, i-1, pub.retries[i-1].delay)
		}
	}
	if len(pub.deads) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(pub.deads))
	}
	d := pub.deads[0]
	if d.Attempt != cfg.MaxRetries+1 {
		t.Errorf("dead letter attempt = %d, want %d", d.Attempt, cfg.MaxRetries+1)
	}
	if d.Reason != "max_retries" {
		t.Errorf("dead letter reason = %q, want %q", d.Reason, "max_retries")
	}
	if d.Task.ID != "t-exhaust" {
		t.Errorf("dead letter task ID = %q, want %q", d.Task.ID, "t-exhaust")
	}
}

// Permanent failure: one attempt, immediate dead letter, attempt count 1.
func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub, testConfig())
	ack := &fakeAck{}

	calls := 0
	out, err := c.Process(context.Background(), newTask("t2", ""), ack, func(context.Context, task.Task) error {
		calls++
		return Permanent(errors.New("malformed payload"))
	})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if out != OutcomeDeadLettered {
		t.Errorf("outcome = %q, want %q", out, OutcomeDeadLettered)
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
	if len(pub.retries) != 0 {
		t.Errorf("scheduled retries = %d, want 0", len(pub.retries))
	}
	if len(pub.deads) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(pub.deads))
	}
	if pub.deads[0].Attempt != 1 {
		t.Errorf("dead letter attempt = %d, want 1", pub.deads[0].Attempt)
	}
	if pub.deads[0].Reason != "permanent_failure" {
		t.Errorf("dead letter reason = %q, want %q", pub.deads[0].Reason, "permanent_failure")
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
}

// A second delivery of a completed key skips the handler entirely.
func TestDuplicateSuppressed(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub, testConfig())

	calls := 0
	h := func(context.Context, task.Task) error {
		calls++
		return nil
	}

	if out, err := c.Process(context.Background(), newTask("t-a", "same-key"), &fakeAck{}, h); err != nil || out != OutcomeAcked {
		t.Fatalf("first Process() = %q, %v", out, err)
	}

	// Redelivery carries a different task ID but the same dedup key
	ack := &fakeAck{}
	out, err := c.Process(context.Background(), newTask("t-b", "same-key"), ack, h)
	if err != nil {
		t.Fatalf("second Process() error: %v", err)
	}
	if out != OutcomeDuplicate {
		t.Errorf("outcome = %q, want %q", out, OutcomeDuplicate)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if ack.acks != 1 {
		t.Errorf("duplicate must still be acked, acks = %d", ack.acks)
	}
}

// Concurrent deliveries of the same key: exactly one handler invocation, the
// loser resolves through the cache.
func TestConcurrentDuplicates(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub, testConfig())

	var calls atomic.Int32
	h := func(context.Context, task.Task) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	outcomes := make(chan Outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := c.Process(context.Background(), newTask(id, "t3-key"), &fakeAck{}, h)
			if err != nil {
				t.Errorf("Process(%s) error: %v", id, err)
				return
			}
			outcomes <- out
		}(fmt.Sprintf("t3-%d", i))
	}
	wg.Wait()
	close(outcomes)

	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
	var acked, dup int
	for out := range outcomes {
		switch out {
		case OutcomeAcked:
			acked++
		case OutcomeDuplicate:
			dup++
		default:
			t.Errorf("unexpected outcome %q", out)
		}
	}
	if acked != 1 || dup != 1 {
		t.Errorf("outcomes = %d acked, %d duplicate, want 1 and 1", acked, dup)
	}
}

// A hung handler loses its lease and the delivery is retried as transient.
// The stale success still lands in the dedup cache.
func TestLeaseExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseTimeout = 30 * time.Millisecond
	pub := &recordingPublisher{}
	c := New(pub, cfg)
	ack := &fakeAck{}

	started := make(chan struct{})
	finished := make(chan struct{})
	tk := newTask("t-hung", "hung-key")

	out, err := c.Process(context.Background(), tk, ack, func(context.Context, task.Task) error {
		close(started)
		time.Sleep(120 * time.Millisecond) // well past the lease
		close(finished)
		return nil
	})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if out != OutcomeRetried {
		t.Errorf("outcome = %q, want %q", out, OutcomeRetried)
	}
	<-started
	if len(pub.retries) != 1 {
		t.Fatalf("scheduled retries = %d, want 1", len(pub.retries))
	}
	if pub.deads != nil {
		t.Errorf("unexpected dead letters: %d", len(pub.deads))
	}

	// Once the stale handler completes, the retried copy must short-circuit.
	<-finished
	time.Sleep(20 * time.Millisecond)

	calls := 0
	retried := pub.retries[0].task
	out, err = c.Process(context.Background(), retried, &fakeAck{}, func(context.Context, task.Task) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Process(retried) error: %v", err)
	}
	if out != OutcomeDuplicate {
		t.Errorf("retried outcome = %q, want %q (stale success recorded)", out, OutcomeDuplicate)
	}
	if calls != 0 {
		t.Errorf("handler ran %d times on the retried copy, want 0", calls)
	}
}

// When the retry cannot be parked, the delivery goes back to the broker
// unsettled instead of being lost.
func TestRetryPublishFailureRequeues(t *testing.T) {
	pub := &recordingPublisher{failRetry: errors.New("confirm timeout")}
	c := New(pub, testConfig())
	ack := &fakeAck{}

	_, err := c.Process(context.Background(), newTask("t-r", ""), ack, func(context.Context, task.Task) error {
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("Process() expected error when retry publish fails")
	}
	if ack.requeues != 1 {
		t.Errorf("requeues = %d, want 1", ack.requeues)
	}
	if ack.acks != 0 {
		t.Errorf("acks = %d, want 0", ack.acks)
	}
}

func TestRetryDelay(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", attempt: 1, want: 2 * time.Second},
		{name: "second attempt", attempt: 2, want: 8 * time.Second},
		{name: "third attempt", attempt: 3, want: 18 * time.Second},
		{name: "capped", attempt: 20, want: 5 * time.Minute},
		{name: "zero attempt clamped", attempt: 0, want: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryDelay(tt.attempt, base, max); got != tt.want {
				t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}

	// Strictly increasing until the cap
	prev := time.Duration(0)
	for n := 1; ; n++ {
		d := RetryDelay(n, base, max)
		if d == max {
			break
		}
		if d <= prev {
			t.Fatalf("RetryDelay(%d) = %v, not greater than %v", n, d, prev)
		}
		prev = d
	}
}

func TestPermanentMarker(t *testing.T) {
	base := errors.New("bad payload")

	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{name: "wrapped permanent", err: Permanent(base), wantPermanent: true},
		{name: "doubly wrapped", err: fmt.Errorf("handler: %w", Permanent(base)), wantPermanent: true},
		{name: "plain error", err: base, wantPermanent: false},
		{name: "transient wrapper", err: Transient(base), wantPermanent: false},
		{name: "lease expired", err: ErrLeaseExpired, wantPermanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.wantPermanent)
			}
		})
	}

	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent() must keep the cause reachable for errors.Is")
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "lease expired", err: ErrLeaseExpired, want: "lease_expired"},
		{name: "wrapped lease expired", err: fmt.Errorf("attempt: %w", ErrLeaseExpired), want: "lease_expired"},
		{name: "permanent", err: Permanent(errors.New("boom")), want: "permanent_failure"},
		{name: "timeout text", err: errors.New("request timeout"), want: "timeout"},
		{name: "context deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: "connection_refused"},
		{name: "dns failure", err: errors.New("lookup store: no such host"), want: "dns_error"},
		{name: "anything else", err: errors.New("smtp rejected sender"), want: "handler_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err); got != tt.want {
				t.Errorf("classifyReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
