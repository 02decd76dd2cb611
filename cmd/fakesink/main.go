// fakesink is a development worker that consumes a queue and fails on
// purpose. Point the bus at it to watch retries, backoff and dead letters
// happen without a real downstream.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/config"
	"github.com/austindbirch/taskbus/internal/consume"
	"github.com/austindbirch/taskbus/internal/deliver"
	"github.com/austindbirch/taskbus/internal/publish"
	"github.com/austindbirch/taskbus/internal/task"
	"github.com/austindbirch/taskbus/internal/transport"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("fakesink starting: queue=%s fail_first_n=%d fail_mode=%s delay=%dms",
		cfg.FakeSink.Queue, cfg.FakeSink.FailFirstN, cfg.FakeSink.FailMode, cfg.FakeSink.HandlerDelay)

	client, err := transport.Dial(ctx, transport.Config{
		URL:           cfg.Broker.URL,
		ReconnectBase: cfg.Broker.ReconnectBase,
		ReconnectMax:  cfg.Broker.ReconnectMax,
		ConnectGrace:  cfg.Broker.ConnectGrace,
	})
	if err != nil {
		log.Fatalf("broker connect failed: %v", err)
	}
	defer client.Close()

	pub := publish.New(client, publish.Config{
		Exchange:       cfg.Broker.Exchange,
		ConfirmTimeout: cfg.Broker.ConfirmTimeout,
		InternalKey:    cfg.Auth.InternalKey,
	})
	defer pub.Close()

	coord := deliver.New(pub, deliver.Config{
		MaxRetries:   cfg.Worker.MaxRetries,
		BaseDelay:    cfg.Worker.BaseDelay,
		MaxDelay:     cfg.Worker.MaxDelay,
		LeaseTimeout: cfg.Worker.LeaseTimeout,
		DedupSize:    cfg.Worker.DedupSize,
		DedupWindow:  cfg.Worker.DedupWindow,
	})

	consumer := consume.New(client, coord, consume.Config{
		Exchange: cfg.Broker.Exchange,
		Prefetch: cfg.Worker.Prefetch,
		Guard:    auth.NewGuard(cfg.Auth.InternalKey, nil),
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- consumer.Run(ctx, cfg.FakeSink.Queue, sinkHandler(cfg.FakeSink))
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-stop:
		log.Println("fakesink shutting down")
		cancel()
	case err := <-runErr:
		if err != nil {
			log.Fatalf("consumer stopped: %v", err)
		}
	}
}

// sinkHandler fails a task's first FailFirstN delivery attempts and then
// succeeds. The attempt counter on the envelope makes this deterministic
// across restarts.
func sinkHandler(cfg config.FakeSink) deliver.Handler {
	return func(ctx context.Context, t task.Task) error {
		if cfg.HandlerDelay > 0 {
			select {
			case <-time.After(time.Duration(cfg.HandlerDelay) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attempt := t.Attempt + 1
		if t.Attempt < cfg.FailFirstN {
			err := fmt.Errorf("simulated failure on attempt %d of task %s", attempt, t.ID)
			if cfg.FailMode == "permanent" {
				log.Printf("FAIL (permanent) task=%s attempt=%d", t.ID, attempt)
				return deliver.Permanent(err)
			}
			log.Printf("FAIL (transient) task=%s attempt=%d", t.ID, attempt)
			return err
		}

		log.Printf("OK task=%s attempt=%d queue=%s payload=%s", t.ID, attempt, t.Queue, string(t.Payload))
		return nil
	}
}
