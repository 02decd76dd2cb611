// dlqkeeper drains dead letter queues into the Postgres archive and serves
// the operator API for browsing, requeueing and purging archived tasks.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/config"
	"github.com/austindbirch/taskbus/internal/dlqstore"
	"github.com/austindbirch/taskbus/internal/health"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/metrics"
	"github.com/austindbirch/taskbus/internal/publish"
	"github.com/austindbirch/taskbus/internal/task"
	"github.com/austindbirch/taskbus/internal/tracing"
	"github.com/austindbirch/taskbus/internal/transport"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.New("dlqkeeper")

	shutdown, err := tracing.InitTracing(ctx, "dlqkeeper")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := dlqstore.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("archive database connect failed")
	}
	defer pool.Close()

	store := dlqstore.New(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("archive migration failed")
	}

	client, err := transport.Dial(ctx, transport.Config{
		URL:           cfg.Broker.URL,
		ReconnectBase: cfg.Broker.ReconnectBase,
		ReconnectMax:  cfg.Broker.ReconnectMax,
		ConnectGrace:  cfg.Broker.ConnectGrace,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("broker connect failed")
	}
	defer client.Close()

	pub := publish.New(client, publish.Config{
		Exchange:       cfg.Broker.Exchange,
		ConfirmTimeout: cfg.Broker.ConfirmTimeout,
		InternalKey:    cfg.Auth.InternalKey,
	})
	defer pub.Close()

	guard := auth.NewGuard(cfg.Auth.InternalKey, nil)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, client))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	newAPI(store, pub, logger).register(mux)

	httpSrv := &http.Server{Addr: cfg.DLQ.HTTPPort, Handler: guard.HTTPMiddleware(mux)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dlqkeeper HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	for _, q := range cfg.DLQ.Queues {
		go drainLoop(ctx, client, store, cfg.Broker.Exchange, q, logger)
	}

	logger.Plain().WithField("queues", cfg.DLQ.Queues).Info("dlqkeeper started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down dlqkeeper")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("dlqkeeper stopped")
}

// drainLoop consumes the dead queue paired with a work queue and archives
// every record. It bypasses the delivery coordinator on purpose: archiving
// must not be suppressed by dedup, and a dead letter never retries through
// the bus again.
func drainLoop(ctx context.Context, client *transport.Client, store *dlqstore.Store, exchange, queue string, logger *logging.Logger) {
	dead := publish.DeadQueue(queue)
	for {
		err := drainStream(ctx, client, store, exchange, queue, logger)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Plain().WithQueue(dead).WithError(err).Warn("dead queue stream lost, re-establishing")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func drainStream(ctx context.Context, client *transport.Client, store *dlqstore.Store, exchange, queue string, logger *logging.Logger) error {
	ch, err := client.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := publish.DeclareTopology(ch, exchange, queue); err != nil {
		return err
	}

	dead := publish.DeadQueue(queue)
	deliveries, err := ch.Consume(dead, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	logger.Plain().WithQueue(dead).Info("archiving dead letters")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return transport.ErrTransportLost
			}
			archiveDelivery(ctx, store, dead, d, logger)
		}
	}
}

func archiveDelivery(ctx context.Context, store *dlqstore.Store, dead string, d amqp.Delivery, logger *logging.Logger) {
	var rec task.DeadLetter
	if err := json.Unmarshal(d.Body, &rec); err != nil {
		// An unparseable record stays unparseable; drop it rather than
		// wedging the queue.
		logger.Plain().WithQueue(dead).WithField("message_id", d.MessageId).WithError(err).Error("bad dead letter record")
		_ = d.Ack(false)
		return
	}

	id, err := store.Archive(ctx, rec)
	if err != nil {
		// Leave it on the queue; the broker redelivers once we reconnect
		// or the database comes back.
		logger.Plain().WithQueue(dead).WithTask(rec.Task.ID).WithError(err).Error("archive failed, requeueing")
		_ = d.Nack(false, true)
		return
	}

	logger.Plain().WithQueue(dead).WithTask(rec.Task.ID).WithFields(map[string]any{
		"archive_id": id,
		"reason":     rec.Reason,
		"attempt":    rec.Attempt,
	}).Info("dead letter archived")
	_ = d.Ack(false)
}
