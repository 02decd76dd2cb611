package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/config"
	"github.com/austindbirch/taskbus/internal/consume"
	"github.com/austindbirch/taskbus/internal/deliver"
	"github.com/austindbirch/taskbus/internal/health"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/metrics"
	"github.com/austindbirch/taskbus/internal/publish"
	"github.com/austindbirch/taskbus/internal/report"
	"github.com/austindbirch/taskbus/internal/tracing"
	"github.com/austindbirch/taskbus/internal/transport"
)

const backlogPollInterval = 15 * time.Second

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.New("mailworker")

	shutdown, err := tracing.InitTracing(ctx, "mailworker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

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

	coord := deliver.New(pub, deliver.Config{
		MaxRetries:   cfg.Worker.MaxRetries,
		BaseDelay:    cfg.Worker.BaseDelay,
		MaxDelay:     cfg.Worker.MaxDelay,
		LeaseTimeout: cfg.Worker.LeaseTimeout,
		DedupSize:    cfg.Worker.DedupSize,
		DedupWindow:  cfg.Worker.DedupWindow,
	})

	guard := auth.NewGuard(cfg.Auth.InternalKey, nil)
	consumer := consume.New(client, coord, consume.Config{
		Exchange: cfg.Broker.Exchange,
		Prefetch: cfg.Worker.Prefetch,
		Guard:    guard,
	})

	handler := report.NewHandler(
		report.NewStoreClient(cfg.Store.Host, cfg.Store.Timeout, cfg.Auth.InternalKey),
		newMailer(cfg, logger),
	)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(nil, client))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("mailworker HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	go pollBacklog(ctx, client, cfg.Worker.ReportsQueue, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- consumer.Run(ctx, cfg.Worker.ReportsQueue, handler.Handle)
	}()

	logger.Plain().WithQueue(cfg.Worker.ReportsQueue).Info("mailworker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-stop:
		logger.Plain().Info("shutting down mailworker")
	case err := <-runErr:
		if err != nil {
			logger.Plain().WithError(err).Error("consumer stopped")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("mailworker stopped")
}

// newMailer picks real SMTP when credentials are configured, otherwise a
// mailer that logs the rendered report. Local compose setups run without
// an SMTP server.
func newMailer(cfg config.Config, logger *logging.Logger) report.Mailer {
	if cfg.SMTP.Server != "" && cfg.SMTP.Sender != "" {
		logger.Plain().WithField("server", cfg.SMTP.Server).Info("using SMTP mailer")
		return report.NewSMTPMailer(cfg.SMTP.Server, cfg.SMTP.Sender, cfg.SMTP.Password)
	}
	logger.Plain().Warn("SMTP not configured, reports will be logged instead of sent")
	return report.NewLogMailer()
}

// pollBacklog samples the depth of the work queue and its retry queue so
// the queue depth gauges track what the broker is holding for us.
func pollBacklog(ctx context.Context, client *transport.Client, queue string, logger *logging.Logger) {
	ticker := time.NewTicker(backlogPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, q := range []string{queue, publish.RetryQueue(queue)} {
			depth, err := queueDepth(ctx, client, q)
			if err != nil {
				logger.Plain().WithQueue(q).WithError(err).Debug("backlog poll failed")
				continue
			}
			metrics.UpdateQueueDepth(q, float64(depth))
		}
	}
}

func queueDepth(ctx context.Context, client *transport.Client, queue string) (int, error) {
	ch, err := client.Channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	// Passive declare fails if the queue does not exist yet; that is fine,
	// depth zero is reported once the consumer declares it.
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}
