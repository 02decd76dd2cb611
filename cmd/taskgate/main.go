package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/config"
	"github.com/austindbirch/taskbus/internal/health"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/metrics"
	"github.com/austindbirch/taskbus/internal/publish"
	"github.com/austindbirch/taskbus/internal/task"
	"github.com/austindbirch/taskbus/internal/tracing"
	"github.com/austindbirch/taskbus/internal/transport"
)

// taskPublisher is the slice of the publisher the HTTP surface needs
type taskPublisher interface {
	Publish(ctx context.Context, t task.Task) (task.Task, error)
}

type publishRequest struct {
	ID       string          `json:"id,omitempty"`
	Queue    string          `json:"queue"`
	Type     string          `json:"type,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	DedupKey string          `json:"dedup_key,omitempty"`
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("taskgate")

	shutdown, err := tracing.InitTracing(ctx, "taskgate")
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

	var validator *auth.JWTValidator
	if cfg.Auth.JWTPublicKey != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.JWTPublicKey, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("bad JWT public key")
		}
	}
	guard := auth.NewGuard(cfg.Auth.InternalKey, validator)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(nil, client))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})
	mux.HandleFunc("/v1/tasks", publishHandler(pub, logger))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: guard.HTTPMiddleware(mux)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("taskgate HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down taskgate")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("taskgate stopped")
}

// publishHandler accepts a task from the store service and publishes it to
// the bus with a broker confirm before answering 202. Publish failures are
// retryable by the caller: the dedup key makes the retry safe downstream.
func publishHandler(pub taskPublisher, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
			return
		}
		if req.Queue == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "queue is required"})
			return
		}
		if len(req.Payload) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload is required"})
			return
		}

		ctx, span := tracing.StartSpan(r.Context(), "taskgate.publish",
			attribute.String("queue", req.Queue),
			attribute.String("task_type", req.Type),
			attribute.String("dedup_key", req.DedupKey),
		)
		defer span.End()

		t := task.Task{
			ID:       req.ID,
			Queue:    req.Queue,
			Type:     req.Type,
			Payload:  req.Payload,
			DedupKey: req.DedupKey,
			Durable:  true,
		}

		stamped, err := pub.Publish(ctx, t)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			var pe *publish.PublishError
			if errors.As(err, &pe) {
				logger.WithContext(ctx).WithQueue(req.Queue).WithError(err).Warn("publish not confirmed")
				w.Header().Set("Retry-After", "5")
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error":   "publish not confirmed, retry with the same dedup_key",
					"timeout": pe.Timeout,
				})
				return
			}
			logger.WithContext(ctx).WithQueue(req.Queue).WithError(err).Error("publish rejected")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "publish failed"})
			return
		}

		span.SetAttributes(attribute.String("task_id", stamped.ID))
		logger.WithContext(ctx).WithTask(stamped.ID).WithQueue(stamped.Queue).Info("task accepted")
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": stamped.ID})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
