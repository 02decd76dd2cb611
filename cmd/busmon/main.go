package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueStats represents one queue in the RabbitMQ management API response
type QueueStats struct {
	Name            string `json:"name"`
	Messages        int64  `json:"messages"`
	MessagesReady   int64  `json:"messages_ready"`
	MessagesUnacked int64  `json:"messages_unacknowledged"`
	Consumers       int64  `json:"consumers"`
}

var (
	// Total work waiting across all work queues - what we really care about
	busBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskbus_bus_backlog",
		Help: "Total number of messages waiting across work queues",
	})

	deadBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskbus_dead_backlog",
		Help: "Total number of messages sitting in dead letter queues",
	})

	// Queue-specific metrics
	queueReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskbus_broker_queue_ready",
		Help: "Messages ready for delivery by queue",
	}, []string{"queue"})

	queueUnacked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskbus_broker_queue_unacked",
		Help: "Messages delivered but not yet acked by queue",
	}, []string{"queue"})

	queueConsumers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskbus_broker_queue_consumers",
		Help: "Consumers attached by queue",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(busBacklog)
	prometheus.MustRegister(deadBacklog)
	prometheus.MustRegister(queueReady)
	prometheus.MustRegister(queueUnacked)
	prometheus.MustRegister(queueConsumers)
}

func main() {
	mgmtHost := getEnv("RABBITMQ_MGMT_HOST", "rabbitmq:15672")
	mgmtUser := getEnv("RABBITMQ_USER", "taskbus")
	mgmtPass := getEnv("RABBITMQ_PASS", "taskbus")
	port := getEnv("PORT", "8085")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	log.Printf("Bus monitor starting on port %s", port)
	log.Printf("Monitoring RabbitMQ at %s every %d seconds", mgmtHost, interval)

	// Start metrics collection in background
	go collectMetrics(mgmtHost, mgmtUser, mgmtPass, time.Duration(interval)*time.Second)

	// Expose metrics endpoint
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func collectMetrics(mgmtHost, user, pass string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := updateMetrics(mgmtHost, user, pass); err != nil {
			log.Printf("Error updating metrics: %v", err)
		}
	}
}

func updateMetrics(mgmtHost, user, pass string) error {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/queues", mgmtHost), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(user, pass)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get broker stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker stats returned %s", resp.Status)
	}

	var stats []QueueStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode broker stats: %w", err)
	}

	applyStats(stats)
	return nil
}

// applyStats folds the per-queue stats into the gauges. Retry queues are
// parked work, not backlog; dead queues count separately so they can alarm.
func applyStats(stats []QueueStats) {
	var backlog, dead int64
	for _, q := range stats {
		queueReady.WithLabelValues(q.Name).Set(float64(q.MessagesReady))
		queueUnacked.WithLabelValues(q.Name).Set(float64(q.MessagesUnacked))
		queueConsumers.WithLabelValues(q.Name).Set(float64(q.Consumers))

		switch {
		case strings.HasSuffix(q.Name, ".dead"):
			dead += q.Messages
		case strings.HasSuffix(q.Name, ".retry"):
			// parked, deliberately excluded from backlog
		default:
			backlog += q.Messages
		}
	}
	busBacklog.Set(float64(backlog))
	deadBacklog.Set(float64(dead))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
