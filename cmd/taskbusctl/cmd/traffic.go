package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	TotalRequests   int           `json:"total_requests"`
	SuccessRequests int           `json:"success_requests"`
	FailedRequests  int           `json:"failed_requests"`
	Duration        time.Duration `json:"duration"`
	RPS             float64       `json:"rps"`
	Queue           string        `json:"queue"`
}

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate test traffic",
	Long: `Publish a stream of tasks through the gate to exercise the bus.
Point the fakesink worker at the same queue to watch retries, backoff and
dead letters happen.

Example:
  taskbusctl traffic --queue sink.test --rate 10 --duration 30s`,
	RunE: runTraffic,
}

func init() {
	rootCmd.AddCommand(trafficCmd)

	trafficCmd.Flags().String("queue", "sink.test", "target work queue")
	trafficCmd.Flags().Int("rate", 10, "tasks per second")
	trafficCmd.Flags().Duration("duration", 30*time.Second, "how long to publish")
	trafficCmd.Flags().String("type", "traffic.test", "task type label")
}

func runTraffic(cmd *cobra.Command, args []string) error {
	queue, _ := cmd.Flags().GetString("queue")
	rate, _ := cmd.Flags().GetInt("rate")
	duration, _ := cmd.Flags().GetDuration("duration")
	taskType, _ := cmd.Flags().GetString("type")

	if rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}

	fmt.Printf("Publishing to %s at %d tasks/s for %s via %s\n", queue, rate, duration, gateAddr)

	summary := TrafficSummary{Queue: queue}
	start := time.Now()
	deadline := start.Add(duration)
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	for now := range ticker.C {
		if now.After(deadline) {
			break
		}
		summary.TotalRequests++

		payload, _ := json.Marshal(map[string]interface{}{
			"n":       summary.TotalRequests,
			"sent_at": now.UTC().Format(time.RFC3339Nano),
		})
		body := map[string]interface{}{
			"queue":   queue,
			"type":    taskType,
			"payload": json.RawMessage(payload),
		}

		resp, err := makeRequest(gateAddr, "POST", "/v1/tasks", body)
		if err != nil {
			summary.FailedRequests++
			continue
		}
		if err := decodeResponse(resp, nil); err != nil {
			summary.FailedRequests++
			continue
		}
		summary.SuccessRequests++
	}

	summary.Duration = time.Since(start).Round(time.Millisecond)
	if secs := summary.Duration.Seconds(); secs > 0 {
		summary.RPS = float64(summary.TotalRequests) / secs
	}

	if outputJSON {
		printOutput(summary)
		return nil
	}

	fmt.Println("\nTraffic summary:")
	fmt.Printf("  Total: %d\n", summary.TotalRequests)
	fmt.Printf("  Succeeded: %d\n", summary.SuccessRequests)
	fmt.Printf("  Failed: %d\n", summary.FailedRequests)
	fmt.Printf("  Duration: %s (%.1f req/s)\n", summary.Duration, summary.RPS)
	return nil
}
