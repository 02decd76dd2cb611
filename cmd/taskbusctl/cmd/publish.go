package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [queue]",
	Short: "Publish a task to a work queue",
	Long: `Publish a task through the task gate. The gate answers once the broker
has confirmed the write, so a successful publish is a durable publish.

Example:
  taskbusctl publish email.reports --type report.send \
    --payload '{"product":"harbor","recipients":["ops@example.com"]}' \
    --dedup-key report:2026-08-25`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue := args[0]

		payload, _ := cmd.Flags().GetString("payload")
		taskType, _ := cmd.Flags().GetString("type")
		dedupKey, _ := cmd.Flags().GetString("dedup-key")

		var raw json.RawMessage
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}

		body := map[string]interface{}{
			"queue":   queue,
			"payload": raw,
		}
		if taskType != "" {
			body["type"] = taskType
		}
		if dedupKey != "" {
			body["dedup_key"] = dedupKey
		}

		resp, err := makeRequest(gateAddr, "POST", "/v1/tasks", body)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}

		var out struct {
			TaskID string `json:"task_id"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}

		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Published task: %s\n", out.TaskID)
			fmt.Printf("  Queue: %s\n", queue)
			if dedupKey != "" {
				fmt.Printf("  Dedup key: %s\n", dedupKey)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("payload", "{}", "task payload as JSON")
	publishCmd.Flags().String("type", "", "task type label")
	publishCmd.Flags().String("dedup-key", "", "idempotency key for consumer-side dedup")
}
