package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// dlqEntry mirrors the dlqkeeper API response shape
type dlqEntry struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"task_id"`
	Queue      string          `json:"queue"`
	Reason     string          `json:"reason"`
	Attempt    int             `json:"attempt"`
	LastError  string          `json:"last_error,omitempty"`
	Task       json.RawMessage `json:"task"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	RequeuedAt *time.Time      `json:"requeued_at,omitempty"`
}

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage archived dead letters",
	Long:  `Browse the dead letter archive, requeue tasks with a fresh retry budget, or purge entries.`,
}

// dlqLsCmd represents the dlq ls command
var dlqLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List archived dead letters",
	Long: `List dead letters in the archive, newest first.

Example:
  taskbusctl dlq ls --queue email.reports --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		limit, _ := cmd.Flags().GetInt("limit")

		path := fmt.Sprintf("/v1/dlq?limit=%d", limit)
		if queue != "" {
			path += "&queue=" + queue
		}

		resp, err := makeRequest(keeperAddr, "GET", path, nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}

		var out struct {
			Entries []dlqEntry `json:"entries"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if outputJSON {
			printOutput(out)
			return nil
		}

		fmt.Println("Dead letter archive:")
		if len(out.Entries) == 0 {
			fmt.Println("  No entries found")
			return nil
		}
		for _, e := range out.Entries {
			fmt.Printf("\n  Entry %d:\n", e.ID)
			fmt.Printf("    Task ID: %s\n", e.TaskID)
			fmt.Printf("    Queue: %s\n", e.Queue)
			fmt.Printf("    Reason: %s\n", e.Reason)
			fmt.Printf("    Attempts: %d\n", e.Attempt)
			if e.LastError != "" {
				fmt.Printf("    Last error: %s\n", e.LastError)
			}
			fmt.Printf("    Status: %s\n", e.Status)
			fmt.Printf("    Archived: %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))
			if e.RequeuedAt != nil {
				fmt.Printf("    Requeued: %s\n", e.RequeuedAt.Format("2006-01-02 15:04:05"))
			}
		}
		return nil
	},
}

// dlqRequeueCmd represents the dlq requeue command
var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue [entry-id]",
	Short: "Requeue an archived dead letter",
	Long: `Republish an archived task to its work queue. The attempt counter is
cleared, so the task gets its full retry budget back.

Example:
  taskbusctl dlq requeue 42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(keeperAddr, "POST", "/v1/dlq/"+args[0]+"/requeue", nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}

		var out struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return fmt.Errorf("requeue failed: %w", err)
		}

		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Requeued task: %s\n", out.TaskID)
		}
		return nil
	},
}

// dlqRmCmd represents the dlq rm command
var dlqRmCmd = &cobra.Command{
	Use:   "rm [entry-id]",
	Short: "Delete an archived dead letter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(keeperAddr, "DELETE", "/v1/dlq/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		if err := decodeResponse(resp, nil); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}

		fmt.Printf("Deleted entry %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqLsCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqRmCmd)

	dlqLsCmd.Flags().String("queue", "", "filter by origin queue")
	dlqLsCmd.Flags().Int("limit", 20, "maximum number of entries")
}
