package cmd

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/austindbirch/taskbus/internal/publish"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect broker queues directly",
	Long: `Talk to the broker directly to inspect or purge the queue trio behind a
work queue. These commands bypass the gate; point --amqp at the broker.`,
}

// queueLsCmd represents the queue ls command
var queueLsCmd = &cobra.Command{
	Use:   "ls [queue]",
	Short: "Show depths for a work queue and its retry/dead queues",
	Long: `Show message counts and consumer counts for a work queue, its retry
queue and its dead letter queue.

Example:
  taskbusctl queue ls email.reports`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue := args[0]

		ch, cleanup, err := brokerChannel()
		if err != nil {
			return err
		}
		defer cleanup()

		names := []string{queue, publish.RetryQueue(queue), publish.DeadQueue(queue)}
		type depth struct {
			Queue     string `json:"queue"`
			Messages  int    `json:"messages"`
			Consumers int    `json:"consumers"`
		}
		var out []depth

		for _, name := range names {
			q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
			if err != nil {
				// Passive declare failure closes the channel; report what
				// we have and note the missing queue.
				out = append(out, depth{Queue: name, Messages: -1})
				break
			}
			out = append(out, depth{Queue: q.Name, Messages: q.Messages, Consumers: q.Consumers})
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		for _, d := range out {
			if d.Messages < 0 {
				fmt.Printf("%-30s (not declared)\n", d.Queue)
				continue
			}
			fmt.Printf("%-30s %6d messages  %3d consumers\n", d.Queue, d.Messages, d.Consumers)
		}
		return nil
	},
}

// queuePurgeCmd represents the queue purge command
var queuePurgeCmd = &cobra.Command{
	Use:   "purge [queue]",
	Short: "Purge all messages from a queue",
	Long: `Remove every ready message from a single queue. Pass the exact queue
name; purging email.reports does not touch email.reports.retry.

Example:
  taskbusctl queue purge email.reports.dead`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, cleanup, err := brokerChannel()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := ch.QueuePurge(args[0], false)
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}

		fmt.Printf("Purged %d messages from %s\n", n, args[0])
		return nil
	},
}

// brokerChannel dials the broker once for a one-shot admin command
func brokerChannel() (*amqp.Channel, func(), error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	cleanup := func() {
		ch.Close()
		conn.Close()
	}
	return ch, cleanup, nil
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueLsCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}
