package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the task gate",
	Long:  `Send a ping request to verify the task gate is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(gateAddr, "GET", "/v1/ping", nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}

		var body struct {
			Message string `json:"message"`
		}
		if err := decodeResponse(resp, &body); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		if outputJSON {
			printOutput(body)
		} else {
			fmt.Printf("Pong! Gate is running: %s\n", body.Message)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
