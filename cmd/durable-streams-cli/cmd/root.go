package cmd

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	durablestreams "github.com/dstreams/client-go"
)

var rootArgs struct {
	BaseURL string
}

var rootCmd = &cobra.Command{
	Use:   "durable-streams-cli",
	Short: "Smoke-test durable streams from a terminal",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.BaseURL, "base-url", "", "base URL to resolve relative stream paths against")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(deleteCmd)
}

// Execute runs the CLI's root command.
func Execute() error {
	return rootCmd.Execute()
}

func newClient() *durablestreams.Client {
	opts := []durablestreams.ClientOption{
		durablestreams.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if rootArgs.BaseURL != "" {
		opts = append(opts, durablestreams.WithBaseURL(rootArgs.BaseURL))
	}
	return durablestreams.NewClient(opts...)
}
