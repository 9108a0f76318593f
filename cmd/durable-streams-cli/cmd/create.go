package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	durablestreams "github.com/dstreams/client-go"
)

var createArgs struct {
	ContentType string
	TTL         time.Duration
	Data        string
}

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a stream",
	Args:  cobra.ExactArgs(1),
	Run:   createCmdRun,
}

func init() {
	createCmd.Flags().StringVarP(&createArgs.ContentType, "content-type", "c", "application/octet-stream", "content type for the new stream")
	createCmd.Flags().DurationVar(&createArgs.TTL, "ttl", 0, "optional retention TTL for the stream")
	createCmd.Flags().StringVarP(&createArgs.Data, "data", "d", "", "optional initial data for the stream")
}

func createCmdRun(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream := newClient().Stream(args[0])

	opts := []durablestreams.CreateOption{
		durablestreams.WithContentType(createArgs.ContentType),
	}
	if createArgs.TTL > 0 {
		opts = append(opts, durablestreams.WithTTL(createArgs.TTL))
	}
	if createArgs.Data != "" {
		opts = append(opts, durablestreams.WithInitialData([]byte(createArgs.Data)))
	}

	if err := stream.Create(ctx, opts...); err != nil {
		log.WithError(err).Fatal("failed to create stream")
	}

	fmt.Printf("created %s\n", args[0])
}
