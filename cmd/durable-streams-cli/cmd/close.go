package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var closeCmd = &cobra.Command{
	Use:   "close <path>",
	Short: "Mark a stream closed",
	Args:  cobra.ExactArgs(1),
	Run:   closeCmdRun,
}

func closeCmdRun(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream := newClient().Stream(args[0])
	if err := stream.Close(ctx); err != nil {
		log.WithError(err).Fatal("failed to close stream")
	}

	fmt.Printf("closed %s\n", args[0])
}
