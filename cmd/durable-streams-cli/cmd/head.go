package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var headCmd = &cobra.Command{
	Use:   "head <path>",
	Short: "Print a stream's metadata",
	Args:  cobra.ExactArgs(1),
	Run:   headCmdRun,
}

func headCmdRun(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	meta, err := newClient().Stream(args[0]).Head(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to fetch metadata")
	}

	fmt.Printf("content-type: %s\n", meta.ContentType)
	fmt.Printf("next offset:  %s\n", meta.NextOffset)
	if meta.TTL != nil {
		fmt.Printf("ttl:          %s\n", *meta.TTL)
	}
	if meta.ExpiresAt != nil {
		fmt.Printf("expires at:   %s\n", meta.ExpiresAt.Format(time.RFC3339))
	}
}
